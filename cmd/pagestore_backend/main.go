package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/scan"
	sharedmem "github.com/sushant-115/pagestore/core/storage_engine/shared_memory"
	"github.com/sushant-115/pagestore/pkg/logger"
)

var CLI struct {
	Network   string `default:"unix" enum:"unix,tcp" help:"Listener network."`
	Listen    string `required:"" help:"Socket path or host:port the storage node connects to."`
	SharedMem string `name:"shared-mem" type:"existingfile" help:"Shared memory file of the storage node. Empty only counts pins."`
	PageSize  int    `name:"page-size" default:"65536" help:"Page size of the storage node."`
	LogLevel  string `name:"log-level" default:"info" help:"Minimum log level."`
	LogFormat string `name:"log-format" default:"console" help:"Log format (json or console)."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pagestore_backend"),
		kong.Description("Receives page pins from a storage node and reads the pages out of shared memory."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(run())
}

func run() error {
	zlogger, err := logger.New(logger.Config{Level: CLI.LogLevel, Format: CLI.LogFormat, Component: "backend"})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer zlogger.Sync()

	var arena *sharedmem.Arena
	if CLI.SharedMem != "" {
		if arena, err = sharedmem.Attach(CLI.SharedMem, CLI.PageSize, zlogger); err != nil {
			return err
		}
		defer arena.Close()
	}

	if CLI.Network == "unix" {
		// a previous run may have left its socket behind
		if err := os.Remove(CLI.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket %s: %w", CLI.Listen, err)
		}
	}
	lis, err := net.Listen(CLI.Network, CLI.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", CLI.Listen, err)
	}

	receiver := scan.NewReceiver(newConsumer(arena, zlogger).handle, zlogger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		zlogger.Info("Received signal, closing receiver")
		receiver.Close()
	}()

	zlogger.Info("Backend listening",
		zap.String("network", CLI.Network),
		zap.String("address", lis.Addr().String()),
		zap.Bool("shared_memory", arena != nil))
	if err := receiver.Serve(lis); err != nil {
		return fmt.Errorf("receiver failed: %w", err)
	}
	zlogger.Info("Backend stopped")
	return nil
}
