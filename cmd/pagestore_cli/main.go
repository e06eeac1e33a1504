package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"

	storageservice "github.com/sushant-115/pagestore/api/storage_service"
	"github.com/sushant-115/pagestore/config/certs"
)

var CLI struct {
	Addr     string        `default:"127.0.0.1:7050" help:"Storage service address."`
	CertDir  string        `name:"cert-dir" type:"path" help:"Mutual TLS material. Empty dials plaintext."`
	Timeout  time.Duration `default:"30s" help:"Deadline of each command."`
	GenCerts string        `name:"gen-certs" type:"path" help:"Write a CA plus server and client certificates into this directory and exit."`
	Host     string        `default:"localhost" help:"Host the generated server certificate is valid for."`
	Command  []string      `arg:"" optional:"" help:"Run one command instead of the interactive shell."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pagestore_cli"),
		kong.Description("Interactive client of the pagestore storage service."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(run())
}

func run() error {
	if CLI.GenCerts != "" {
		if err := certs.Generate(CLI.GenCerts, CLI.Host); err != nil {
			return err
		}
		fmt.Printf("Certificates written to %s\n", CLI.GenCerts)
		return nil
	}

	var tlsConfig *tls.Config
	if CLI.CertDir != "" {
		var err error
		if tlsConfig, err = certs.LoadClientTLSConfig(CLI.CertDir); err != nil {
			return err
		}
	}
	client, err := storageservice.Dial(CLI.Addr, tlsConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(CLI.Command) > 0 {
		return runOne(client, CLI.Command, os.Stdout)
	}
	return shell(client)
}

func runOne(c caller, fields []string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), CLI.Timeout)
	defer cancel()
	return execute(ctx, c, fields, out)
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands)+3)
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	items = append(items, readline.PcItem("help"), readline.PcItem("exit"), readline.PcItem("quit"))
	return readline.NewPrefixCompleter(items...)
}

func shell(c caller) error {
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".pagestore_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagestore> ",
		HistoryFile:     history,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "pagestore CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", CLI.Addr)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if name := strings.ToLower(fields[0]); name == "exit" || name == "quit" {
			return nil
		}
		if err := runOne(c, fields, rl.Stdout()); err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}
