package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	storageservice "github.com/sushant-115/pagestore/api/storage_service"
	"github.com/sushant-115/pagestore/config"
	"github.com/sushant-115/pagestore/config/certs"
	"github.com/sushant-115/pagestore/core/storage_engine/export"
	"github.com/sushant-115/pagestore/core/storage_engine/scan"
	storageserver "github.com/sushant-115/pagestore/core/storage_engine/storage_server"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"github.com/sushant-115/pagestore/pkg/connection"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	StorageStopTimeout    = 30 * time.Second
)

// CLI flags override the matching configuration file settings.
var CLI struct {
	Config      string   `short:"c" type:"existingfile" help:"YAML node configuration."`
	DataDir     []string `name:"data-dir" type:"path" help:"Storage volume; repeat once per partition."`
	GRPCAddr    string   `name:"grpc-addr" help:"Address of the storage service."`
	BackendAddr string   `name:"backend-addr" help:"Address of the backend receiving page pins."`
	NodeID      uint32   `name:"node-id" help:"Node id stamped into page pins."`
	LogLevel    string   `name:"log-level" help:"Minimum log level (debug, info, warn, error)."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pagestore_server"),
		kong.Description("Page storage node serving the storage service over gRPC."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(run())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	if len(CLI.DataDir) > 0 {
		cfg.Storage.Volumes = CLI.DataDir
	}
	if CLI.GRPCAddr != "" {
		cfg.GRPC.Address = CLI.GRPCAddr
	}
	if CLI.BackendAddr != "" {
		cfg.Backend.Address = CLI.BackendAddr
	}
	if CLI.NodeID != 0 {
		cfg.Storage.NodeID = CLI.NodeID
	}
	if CLI.LogLevel != "" {
		cfg.Logger.Level = CLI.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	storageMetrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return err
	}
	grpcMetrics, err := internaltelemetry.NewGrpcServerMetrics(tel.Meter)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := storageserver.Options{Metrics: storageMetrics, Logger: zlogger}
	if cfg.Backend.Address != "" {
		pool := connection.NewConnectionPoolManager(cfg.Backend.Network, cfg.Backend.PoolSize, cfg.Backend.DialTimeout)
		defer pool.Close()
		opts.Connector = &scan.PoolConnector{Pool: pool, Address: cfg.Backend.Address}
	} else {
		zlogger.Warn("No backend address configured; GetSetPages is disabled")
	}
	if cfg.ObjectStore.Endpoint != "" {
		store, err := export.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return err
		}
		opts.ObjectStore = store
	}

	zlogger.Info("Starting pagestore storage node",
		zap.Uint32("node_id", cfg.Storage.NodeID),
		zap.Strings("volumes", cfg.Storage.Volumes),
		zap.Int("page_size", cfg.Storage.PageSize),
		zap.Int("cache_pages", cfg.Storage.CachePages),
		zap.String("grpc_addr", cfg.GRPC.Address),
		zap.String("backend_addr", cfg.Backend.Address),
	)
	storage, err := storageserver.New(ctx, cfg.Storage, opts)
	if err != nil {
		if errors.Is(err, flushmanager.ErrRootMissing) {
			zlogger.Fatal("CRITICAL: Storage volume missing", zap.Error(err))
		}
		return fmt.Errorf("failed to start storage server: %w", err)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamInterceptor()),
	}
	if cfg.GRPC.CertDir != "" {
		tlsConfig, err := certs.LoadServerTLSConfig(cfg.GRPC.CertDir)
		if err != nil {
			storage.Shutdown(context.Background())
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	grpcServer := grpc.NewServer(serverOpts...)

	shutdownRequested := make(chan struct{})
	var once sync.Once
	storageservice.NewService(storage, zlogger, func() {
		once.Do(func() { close(shutdownRequested) })
	}).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		storage.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Address, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(lis) }()
	zlogger.Info("gRPC server started", zap.String("address", lis.Addr().String()), zap.Bool("tls", cfg.GRPC.CertDir != ""))

	storageStopped := false
	select {
	case <-ctx.Done():
		zlogger.Info("Received signal, initiating graceful shutdown")
	case <-shutdownRequested:
		zlogger.Info("Shutdown requested over gRPC")
		storageStopped = true
	case err := <-serveErr:
		zlogger.Error("gRPC server failed to serve", zap.Error(err))
	}

	stopGRPC(grpcServer, zlogger)
	if !storageStopped {
		stopCtx, cancel := context.WithTimeout(context.Background(), StorageStopTimeout)
		defer cancel()
		if res := storage.Shutdown(stopCtx); !res.Success {
			zlogger.Error("Storage server did not stop cleanly", zap.String("message", res.Message))
		}
	}
	zlogger.Info("pagestore storage node shut down gracefully.")
	return nil
}

// stopGRPC drains in-flight calls, forcing the stop after GrpcServerStopTimeout.
func stopGRPC(s *grpc.Server, zlogger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(GrpcServerStopTimeout):
		zlogger.Warn("gRPC graceful stop timed out, forcing stop")
		s.Stop()
	}
}
