package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ismaiel54/order-bridge/internal/auth"
	"github.com/ismaiel54/order-bridge/internal/broker"
	"github.com/ismaiel54/order-bridge/internal/config"
	"github.com/ismaiel54/order-bridge/internal/dedupe"
	"github.com/ismaiel54/order-bridge/internal/logging"
	"github.com/ismaiel54/order-bridge/internal/observability"
	"github.com/ismaiel54/order-bridge/internal/server"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("bridge-agent")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting bridge-agent service",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Strings("allowed_hosts", cfg.AllowedHosts),
		zap.Duration("auth_ttl", cfg.AuthTTL),
		zap.Duration("dedupe_ttl", cfg.DedupeTTL),
		zap.String("data_dir", cfg.DataDir),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open dedupe store
	dbPath := filepath.Join(cfg.DataDir, "seen.db")
	store, err := dedupe.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open dedupe store", zap.Error(err))
	}
	defer store.Close()

	logger.Info("dedupe store opened", zap.String("path", dbPath))

	// Create authorization verifier and broker.
	// TODO(ops): swap the paper broker for the real adapter once its
	// credentials land in the deployment config.
	verifier := auth.NewVerifier(cfg.AuthSecret, cfg.AuthTTL)
	paperBroker := broker.NewPaper(10000, "USD")

	// Create health checker
	healthChecker := observability.NewHealthChecker(logger)

	// Create protocol server
	protoServer := server.New(cfg.ListenAddr, cfg.AllowedHosts, verifier, paperBroker, store, logger)
	if err := protoServer.Start(); err != nil {
		logger.Fatal("failed to start protocol server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := protoServer.Serve(ctx); err != nil {
			serveErrCh <- err
		}
	}()

	// Start dedupe purge loop
	go func() {
		if err := store.RunPurge(ctx, cfg.DedupeTTL, time.Minute); err != nil && ctx.Err() == nil {
			logger.Error("dedupe purge loop stopped", zap.Error(err))
		}
	}()

	// Start gRPC health server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC health server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP health server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		logger.Error("protocol server error", zap.Error(err))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()
	protoServer.Close()
	store.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("bridge-agent service stopped")
}
