package main

import (
	"context"
	"encoding/json"
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
	"github.com/ismaiel54/order-bridge/internal/breaker"
	"github.com/ismaiel54/order-bridge/internal/config"
	"github.com/ismaiel54/order-bridge/internal/executor"
	"github.com/ismaiel54/order-bridge/internal/heartbeat"
	"github.com/ismaiel54/order-bridge/internal/logging"
	"github.com/ismaiel54/order-bridge/internal/msg"
	"github.com/ismaiel54/order-bridge/internal/observability"
	"github.com/ismaiel54/order-bridge/internal/telemetry"
	"github.com/ismaiel54/order-bridge/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("order-gateway")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting order-gateway service",
		zap.String("agent_addr", cfg.AgentAddr),
		zap.Duration("ping_interval", cfg.PingInterval),
		zap.Duration("ping_timeout", cfg.PingTimeout),
		zap.Int("max_ping_failures", cfg.MaxPingFailures),
		zap.Duration("order_timeout", cfg.OrderTimeout),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("data_dir", cfg.DataDir),
	)

	brokers := cfg.Brokers()
	if brokers == nil {
		logger.Fatal("KAFKA_BROKERS is required for order-gateway")
	}

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open result outbox
	outboxPath := filepath.Join(cfg.DataDir, "results.db")
	outbox, err := telemetry.OpenOutbox(outboxPath)
	if err != nil {
		logger.Fatal("failed to open result outbox", zap.Error(err))
	}
	defer outbox.Close()

	logger.Info("result outbox opened", zap.String("path", outboxPath))

	// Build the bridge client stack: connection, breaker, heartbeat,
	// executor
	conn := transport.New(cfg.AgentAddr, logger)
	defer conn.Disconnect()

	brk := breaker.New(logger)
	monitor := heartbeat.NewMonitor(conn, brk, cfg.PingInterval, cfg.PingTimeout, cfg.MaxPingFailures, logger)
	exec := executor.New(conn, brk, outbox, cfg.OrderTimeout, logger)

	// In-process stand-in for the external risk collaborator's authorize()
	authorizer := auth.NewAuthorizer(cfg.AuthSecret)

	// Create health checker
	healthChecker := observability.NewHealthChecker(logger)

	// Create Kafka producer and outbox publisher
	producer, err := msg.NewProducer(brokers, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	publisher := telemetry.NewPublisher(outbox, producer, logger)

	// Create Kafka consumer for trading intents
	consumer, err := msg.NewConsumer(brokers, "order-gateway-v1", []string{msg.TopicOrderCommands}, logger)
	if err != nil {
		logger.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start heartbeat monitor
	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("heartbeat monitor stopped", zap.Error(err))
		}
	}()

	// Resolve reconciliation latches left by ambiguous order outcomes, so
	// one lost reply cannot block a symbol for the life of the process
	go func() {
		if err := exec.RunReconciler(ctx, cfg.ReconcileInterval); err != nil && ctx.Err() == nil {
			logger.Error("reconciler stopped", zap.Error(err))
		}
	}()

	// Reflect liveness into the health endpoint
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				healthChecker.SetTransportReady(monitor.Status() == heartbeat.StatusConnected && !brk.Engaged())
			}
		}
	}()

	// Start consumer
	consumerErrCh := make(chan error, 1)
	go func() {
		err := consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
			var intent msg.OrderIntentMsg
			if err := json.Unmarshal(rec.Value, &intent); err != nil {
				// Permanent, skip and commit
				logger.Error("failed to unmarshal trading intent",
					zap.String("key", rec.Key),
					zap.Int64("offset", rec.Offset),
					zap.Error(err),
				)
				return nil
			}

			token := authorizer.Issue(auth.Fields{
				Symbol:     intent.Symbol,
				Side:       intent.Side,
				Volume:     intent.Volume,
				Price:      intent.Price,
				StopLoss:   intent.StopLoss,
				TakeProfit: intent.TakeProfit,
			}, time.Now())

			result := exec.ExecuteOrder(ctx, executor.Intent{
				Symbol:        intent.Symbol,
				Side:          intent.Side,
				Volume:        intent.Volume,
				Price:         intent.Price,
				StopLoss:      intent.StopLoss,
				TakeProfit:    intent.TakeProfit,
				Comment:       intent.Comment,
				Authorization: token,
			})

			logger.Info("trading intent handled",
				zap.String("event_id", intent.EventID),
				zap.String("symbol", intent.Symbol),
				zap.String("side", intent.Side),
				zap.Float64("volume", intent.Volume),
				zap.String("correlation_id", result.CorrelationID),
				zap.String("outcome", string(result.Outcome)),
				zap.String("code", result.Code),
			)

			// Every outcome, ambiguous included, commits the offset: a
			// replayed intent after an ambiguous timeout would be a new
			// order, and the reconcile latch blocks exactly that.
			return nil
		})
		if err != nil {
			consumerErrCh <- err
		}
	}()

	// Start outbox publisher loop
	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
			publisherErrCh <- err
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

	// Wait for consumer to start
	time.Sleep(1 * time.Second)
	if consumer.IsRunning() {
		healthChecker.SetKafkaReady(true)
	} else {
		logger.Warn("consumer not running yet")
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-consumerErrCh:
		logger.Error("consumer error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("publisher error", zap.Error(err))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()
	producer.Close()
	consumer.Close()
	conn.Disconnect()
	outbox.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("order-gateway service stopped")
}
