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
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/bus/kafkabus"
	"github.com/quantfork/tradelink/internal/bus/membus"
	"github.com/quantfork/tradelink/internal/config"
	"github.com/quantfork/tradelink/internal/event"
	"github.com/quantfork/tradelink/internal/journal"
	"github.com/quantfork/tradelink/internal/ledger"
	"github.com/quantfork/tradelink/internal/lifecycle"
	"github.com/quantfork/tradelink/internal/logging"
	"github.com/quantfork/tradelink/internal/observability"
	"github.com/quantfork/tradelink/internal/recovery"
	"github.com/quantfork/tradelink/internal/snapshot"
)

// connGate mirrors the gateway's connectivity broadcasts into the
// order-acceptance gate.
type connGate struct {
	down atomic.Bool
}

func (g *connGate) Connected() bool { return !g.down.Load() }

func openBus(cfg *config.Config, store *journal.Store, logger *zap.Logger) (bus.Bus, error) {
	if cfg.BusBackend == "memory" {
		return membus.New(membus.Options{
			RetainCount: cfg.RetainCount,
			RetainAge:   cfg.RetainAge,
			Cursors:     store,
		}, logger), nil
	}
	return kafkabus.New(cfg.Brokers(), logger)
}

func main() {
	cfg := config.Load("trading")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting trading service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("bus_backend", cfg.BusBackend),
		zap.String("snapshot_addr", cfg.SnapshotAddr),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	store, err := journal.Open(filepath.Join(cfg.DataDir, "trading.db"))
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer store.Close()

	eventBus, err := openBus(cfg, store, logger)
	if err != nil {
		logger.Fatal("failed to open bus", zap.Error(err))
	}
	defer eventBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led := ledger.New(nil, logger)
	ledgerErrCh := make(chan error, 1)
	go func() { ledgerErrCh <- led.Run(ctx) }()

	gate := &connGate{}
	manager := lifecycle.New(led, store, store, gate, logger)

	// Snapshot baseline before anything else. A missing baseline is
	// fatal: an empty default would corrupt every later close.
	coordinator := recovery.New(snapshot.NewClient(cfg.SnapshotAddr), led, manager, logger)
	if err := coordinator.Recover(ctx); err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}

	// Connectivity broadcasts gate order intake and flag open orders.
	detachConn, err := eventBus.Subscribe(ctx, event.ChannelConnectivity,
		func(_ context.Context, rec bus.Record) error {
			var ev event.ConnectivityEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				logger.Error("undecodable connectivity event", zap.Error(err))
				return nil
			}
			switch ev.State {
			case event.ConnConnected:
				gate.down.Store(false)
				logger.Info("gateway connectivity restored")
			default:
				if !gate.down.Swap(true) {
					logger.Warn("gateway connectivity lost",
						zap.String("state", string(ev.State)),
						zap.String("reason", ev.Reason),
					)
					manager.MarkUnconfirmed()
				}
			}
			return nil
		})
	if err != nil {
		logger.Fatal("failed to subscribe connectivity channel", zap.Error(err))
	}
	defer detachConn()

	// Durable-log consumers resume from their acknowledged cursors.
	consumerErrCh := make(chan error, 3)
	go func() {
		consumerErrCh <- eventBus.Consume(ctx, event.StreamOrder, event.GroupTrading, manager.HandleOrderChannel)
	}()
	go func() {
		consumerErrCh <- eventBus.Consume(ctx, event.StreamOrderStatus, event.GroupTrading, manager.HandleStatusChannel)
	}()
	go func() {
		consumerErrCh <- eventBus.Consume(ctx, event.StreamTrade, event.GroupTrading, manager.HandleTradeChannel)
	}()

	publisher := journal.NewPublisher(store, eventBus, logger)
	publisherErrCh := make(chan error, 1)
	go func() { publisherErrCh <- publisher.Run(ctx) }()

	hour, minute := cfg.RolloverClock()
	sessionClock := ledger.NewSessionClock(hour, minute, func(ctx context.Context) error {
		return led.Rollover(ctx, "")
	}, logger)
	go sessionClock.Run(ctx)

	// Give consumers a moment to attach, then open order intake.
	time.Sleep(1 * time.Second)
	coordinator.Resume()

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetCondition("bus", true)

	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-consumerErrCh:
		logger.Error("consumer error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("publisher error", zap.Error(err))
	case err := <-ledgerErrCh:
		logger.Error("ledger error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	manager.SetAccepting(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("trading service stopped")
}
