package main

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/bus/kafkabus"
	"github.com/quantfork/tradelink/internal/bus/membus"
	"github.com/quantfork/tradelink/internal/config"
	"github.com/quantfork/tradelink/internal/conntrack"
	"github.com/quantfork/tradelink/internal/event"
	"github.com/quantfork/tradelink/internal/exchange"
	"github.com/quantfork/tradelink/internal/journal"
	"github.com/quantfork/tradelink/internal/logging"
	"github.com/quantfork/tradelink/internal/observability"
	"github.com/quantfork/tradelink/internal/snapshot"
)

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
	cfg := config.Load("gateway")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting gateway service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("snapshot_port", cfg.SnapshotPort),
		zap.String("bus_backend", cfg.BusBackend),
		zap.Strings("symbols", cfg.Symbols),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	store, err := journal.Open(filepath.Join(cfg.DataDir, "gateway.db"))
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

	// The exchange link. Inbound data goes out through the outbox so a
	// crash between receive and publish never loses a durable record.
	faults := exchange.NewFaults(exchange.LoadFaultConfig(), logger)
	link := exchange.NewSim(exchange.SimConfig{Symbols: cfg.Symbols}, faults, logger)
	link.SetHandlers(exchange.Handlers{
		OnTick: func(tick event.TickData) {
			payload, err := json.Marshal(tick)
			if err != nil {
				return
			}
			if err := eventBus.Publish(ctx, event.TickChannel(tick.Symbol), tick.Symbol, payload); err != nil {
				logger.Warn("failed to publish tick", zap.Error(err))
			}
		},
		OnOrder: func(od event.OrderData) {
			data, err := event.Encode(event.KindOrder, od)
			if err != nil {
				return
			}
			eventID := fmt.Sprintf("order-%s-%s-%d", od.OrderID, od.Status, od.TradedVolume)
			if err := store.Enqueue(ctx, eventID, event.StreamOrderStatus, od.OrderID, data); err != nil {
				logger.Error("failed to stage order record", zap.Error(err))
			}
		},
		OnTrade: func(tr event.TradeData) {
			data, err := event.Encode(event.KindTrade, tr)
			if err != nil {
				return
			}
			if err := store.Enqueue(ctx, "trade-"+tr.TradeID, event.StreamTrade, tr.OrderID, data); err != nil {
				logger.Error("failed to stage trade record", zap.Error(err))
			}
		},
	})

	if err := link.Connect(ctx); err != nil {
		logger.Fatal("failed to establish exchange link", zap.Error(err))
	}
	defer link.Close()

	// Reconnection: on recovery the link re-reports its open orders so
	// downstream unconfirmed flags clear from fresh records.
	tracker := conntrack.New("gateway", eventBus, nil,
		link.Connect,
		func(ctx context.Context) error {
			orders, err := link.OpenOrders(ctx)
			if err != nil {
				return err
			}
			for _, od := range orders {
				data, err := event.Encode(event.KindOrder, od)
				if err != nil {
					continue
				}
				eventID := fmt.Sprintf("order-%s-%s-%d", od.OrderID, od.Status, od.TradedVolume)
				if err := store.Enqueue(ctx, eventID, event.StreamOrderStatus, od.OrderID, data); err != nil {
					return err
				}
			}
			return nil
		},
		nil, logger)

	trackerErrCh := make(chan error, 1)
	go func() { trackerErrCh <- tracker.Run(ctx) }()

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetCondition("bus", true)
	healthChecker.SetCondition("link", true)

	// Heartbeat probe drives the tracker and the link readiness condition.
	go func() {
		interval := cfg.HeartbeatTimeout / 2
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := link.Heartbeat(ctx); err != nil {
					tracker.MarkDown("heartbeat missed")
				}
				healthChecker.SetCondition("link", tracker.State() == event.ConnConnected)
			}
		}
	}()

	linkErrCh := make(chan error, 1)
	go func() { linkErrCh <- link.Run(ctx) }()

	publisher := journal.NewPublisher(store, eventBus, logger)
	publisherErrCh := make(chan error, 1)
	go func() { publisherErrCh <- publisher.Run(ctx) }()

	// Command consumer: orders and cancels toward the exchange. While
	// the link is down the handler parks on the tracker instead of
	// failing, so the record neither burns the retry budget nor tears
	// the consumer down; it executes once the link is back.
	consumerErrCh := make(chan error, 1)
	go func() {
		consumerErrCh <- eventBus.Consume(ctx, event.StreamCmd, event.GroupGateway,
			func(ctx context.Context, rec bus.Record) error {
				var cmd event.CommandData
				if err := json.Unmarshal(rec.Value, &cmd); err != nil {
					logger.Error("undecodable command", zap.Int64("seq", rec.Seq), zap.Error(err))
					return nil
				}

				for {
					if err := tracker.AwaitConnected(ctx); err != nil {
						return err
					}

					var err error
					switch cmd.CmdType {
					case event.CmdSendOrder:
						err = link.SendOrder(ctx, cmd)
					case event.CmdCancelOrder:
						err = link.CancelOrder(ctx, cmd.OrderID)
					default:
						logger.Warn("unknown command type", zap.String("cmd_type", string(cmd.CmdType)))
						return nil
					}
					if errors.Is(err, exchange.ErrLinkDown) {
						// Lost the link mid-send; the tracker picks the
						// signal up asynchronously, so give it a beat
						// before parking and retrying the same command.
						tracker.MarkDown("command send failed")
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(100 * time.Millisecond):
						}
						continue
					}
					if err != nil {
						return fmt.Errorf("failed to execute %s for %s: %w", cmd.CmdType, cmd.OrderID, err)
					}
					return nil
				}
			})
	}()

	// Snapshot API for the recovery coordinator.
	snapshotServer := snapshot.NewServer(link, logger)
	snapshotErrCh := make(chan error, 1)
	go func() { snapshotErrCh <- snapshotServer.Run(ctx, cfg.SnapshotListenAddr()) }()

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
	case err := <-snapshotErrCh:
		logger.Error("snapshot server error", zap.Error(err))
	case err := <-consumerErrCh:
		logger.Error("command consumer error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("publisher error", zap.Error(err))
	case err := <-linkErrCh:
		logger.Error("exchange link error", zap.Error(err))
	case err := <-trackerErrCh:
		logger.Error("connection tracker error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("gateway service stopped")
}
