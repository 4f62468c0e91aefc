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

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/bus/kafkabus"
	"github.com/quantfork/tradelink/internal/bus/membus"
	"github.com/quantfork/tradelink/internal/config"
	"github.com/quantfork/tradelink/internal/journal"
	"github.com/quantfork/tradelink/internal/logging"
	"github.com/quantfork/tradelink/internal/observability"
	"github.com/quantfork/tradelink/internal/strategy"
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
	cfg := config.Load("strategy")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting strategy service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("bus_backend", cfg.BusBackend),
		zap.Strings("symbols", cfg.Symbols),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	store, err := journal.Open(filepath.Join(cfg.DataDir, "strategy.db"))
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

	trader := strategy.NewTrader(eventBus, "sma-cross-1", logger)
	symbol := "IF2509"
	if len(cfg.Symbols) > 0 {
		symbol = cfg.Symbols[0]
	}
	sma := strategy.NewSMACross(trader, symbol, "CFFEX", 5, logger)

	host := strategy.NewHost(eventBus, trader, cfg.Symbols, []strategy.Strategy{sma}, logger)
	hostErrCh := make(chan error, 1)
	go func() { hostErrCh <- host.Run(ctx) }()

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
	case err := <-hostErrCh:
		logger.Error("strategy host error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("strategy service stopped")
}
