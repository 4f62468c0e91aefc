// Package snapshot exposes the gateway's authoritative positions and
// open orders over HTTP, and the client the recovery coordinator uses
// to query them.
package snapshot

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
)

// Source provides the gateway's current view of exchange state.
type Source interface {
	Positions(ctx context.Context) ([]event.PositionEntry, error)
	OpenOrders(ctx context.Context) ([]event.OrderData, error)
}

// Server serves GET /positions and GET /open_orders.
type Server struct {
	source Source
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer creates a snapshot server around a source.
func NewServer(source Source, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{source: source, logger: logger, engine: engine}
	engine.GET("/positions", s.handlePositions)
	engine.GET("/open_orders", s.handleOpenOrders)
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info("snapshot API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.source.Positions(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read positions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if positions == nil {
		positions = []event.PositionEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	orders, err := s.source.OpenOrders(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read open orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if orders == nil {
		orders = []event.OrderData{}
	}
	c.JSON(http.StatusOK, gin.H{"open_orders": orders})
}
