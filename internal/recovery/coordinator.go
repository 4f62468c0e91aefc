// Package recovery rebuilds process state after a restart or gateway
// reconnect: snapshot baseline first, then durable-log resumption, and
// only then new order flow.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
	"github.com/quantfork/tradelink/internal/ledger"
	"github.com/quantfork/tradelink/internal/lifecycle"
)

// SnapshotClient queries the gateway's authoritative view of positions
// and open orders.
type SnapshotClient interface {
	Positions(ctx context.Context) ([]event.PositionEntry, error)
	OpenOrders(ctx context.Context) ([]event.OrderData, error)
}

// Coordinator seeds the ledger and lifecycle manager from a snapshot.
type Coordinator struct {
	client  SnapshotClient
	ledger  *ledger.Ledger
	manager *lifecycle.Manager
	logger  *zap.Logger

	maxAttempts int
	backoff     time.Duration
}

// New creates a coordinator.
func New(client SnapshotClient, led *ledger.Ledger, mgr *lifecycle.Manager, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		client:      client,
		ledger:      led,
		manager:     mgr,
		logger:      logger,
		maxAttempts: 3,
		backoff:     time.Second,
	}
}

// Recover fetches the snapshot baseline and seeds process state. There
// is no empty-default fallback: if the snapshot source stays
// unreachable the error is returned and the process must not start
// taking orders.
func (c *Coordinator) Recover(ctx context.Context) error {
	positions, err := c.fetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("snapshot query failed, refusing to start without a baseline: %w", err)
	}
	orders, err := c.fetchOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("open-order query failed, refusing to start without a baseline: %w", err)
	}

	if err := c.ledger.Seed(ctx, positions); err != nil {
		return fmt.Errorf("failed to seed ledger from snapshot: %w", err)
	}
	c.manager.Restore(orders)

	c.logger.Info("recovered baseline from snapshot",
		zap.Int("positions", len(positions)),
		zap.Int("open_orders", len(orders)),
	)
	return nil
}

// Resume opens the front door for new order requests. Call it only
// after every durable-log consumer group has been restarted, so queued
// records replay before fresh ones interleave.
func (c *Coordinator) Resume() {
	c.manager.SetAccepting(true)
	c.logger.Info("accepting new order requests")
}

func (c *Coordinator) fetchPositions(ctx context.Context) ([]event.PositionEntry, error) {
	var out []event.PositionEntry
	err := c.withRetry(ctx, "positions", func() error {
		var err error
		out, err = c.client.Positions(ctx)
		return err
	})
	return out, err
}

func (c *Coordinator) fetchOpenOrders(ctx context.Context) ([]event.OrderData, error) {
	var out []event.OrderData
	err := c.withRetry(ctx, "open orders", func() error {
		var err error
		out, err = c.client.OpenOrders(ctx)
		return err
	})
	return out, err
}

func (c *Coordinator) withRetry(ctx context.Context, what string, fn func() error) error {
	backoff := c.backoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("snapshot fetch failed, retrying",
				zap.String("what", what),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("failed to fetch %s after %d attempts: %w", what, c.maxAttempts, lastErr)
}
