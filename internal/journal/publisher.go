package journal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
)

// Publisher drains the outbox onto durable-log channels. Records are
// appended and only then marked published, so a crash between the two
// republishes (consumers dedupe by id).
type Publisher struct {
	store     *Store
	bus       bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates an outbox publisher.
func NewPublisher(store *Store, b bus.Bus, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		bus:       b,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
				// Will retry on next tick.
			}
		}
	}
}

// publishBatch publishes a batch of unpublished outbox records.
func (p *Publisher) publishBatch(ctx context.Context) error {
	records, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished records: %w", err)
	}

	if len(records) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, rec := range records {
		if _, err := p.bus.Append(ctx, rec.Channel, rec.Key, rec.Payload); err != nil {
			p.logger.Error("failed to append outbox record",
				zap.String("event_id", rec.EventID),
				zap.String("channel", rec.Channel),
				zap.Error(err),
			)
			// Leave unpublished; retried on the next tick.
			continue
		}

		if err := p.store.MarkPublished(ctx, rec.EventID, now); err != nil {
			p.logger.Error("failed to mark record as published",
				zap.String("event_id", rec.EventID),
				zap.Error(err),
			)
			continue
		}

		published++
		p.logger.Debug("published outbox record",
			zap.String("event_id", rec.EventID),
			zap.String("channel", rec.Channel),
		)
	}

	if published > 0 {
		p.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(records)),
		)
	}

	return nil
}
