// Package kafkabus backs the event channels with Kafka. Durable-log
// channels map to topics consumed by manual-commit consumer groups;
// broadcast channels map to group-less consumers tailing the latest
// offset, so a subscriber that is down misses records.
package kafkabus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
)

// Bus is a Kafka-backed bus.Bus.
type Bus struct {
	brokers []string
	logger  *zap.Logger

	producer *kgo.Client

	mu      sync.Mutex
	clients []*kgo.Client
	closed  bool

	produceCount int64
	consumeCount int64
	errorCount   int64
}

// New creates a Kafka bus with a shared producer client.
func New(brokers []string, logger *zap.Logger) (*Bus, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	b := &Bus{
		brokers:  brokers,
		logger:   logger,
		producer: client,
	}

	logger.Info("kafka bus initialized", zap.Strings("brokers", brokers))
	go b.logStats()

	return b, nil
}

// topicFor maps a channel name to a Kafka topic name. Kafka topics may
// not contain ':'.
func topicFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// Publish produces without waiting for acknowledgment.
func (b *Bus) Publish(ctx context.Context, channel, key string, value []byte) error {
	rec := &kgo.Record{Topic: topicFor(channel), Key: []byte(key), Value: value}
	b.producer.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			atomic.AddInt64(&b.errorCount, 1)
			b.logger.Warn("broadcast produce failed",
				zap.String("channel", channel),
				zap.Error(err),
			)
			return
		}
		atomic.AddInt64(&b.produceCount, 1)
	})
	return nil
}

// Append produces synchronously with full-ISR acknowledgment.
func (b *Bus) Append(ctx context.Context, channel, key string, value []byte) (int64, error) {
	rec := &kgo.Record{Topic: topicFor(channel), Key: []byte(key), Value: value}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := b.producer.ProduceSync(produceCtx, rec)
	if result.FirstErr() != nil {
		atomic.AddInt64(&b.errorCount, 1)
		return 0, fmt.Errorf("failed to append to %s: %w", channel, result.FirstErr())
	}

	atomic.AddInt64(&b.produceCount, 1)
	r, _ := result.First()
	return r.Offset, nil
}

// Subscribe tails a broadcast channel from the latest offset, no group,
// no commits.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (func(), error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumeTopics(topicFor(channel)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast consumer for %s: %w", channel, err)
	}
	b.track(client)

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			fetches := client.PollFetches(subCtx)
			if subCtx.Err() != nil || fetches.IsClientClosed() {
				return
			}
			iter := fetches.RecordIter()
			for !iter.Done() {
				r := iter.Next()
				rec := bus.Record{
					Channel:   channel,
					Key:       string(r.Key),
					Value:     r.Value,
					Seq:       r.Offset,
					Timestamp: r.Timestamp,
				}
				if err := handler(subCtx, rec); err != nil {
					b.logger.Warn("broadcast handler failed",
						zap.String("channel", channel),
						zap.Error(err),
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		client.Close()
	}, nil
}

// Consume reads a durable-log channel with a consumer group. Offsets
// are committed only after the handler succeeds, so the record at the
// cursor is redelivered after a crash.
func (b *Bus) Consume(ctx context.Context, channel, group string, handler bus.Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topicFor(channel)),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("failed to create consumer for %s/%s: %w", channel, group, err)
	}
	b.track(client)
	defer client.Close()

	b.logger.Info("consumer started",
		zap.String("channel", channel),
		zap.String("group", group),
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return bus.ErrClosed
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				b.logger.Warn("fetch error",
					zap.String("channel", channel),
					zap.String("group", group),
					zap.Error(fe.Err),
				)
			}
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			r := iter.Next()
			rec := bus.Record{
				Channel:   channel,
				Key:       string(r.Key),
				Value:     r.Value,
				Seq:       r.Offset,
				Timestamp: r.Timestamp,
			}

			if err := b.handleWithRetry(ctx, rec, handler); err != nil {
				return fmt.Errorf("channel %s group %s handler gave up at offset %d: %w",
					channel, group, r.Offset, err)
			}

			client.CommitRecords(ctx, r)
			atomic.AddInt64(&b.consumeCount, 1)
		}
	}
}

// handleWithRetry calls handler with bounded retries.
func (b *Bus) handleWithRetry(ctx context.Context, rec bus.Record, handler bus.Handler) error {
	maxRetries := 3
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := handler(ctx, rec)
		if err == nil {
			return nil
		}

		if attempt < maxRetries-1 {
			b.logger.Warn("handler failed, retrying",
				zap.String("channel", rec.Channel),
				zap.Int64("seq", rec.Seq),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("handler failed after %d attempts", maxRetries)
}

func (b *Bus) track(client *kgo.Client) {
	b.mu.Lock()
	b.clients = append(b.clients, client)
	b.mu.Unlock()
}

// Close closes the producer and all consumer clients.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.producer.Close()
	for _, c := range b.clients {
		c.Close()
	}
	return nil
}

// logStats logs bus statistics periodically.
func (b *Bus) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		b.logger.Info("kafka bus stats",
			zap.Int64("produced", atomic.LoadInt64(&b.produceCount)),
			zap.Int64("consumed", atomic.LoadInt64(&b.consumeCount)),
			zap.Int64("errors", atomic.LoadInt64(&b.errorCount)),
		)
	}
}
