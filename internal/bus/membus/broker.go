// Package membus is the in-process broker. It implements the exact
// channel semantics the trading topology relies on: best-effort
// broadcast fan-out and bounded durable logs with per-group cursors.
package membus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/observability"
)

// Options configures broker retention and fan-out behaviour.
type Options struct {
	// RetainCount bounds a durable log by record count.
	RetainCount int
	// RetainAge bounds a durable log by record age.
	RetainAge time.Duration
	// HardFactor multiplies RetainCount into the hard cap past which
	// records are dropped even under lagging consumer groups.
	HardFactor int
	// BroadcastBuffer is the per-subscriber buffer for broadcast
	// channels. A full buffer drops the record for that subscriber.
	BroadcastBuffer int
	// Cursors, when set, persists consumer-group cursors across restarts.
	Cursors bus.CursorStore
}

func (o Options) withDefaults() Options {
	if o.RetainCount <= 0 {
		o.RetainCount = 10000
	}
	if o.RetainAge <= 0 {
		o.RetainAge = 24 * time.Hour
	}
	if o.HardFactor <= 1 {
		o.HardFactor = 2
	}
	if o.BroadcastBuffer <= 0 {
		o.BroadcastBuffer = 256
	}
	return o
}

// Broker is an in-memory bus.Bus.
type Broker struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	logs   map[string]*durableLog
	subs   map[string][]*subscriber
	closed bool

	publishCount int64
	dropCount    int64
}

type subscriber struct {
	ch     chan bus.Record
	cancel context.CancelFunc
}

// New creates an in-memory broker.
func New(opts Options, logger *zap.Logger) *Broker {
	b := &Broker{
		opts:   opts.withDefaults(),
		logger: logger,
		logs:   make(map[string]*durableLog),
		subs:   make(map[string][]*subscriber),
	}
	go b.logStats()
	return b
}

// Publish sends on a broadcast channel. Subscribers with a full buffer
// miss the record; the next publish supersedes it.
func (b *Broker) Publish(ctx context.Context, channel, key string, value []byte) error {
	rec := bus.Record{Channel: channel, Key: key, Value: value, Timestamp: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	subs := b.subs[channel]
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- rec:
			atomic.AddInt64(&b.publishCount, 1)
		default:
			atomic.AddInt64(&b.dropCount, 1)
			observability.BroadcastDropped.WithLabelValues(channel).Inc()
		}
	}
	return nil
}

// Subscribe attaches a broadcast handler on its own goroutine.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		ch:     make(chan bus.Record, b.opts.BroadcastBuffer),
		cancel: cancel,
	}
	b.subs[channel] = append(b.subs[channel], s)

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case rec := <-s.ch:
				if err := handler(subCtx, rec); err != nil {
					b.logger.Warn("broadcast handler failed",
						zap.String("channel", channel),
						zap.Error(err),
					)
				}
			}
		}
	}()

	detach := func() {
		cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[channel]
		for i, cur := range list {
			if cur == s {
				b.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return detach, nil
}

// Close shuts the broker down. Pending consumers return bus.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	for _, l := range b.logs {
		l.close()
	}
	return nil
}

// logStats logs broker statistics periodically.
func (b *Broker) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		channels := len(b.logs)
		b.mu.Unlock()

		b.logger.Info("broker stats",
			zap.Int64("broadcast_delivered", atomic.LoadInt64(&b.publishCount)),
			zap.Int64("broadcast_dropped", atomic.LoadInt64(&b.dropCount)),
			zap.Int("durable_channels", channels),
		)
	}
}
