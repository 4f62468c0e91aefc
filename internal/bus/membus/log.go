package membus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/observability"
)

type logRecord struct {
	seq   int64
	key   string
	value []byte
	ts    time.Time
}

// durableLog is one bounded, ordered record log with per-group cursors.
// A cursor holds the sequence of the last acknowledged record; delivery
// resumes at cursor+1, so the last unacknowledged record is redelivered
// after a crash (at-least-once).
type durableLog struct {
	mu   sync.Mutex
	cond *sync.Cond

	name     string
	records  []logRecord
	firstSeq int64 // seq of records[0]; equals nextSeq when empty
	nextSeq  int64
	acked    map[string]int64
	closed   bool
}

func newDurableLog(name string) *durableLog {
	l := &durableLog{
		name:     name,
		firstSeq: 1,
		nextSeq:  1,
		acked:    make(map[string]int64),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *durableLog) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (b *Broker) durable(channel string) (*durableLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	l, ok := b.logs[channel]
	if !ok {
		l = newDurableLog(channel)
		b.logs[channel] = l
	}
	return l, nil
}

// Append adds a record to a durable log and applies retention.
func (b *Broker) Append(ctx context.Context, channel, key string, value []byte) (int64, error) {
	l, err := b.durable(channel)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, bus.ErrClosed
	}
	seq := l.nextSeq
	l.nextSeq++
	l.records = append(l.records, logRecord{seq: seq, key: key, value: value, ts: time.Now()})
	b.evictLocked(l)
	l.mu.Unlock()

	observability.RecordsAppended.WithLabelValues(channel).Inc()

	l.cond.Broadcast()
	return seq, nil
}

// evictLocked enforces the retention bounds. Records past the count/age
// bound are dropped once every group has acknowledged them; past the
// hard cap they are dropped regardless, which strands any lagging
// group's cursor and is reported as a critical condition.
func (b *Broker) evictLocked(l *durableLog) {
	hardCap := b.opts.RetainCount * b.opts.HardFactor
	cutoff := time.Now().Add(-b.opts.RetainAge)

	minAcked := func() int64 {
		min := l.nextSeq
		for _, a := range l.acked {
			if a < min {
				min = a
			}
		}
		return min
	}

	for len(l.records) > 0 {
		head := l.records[0]
		overBound := len(l.records) > b.opts.RetainCount || head.ts.Before(cutoff)
		if !overBound {
			return
		}
		if head.seq <= minAcked() {
			l.records = l.records[1:]
			l.firstSeq = head.seq + 1
			continue
		}
		if len(l.records) > hardCap {
			b.logger.Error("durable log forced eviction under consumer lag",
				zap.String("channel", l.name),
				zap.Int64("dropped_seq", head.seq),
				zap.Int64("min_acked", minAcked()),
			)
			observability.RecordsEvicted.WithLabelValues(l.name).Inc()
			l.records = l.records[1:]
			l.firstSeq = head.seq + 1
			continue
		}
		return
	}
}

// Consume delivers a durable log to one consumer group in publish order,
// resuming from the group's last acknowledged cursor.
func (b *Broker) Consume(ctx context.Context, channel, group string, handler bus.Handler) error {
	l, err := b.durable(channel)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if _, ok := l.acked[group]; !ok {
		start := l.firstSeq - 1
		if b.opts.Cursors != nil {
			if seq, found, err := b.opts.Cursors.LoadCursor(ctx, channel, group); err != nil {
				l.mu.Unlock()
				return fmt.Errorf("failed to load cursor for %s/%s: %w", channel, group, err)
			} else if found && seq < l.nextSeq {
				// A cursor past the log's head means the log was reset
				// since the cursor was written; fall back to replaying
				// everything retained rather than skipping forward.
				start = seq
			}
		}
		l.acked[group] = start
	}
	l.mu.Unlock()

	// Wake the wait loop when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.cond.Broadcast()
		case <-done:
		}
	}()

	for {
		l.mu.Lock()
		for {
			if l.closed {
				l.mu.Unlock()
				return bus.ErrClosed
			}
			if ctx.Err() != nil {
				l.mu.Unlock()
				return ctx.Err()
			}
			next := l.acked[group] + 1
			if next < l.firstSeq {
				l.mu.Unlock()
				return fmt.Errorf("channel %s group %s at seq %d, retained from %d: %w",
					channel, group, next, l.firstSeq, bus.ErrCursorEvicted)
			}
			if next < l.nextSeq {
				break
			}
			l.cond.Wait()
		}
		next := l.acked[group] + 1
		lr := l.records[next-l.firstSeq]
		l.mu.Unlock()

		rec := bus.Record{Channel: channel, Key: lr.key, Value: lr.value, Seq: lr.seq, Timestamp: lr.ts}
		if err := b.handleWithRetry(ctx, group, rec, handler); err != nil {
			return fmt.Errorf("channel %s group %s handler gave up at seq %d: %w",
				channel, group, lr.seq, err)
		}

		l.mu.Lock()
		l.acked[group] = lr.seq
		l.mu.Unlock()

		if b.opts.Cursors != nil {
			if err := b.opts.Cursors.SaveCursor(ctx, channel, group, lr.seq); err != nil {
				// Losing a cursor write only widens redelivery; it never skips.
				b.logger.Warn("failed to persist cursor",
					zap.String("channel", channel),
					zap.String("group", group),
					zap.Int64("seq", lr.seq),
					zap.Error(err),
				)
			}
		}
	}
}

// handleWithRetry calls handler with bounded retries.
func (b *Broker) handleWithRetry(ctx context.Context, group string, rec bus.Record, handler bus.Handler) error {
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
				zap.String("group", group),
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
