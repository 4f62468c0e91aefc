// Package bus defines the event channel contract shared by the in-memory
// and Kafka-backed brokers. Channels come in two delivery classes:
// broadcast channels are fire-and-forget with no retention, durable-log
// channels retain records up to a bound and track an acknowledged cursor
// per consumer group.
package bus

import (
	"context"
	"errors"
	"time"
)

// Record is a single delivered channel record.
type Record struct {
	Channel   string
	Key       string
	Value     []byte
	Seq       int64
	Timestamp time.Time
}

// Handler processes one record. Returning nil acknowledges the record
// and advances the consumer group's cursor; returning an error leaves
// the cursor in place so the record is redelivered.
type Handler func(ctx context.Context, rec Record) error

// Bus carries records between processes.
type Bus interface {
	// Publish sends on a broadcast channel. Subscribers that are not
	// listening miss the record.
	Publish(ctx context.Context, channel, key string, value []byte) error

	// Append adds a record to a durable-log channel and returns its
	// sequence once the broker has accepted it.
	Append(ctx context.Context, channel, key string, value []byte) (int64, error)

	// Subscribe attaches a broadcast handler. The returned func detaches it.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)

	// Consume reads a durable-log channel for one consumer group,
	// starting from the group's last acknowledged cursor. It blocks
	// until ctx is cancelled or an unrecoverable error occurs.
	Consume(ctx context.Context, channel, group string, handler Handler) error

	Close() error
}

// CursorStore persists consumer-group cursors across restarts.
type CursorStore interface {
	SaveCursor(ctx context.Context, channel, group string, seq int64) error
	LoadCursor(ctx context.Context, channel, group string) (seq int64, ok bool, err error)
}

var (
	// ErrCursorEvicted is returned to a consumer group whose cursor has
	// fallen outside retained history: records were force-dropped under
	// sustained lag and cannot be replayed.
	ErrCursorEvicted = errors.New("consumer group cursor outside retained history")

	// ErrClosed is returned once the broker has shut down.
	ErrClosed = errors.New("bus closed")

	// ErrUnknownChannel is returned when consuming a channel that has
	// never been appended to and has no declared retention.
	ErrUnknownChannel = errors.New("unknown channel")
)
