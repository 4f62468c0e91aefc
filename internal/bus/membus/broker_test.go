package membus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
)

// memCursors is an in-memory bus.CursorStore shared across brokers to
// model cursor persistence over a process restart.
type memCursors struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]int64)}
}

func (c *memCursors) SaveCursor(_ context.Context, channel, group string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[channel+"/"+group] = seq
	return nil
}

func (c *memCursors) LoadCursor(_ context.Context, channel, group string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.cursors[channel+"/"+group]
	return seq, ok, nil
}

func appendN(t *testing.T, b *Broker, channel string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := b.Append(context.Background(), channel, "k", []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
}

func TestConsume_DeliversInPublishOrder(t *testing.T) {
	b := New(Options{}, zap.NewNop())
	defer b.Close()

	appendN(t, b, "stream:trade", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	err := b.Consume(ctx, "stream:trade", "group:trading", func(_ context.Context, rec bus.Record) error {
		got = append(got, string(rec.Value))
		if len(got) == 5 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"v1", "v2", "v3", "v4", "v5"}, got)
}

func TestConsume_ResumesFromPersistedCursor(t *testing.T) {
	cursors := newMemCursors()

	b1 := New(Options{Cursors: cursors}, zap.NewNop())
	appendN(t, b1, "stream:trade", 5)

	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	err := b1.Consume(ctx, "stream:trade", "group:trading", func(_ context.Context, rec bus.Record) error {
		seen++
		if seen == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, b1.Close())

	// A restarted process rebuilds the log and resumes past what it
	// already acknowledged. The last unacknowledged record is delivered
	// again, never skipped.
	b2 := New(Options{Cursors: cursors}, zap.NewNop())
	defer b2.Close()
	appendN(t, b2, "stream:trade", 5)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	var got []string
	err = b2.Consume(ctx2, "stream:trade", "group:trading", func(_ context.Context, rec bus.Record) error {
		got = append(got, string(rec.Value))
		if len(got) == 3 {
			cancel2()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"v3", "v4", "v5"}, got)
}

func TestConsume_EvictedCursorIsAnError(t *testing.T) {
	cursors := newMemCursors()
	require.NoError(t, cursors.SaveCursor(context.Background(), "stream:trade", "group:trading", 1))

	b := New(Options{RetainCount: 2, Cursors: cursors}, zap.NewNop())
	defer b.Close()

	// No group is attached yet, so retention trims freely: seqs 1..3 go.
	appendN(t, b, "stream:trade", 5)

	err := b.Consume(context.Background(), "stream:trade", "group:trading",
		func(context.Context, bus.Record) error { return nil })
	require.ErrorIs(t, err, bus.ErrCursorEvicted)
}

func TestConsume_GroupsHaveIndependentCursors(t *testing.T) {
	b := New(Options{}, zap.NewNop())
	defer b.Close()

	appendN(t, b, "stream:order_status", 3)

	for _, group := range []string{"group:trading", "group:strategy"} {
		ctx, cancel := context.WithCancel(context.Background())
		var got []string
		err := b.Consume(ctx, "stream:order_status", group, func(_ context.Context, rec bus.Record) error {
			got = append(got, string(rec.Value))
			if len(got) == 3 {
				cancel()
			}
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []string{"v1", "v2", "v3"}, got, group)
	}
}

func TestConsume_LaggingGroupStrandedPastHardCap(t *testing.T) {
	b := New(Options{RetainCount: 2, HardFactor: 2}, zap.NewNop())
	defer b.Close()

	appendN(t, b, "stream:trade", 2)

	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(context.Background(), "stream:trade", "group:trading",
			func(_ context.Context, rec bus.Record) error {
				if rec.Seq == 2 {
					<-release
				}
				return nil
			})
	}()

	// Let the group acknowledge seq 1 and stall on seq 2, then flood the
	// log past the hard cap so forced eviction strands its cursor.
	time.Sleep(50 * time.Millisecond)
	appendN(t, b, "stream:trade", 5)
	close(release)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, bus.ErrCursorEvicted)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not observe forced eviction")
	}
}

func TestPublish_NoRetentionForLateSubscribers(t *testing.T) {
	b := New(Options{}, zap.NewNop())
	defer b.Close()

	// Nobody is listening: the record is gone.
	require.NoError(t, b.Publish(context.Background(), "tick:IF2509", "IF2509", []byte("missed")))

	got := make(chan string, 1)
	detach, err := b.Subscribe(context.Background(), "tick:IF2509", func(_ context.Context, rec bus.Record) error {
		got <- string(rec.Value)
		return nil
	})
	require.NoError(t, err)
	defer detach()

	require.NoError(t, b.Publish(context.Background(), "tick:IF2509", "IF2509", []byte("seen")))

	select {
	case v := <-got:
		assert.Equal(t, "seen", v)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the live record")
	}
}

func TestPublish_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(Options{BroadcastBuffer: 1}, zap.NewNop())
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	detach, err := b.Subscribe(context.Background(), "tick:IF2509", func(context.Context, bus.Record) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer detach()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "tick:IF2509", "IF2509", []byte("tick")))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "publish must never block on a slow subscriber")

	close(release)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, delivered, 2, "a full buffer drops the surplus")
	assert.GreaterOrEqual(t, delivered, 1)
}

func TestSubscribe_DetachStopsDelivery(t *testing.T) {
	b := New(Options{}, zap.NewNop())
	defer b.Close()

	got := make(chan struct{}, 8)
	detach, err := b.Subscribe(context.Background(), "conn:gateway", func(context.Context, bus.Record) error {
		got <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "conn:gateway", "", []byte("down")))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no delivery before detach")
	}

	detach()
	require.NoError(t, b.Publish(context.Background(), "conn:gateway", "", []byte("up")))
	select {
	case <-got:
		t.Fatal("delivery after detach")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose_UnblocksConsumers(t *testing.T) {
	b := New(Options{}, zap.NewNop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(context.Background(), "stream:cmd", "group:gateway",
			func(context.Context, bus.Record) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, bus.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not observe close")
	}
}
