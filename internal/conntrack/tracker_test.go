package conntrack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
)

// fakeClock fires every After immediately and records the requested
// waits, so the backoff schedule can be asserted deterministically.
type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

func TestTracker_BackoffSchedule(t *testing.T) {
	clock := &fakeClock{}
	failures := 5
	dials := 0
	dialed := make(chan struct{})

	var tr *Tracker
	dial := func(ctx context.Context) error {
		dials++
		if dials <= failures {
			return errors.New("connection refused")
		}
		close(dialed)
		return nil
	}

	tr = New("ctp", nil, clock, dial, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkDown("heartbeat lost")

	select {
	case <-dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnection never succeeded")
	}

	// 5 failures then success: waits 5,10,30,60 then the 60s hold.
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 30 * time.Second,
		60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	assert.Eventually(t, func() bool { return tr.Connected() }, time.Second, 10*time.Millisecond)
	assert.Equal(t, want, clock.recorded())
}

func TestTracker_StatesAndGating(t *testing.T) {
	clock := &fakeClock{}
	block := make(chan struct{})
	dial := func(ctx context.Context) error {
		<-block
		return nil
	}

	var downSeen atomic.Bool
	tr := New("ctp", nil, clock, dial, nil, func() { downSeen.Store(true) }, zap.NewNop())
	require.True(t, tr.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkDown("socket closed")

	require.Eventually(t, func() bool {
		return tr.State() == event.ConnReconnecting
	}, time.Second, 5*time.Millisecond)
	assert.False(t, tr.Connected(), "orders must be refused while not connected")
	assert.True(t, downSeen.Load())

	close(block)
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, 5*time.Millisecond)
}

func TestTracker_RecoveryRunsBeforeConnected(t *testing.T) {
	clock := &fakeClock{}
	var order []string
	var mu sync.Mutex
	block := make(chan struct{})

	dial := func(ctx context.Context) error {
		<-block
		mu.Lock()
		order = append(order, "dial")
		mu.Unlock()
		return nil
	}
	onUp := func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "recover")
		mu.Unlock()
		return nil
	}

	tr := New("ctp", nil, clock, dial, onUp, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkDown("heartbeat lost")
	// The tracker must leave CONNECTED before the success can be observed.
	require.Eventually(t, func() bool {
		return tr.State() == event.ConnReconnecting
	}, time.Second, 5*time.Millisecond)

	close(block)
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dial", "recover"}, order)
}

func TestAwaitConnected_ParksCallersUntilReconnect(t *testing.T) {
	clock := &fakeClock{}
	block := make(chan struct{})
	dial := func(ctx context.Context) error {
		<-block
		return nil
	}

	tr := New("ctp", nil, clock, dial, nil, nil, zap.NewNop())
	require.NoError(t, tr.AwaitConnected(context.Background()), "returns immediately while up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkDown("socket closed")
	require.Eventually(t, func() bool {
		return tr.State() == event.ConnReconnecting
	}, time.Second, 5*time.Millisecond)

	released := make(chan error, 1)
	go func() { released <- tr.AwaitConnected(ctx) }()

	select {
	case <-released:
		t.Fatal("AwaitConnected must not return while disconnected")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitConnected never released after reconnect")
	}
}

func TestAwaitConnected_UnblocksOnContextCancel(t *testing.T) {
	clock := &fakeClock{}
	dial := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	tr := New("ctp", nil, clock, dial, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkDown("socket closed")
	require.Eventually(t, func() bool { return !tr.Connected() }, time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	err := tr.AwaitConnected(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTracker_CoalescesRepeatedLossSignals(t *testing.T) {
	clock := &fakeClock{}
	var dials atomic.Int32
	signalled := make(chan struct{})
	dial := func(ctx context.Context) error {
		<-signalled
		dials.Add(1)
		return nil
	}

	tr := New("ctp", nil, clock, dial, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkDown("a")
	tr.MarkDown("b")
	tr.MarkDown("c")
	close(signalled)

	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "loss signals while down must coalesce")
}
