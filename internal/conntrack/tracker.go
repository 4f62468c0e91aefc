// Package conntrack tracks the exchange-gateway connection as a small
// state machine and drives reconnection with a fixed backoff schedule.
// Retries are scheduled transitions on the tracker's goroutine, never
// blocking sleeps in callers.
package conntrack

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/event"
	"github.com/quantfork/tradelink/internal/observability"
)

// backoffSchedule is the reconnection wait sequence; the final value
// repeats until the link comes back.
var backoffSchedule = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Tracker is the gateway connection state machine.
type Tracker struct {
	gateway string
	logger  *zap.Logger
	clock   Clock
	bus     bus.Bus

	// dial attempts one reconnection.
	dial func(ctx context.Context) error
	// onUp runs after a successful dial and before command flow
	// resumes (recovery hook). A failing onUp counts as a failed attempt.
	onUp func(ctx context.Context) error
	// onDown runs on connection loss (marks open orders unconfirmed).
	onDown func()

	mu     sync.RWMutex
	state  event.ConnState
	connCh chan struct{} // closed while state == ConnConnected
	downCh chan string
}

// New creates a tracker in the CONNECTED state; the gateway only starts
// it after the initial connect succeeds.
func New(gateway string, b bus.Bus, clock Clock, dial func(ctx context.Context) error,
	onUp func(ctx context.Context) error, onDown func(), logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = RealClock()
	}
	connCh := make(chan struct{})
	close(connCh)
	return &Tracker{
		gateway: gateway,
		logger:  logger,
		clock:   clock,
		bus:     b,
		dial:    dial,
		onUp:    onUp,
		onDown:  onDown,
		state:   event.ConnConnected,
		connCh:  connCh,
		downCh:  make(chan string, 1),
	}
}

// State returns the current connection state.
func (t *Tracker) State() event.ConnState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Connected reports whether new orders may be accepted.
func (t *Tracker) Connected() bool {
	return t.State() == event.ConnConnected
}

// AwaitConnected blocks until the tracker reports CONNECTED or ctx
// ends. Callers that would otherwise fail a consume handler while the
// link is down park here so their record survives the outage.
func (t *Tracker) AwaitConnected(ctx context.Context) error {
	for {
		t.mu.RLock()
		state := t.state
		ch := t.connCh
		t.mu.RUnlock()

		if state == event.ConnConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// MarkDown signals a lost connection. Safe to call from any goroutine;
// repeated signals while already down are coalesced.
func (t *Tracker) MarkDown(reason string) {
	select {
	case t.downCh <- reason:
	default:
	}
}

// Run drives the state machine until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-t.downCh:
			if t.State() != event.ConnConnected {
				continue
			}
			t.transition(ctx, event.ConnDisconnected, reason)
			if t.onDown != nil {
				t.onDown()
			}
			if err := t.reconnectLoop(ctx); err != nil {
				return err
			}
		}
	}
}

// reconnectLoop waits out the backoff schedule and dials until the
// connection is restored.
func (t *Tracker) reconnectLoop(ctx context.Context) error {
	attempt := 0
	t.transition(ctx, event.ConnReconnecting, "")

	for {
		wait := backoffSchedule[len(backoffSchedule)-1]
		if attempt < len(backoffSchedule) {
			wait = backoffSchedule[attempt]
		}

		t.logger.Info("scheduling reconnect attempt",
			zap.String("gateway", t.gateway),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(wait):
		}

		if err := t.dial(ctx); err != nil {
			t.logger.Warn("reconnect attempt failed",
				zap.String("gateway", t.gateway),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			attempt++
			continue
		}

		if t.onUp != nil {
			if err := t.onUp(ctx); err != nil {
				t.logger.Error("post-reconnect recovery failed",
					zap.String("gateway", t.gateway),
					zap.Error(err),
				)
				attempt++
				continue
			}
		}

		// Drain any loss signal raised while we were already down.
		select {
		case <-t.downCh:
		default:
		}
		t.transition(ctx, event.ConnConnected, "")
		return nil
	}
}

func (t *Tracker) transition(ctx context.Context, state event.ConnState, reason string) {
	t.mu.Lock()
	prev := t.state
	t.state = state
	if state == event.ConnConnected && prev != event.ConnConnected {
		close(t.connCh)
	} else if state != event.ConnConnected && prev == event.ConnConnected {
		t.connCh = make(chan struct{})
	}
	t.mu.Unlock()

	if state == event.ConnConnected {
		observability.GatewayConnected.Set(1)
	} else {
		observability.GatewayConnected.Set(0)
	}

	t.logger.Info("connection state changed",
		zap.String("gateway", t.gateway),
		zap.String("state", string(state)),
		zap.String("reason", reason),
	)

	if t.bus == nil {
		return
	}
	payload, err := json.Marshal(event.ConnectivityEvent{
		Gateway:      t.gateway,
		State:        state,
		Reason:       reason,
		TsUnixMillis: t.clock.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := t.bus.Publish(ctx, event.ChannelConnectivity, t.gateway, payload); err != nil {
		t.logger.Warn("failed to publish connectivity event", zap.Error(err))
	}
}
