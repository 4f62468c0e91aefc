package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionClock fires the session-rollover trigger once per trading day
// at a fixed wall-clock time. The ledger only reacts to the trigger; it
// never decides session boundaries itself.
type SessionClock struct {
	hour, minute int
	logger       *zap.Logger
	trigger      func(ctx context.Context) error
}

// NewSessionClock schedules trigger at hour:minute local time daily.
func NewSessionClock(hour, minute int, trigger func(ctx context.Context) error, logger *zap.Logger) *SessionClock {
	return &SessionClock{hour: hour, minute: minute, logger: logger, trigger: trigger}
}

// Run blocks until ctx is cancelled, firing the trigger at each boundary.
func (s *SessionClock) Run(ctx context.Context) error {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.logger.Info("session boundary reached", zap.Time("at", next))
		if err := s.trigger(ctx); err != nil {
			s.logger.Error("session rollover failed", zap.Error(err))
		}
	}
}
