// Package ledger owns per-symbol, per-direction lot bookkeeping. All
// mutation runs on a single goroutine; callers interact through
// message-passing methods, never shared memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
)

var (
	// ErrInsufficientPosition means a freeze or close exceeds the lots held.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrInvariant means a mutation would have broken lot accounting and
	// was refused.
	ErrInvariant = errors.New("position invariant violation")
)

// TradeDeduper persists applied trade ids so each trade mutates the
// ledger at most once, across restarts included. *journal.Store
// satisfies it.
type TradeDeduper interface {
	MarkTrade(ctx context.Context, tradeID, orderID string) (bool, error)
}

// Key identifies one position entry.
type Key struct {
	Symbol    string
	Direction event.Direction
}

// Ledger is the single-writer position actor.
type Ledger struct {
	logger *zap.Logger
	dedupe TradeDeduper

	reqCh     chan func()
	positions map[Key]*event.PositionEntry
}

// New creates a ledger. dedupe may be nil when idempotence is handled
// upstream (tests).
func New(dedupe TradeDeduper, logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:    logger,
		dedupe:    dedupe,
		reqCh:     make(chan func()),
		positions: make(map[Key]*event.PositionEntry),
	}
}

// Run executes ledger mutations until ctx is cancelled. Exactly one
// Run must be active.
func (l *Ledger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.reqCh:
			fn()
		}
	}
}

// do runs fn on the writer goroutine and waits for it.
func (l *Ledger) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.reqCh <- wrapped:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// PositionSide maps a trade to the position it affects: an OPEN trade
// grows its own side, a close trade shrinks the opposite side.
func PositionSide(dir event.Direction, off event.Offset) event.Direction {
	if off == event.OffsetOpen {
		return dir
	}
	return dir.Opposite()
}

func (l *Ledger) entry(key Key) *event.PositionEntry {
	p, ok := l.positions[key]
	if !ok {
		p = &event.PositionEntry{
			Symbol:       key.Symbol,
			Direction:    key.Direction,
			AveragePrice: decimal.Zero,
		}
		l.positions[key] = p
	}
	return p
}

// ApplyTrade idempotently applies a confirmed trade and returns the
// updated position entry.
func (l *Ledger) ApplyTrade(ctx context.Context, trade event.TradeData) (event.PositionEntry, error) {
	if l.dedupe != nil {
		dup, err := l.dedupe.MarkTrade(ctx, trade.TradeID, trade.OrderID)
		if err != nil {
			return event.PositionEntry{}, fmt.Errorf("failed to dedupe trade %s: %w", trade.TradeID, err)
		}
		if dup {
			l.logger.Info("duplicate trade ignored",
				zap.String("trade_id", trade.TradeID),
				zap.String("order_id", trade.OrderID),
			)
			snap, _ := l.Get(ctx, trade.Symbol, PositionSide(trade.Direction, trade.Offset))
			return snap, nil
		}
	}

	var (
		out   event.PositionEntry
		doErr error
	)
	err := l.do(ctx, func() {
		out, doErr = l.applyTradeLocked(trade)
	})
	if err != nil {
		return event.PositionEntry{}, err
	}
	return out, doErr
}

func (l *Ledger) applyTradeLocked(trade event.TradeData) (event.PositionEntry, error) {
	key := Key{Symbol: trade.Symbol, Direction: PositionSide(trade.Direction, trade.Offset)}
	p := l.entry(key)
	vol := trade.Volume

	switch trade.Offset {
	case event.OffsetOpen:
		// Weighted average over the enlarged position.
		oldValue := p.AveragePrice.Mul(decimal.NewFromInt(p.TotalVolume))
		newValue := trade.Price.Mul(decimal.NewFromInt(vol))
		p.TotalVolume += vol
		p.TodayVolume += vol
		p.AveragePrice = oldValue.Add(newValue).Div(decimal.NewFromInt(p.TotalVolume))

	case event.OffsetCloseToday:
		if vol > p.TodayVolume {
			return *p, fmt.Errorf("close today %d exceeds same-day %d for %s/%s: %w",
				vol, p.TodayVolume, key.Symbol, key.Direction, ErrInsufficientPosition)
		}
		p.TodayVolume -= vol
		l.settleClose(p, vol)

	case event.OffsetCloseYesterday:
		if vol > p.YesterdayVolume {
			return *p, fmt.Errorf("close yesterday %d exceeds prior-day %d for %s/%s: %w",
				vol, p.YesterdayVolume, key.Symbol, key.Direction, ErrInsufficientPosition)
		}
		p.YesterdayVolume -= vol
		l.settleClose(p, vol)

	case event.OffsetClose:
		// Undecomposed close: consume same-day lots first.
		if vol > p.TotalVolume {
			return *p, fmt.Errorf("close %d exceeds total %d for %s/%s: %w",
				vol, p.TotalVolume, key.Symbol, key.Direction, ErrInsufficientPosition)
		}
		today := vol
		if today > p.TodayVolume {
			today = p.TodayVolume
		}
		p.TodayVolume -= today
		p.YesterdayVolume -= vol - today
		l.settleClose(p, vol)

	default:
		return *p, fmt.Errorf("unknown offset %q on trade %s", trade.Offset, trade.TradeID)
	}

	p.TsUnixMillis = trade.TsUnixMillis
	if p.TsUnixMillis == 0 {
		p.TsUnixMillis = time.Now().UnixMilli()
	}

	if err := checkInvariants(p); err != nil {
		l.logger.Error("position invariant violated after trade",
			zap.String("trade_id", trade.TradeID),
			zap.String("symbol", p.Symbol),
			zap.String("direction", string(p.Direction)),
			zap.Error(err),
		)
		return *p, err
	}
	return *p, nil
}

// settleClose finalizes bookkeeping common to every close variant.
func (l *Ledger) settleClose(p *event.PositionEntry, vol int64) {
	p.TotalVolume -= vol
	// Filled closes consume their reservation.
	p.FrozenVolume -= vol
	if p.FrozenVolume < 0 {
		p.FrozenVolume = 0
	}
	if p.TotalVolume == 0 {
		p.AveragePrice = decimal.Zero
	}
}

// Freeze reserves volume for a pending close so concurrent close
// requests cannot spend the same lots.
func (l *Ledger) Freeze(ctx context.Context, symbol string, dir event.Direction, volume int64) error {
	var doErr error
	err := l.do(ctx, func() {
		p := l.entry(Key{Symbol: symbol, Direction: dir})
		if volume > p.TotalVolume-p.FrozenVolume {
			doErr = fmt.Errorf("freeze %d exceeds available %d for %s/%s: %w",
				volume, p.TotalVolume-p.FrozenVolume, symbol, dir, ErrInsufficientPosition)
			return
		}
		p.FrozenVolume += volume
	})
	if err != nil {
		return err
	}
	return doErr
}

// Unfreeze releases a reservation, e.g. when a close order is
// cancelled or rejected with unfilled volume.
func (l *Ledger) Unfreeze(ctx context.Context, symbol string, dir event.Direction, volume int64) error {
	return l.do(ctx, func() {
		p := l.entry(Key{Symbol: symbol, Direction: dir})
		p.FrozenVolume -= volume
		if p.FrozenVolume < 0 {
			p.FrozenVolume = 0
		}
	})
}

// Rollover moves same-day volume into prior-day volume at the session
// boundary. An empty symbol rolls every entry.
func (l *Ledger) Rollover(ctx context.Context, symbol string) error {
	return l.do(ctx, func() {
		now := time.Now().UnixMilli()
		for key, p := range l.positions {
			if symbol != "" && key.Symbol != symbol {
				continue
			}
			if p.TodayVolume == 0 {
				continue
			}
			l.logger.Info("session rollover",
				zap.String("symbol", key.Symbol),
				zap.String("direction", string(key.Direction)),
				zap.Int64("rolled", p.TodayVolume),
			)
			p.YesterdayVolume += p.TodayVolume
			p.TodayVolume = 0
			p.TsUnixMillis = now
		}
	})
}

// Get returns a copy of one position entry.
func (l *Ledger) Get(ctx context.Context, symbol string, dir event.Direction) (event.PositionEntry, bool) {
	var (
		out event.PositionEntry
		ok  bool
	)
	if err := l.do(ctx, func() {
		p, found := l.positions[Key{Symbol: symbol, Direction: dir}]
		if found {
			out, ok = *p, true
		} else {
			out = event.PositionEntry{Symbol: symbol, Direction: dir, AveragePrice: decimal.Zero}
		}
	}); err != nil {
		return event.PositionEntry{}, false
	}
	return out, ok
}

// Snapshot returns copies of all position entries.
func (l *Ledger) Snapshot(ctx context.Context) ([]event.PositionEntry, error) {
	var out []event.PositionEntry
	err := l.do(ctx, func() {
		for _, p := range l.positions {
			out = append(out, *p)
		}
	})
	return out, err
}

// Seed replaces the ledger state from a recovery snapshot. It is never
// called with an empty default: recovery fails hard when the snapshot
// source is unavailable.
func (l *Ledger) Seed(ctx context.Context, entries []event.PositionEntry) error {
	var doErr error
	err := l.do(ctx, func() {
		fresh := make(map[Key]*event.PositionEntry, len(entries))
		for _, e := range entries {
			e := e
			if err := checkInvariants(&e); err != nil {
				doErr = fmt.Errorf("refusing snapshot entry %s/%s: %w", e.Symbol, e.Direction, err)
				return
			}
			fresh[Key{Symbol: e.Symbol, Direction: e.Direction}] = &e
		}
		l.positions = fresh
	})
	if err != nil {
		return err
	}
	return doErr
}

func checkInvariants(p *event.PositionEntry) error {
	if p.TotalVolume != p.TodayVolume+p.YesterdayVolume {
		return fmt.Errorf("total %d != today %d + yesterday %d: %w",
			p.TotalVolume, p.TodayVolume, p.YesterdayVolume, ErrInvariant)
	}
	if p.TotalVolume-p.FrozenVolume < 0 {
		return fmt.Errorf("frozen %d exceeds total %d: %w", p.FrozenVolume, p.TotalVolume, ErrInvariant)
	}
	if p.TodayVolume < 0 || p.YesterdayVolume < 0 || p.FrozenVolume < 0 {
		return fmt.Errorf("negative lot count (today %d, yesterday %d, frozen %d): %w",
			p.TodayVolume, p.YesterdayVolume, p.FrozenVolume, ErrInvariant)
	}
	return nil
}
