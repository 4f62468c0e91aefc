package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
)

// memDeduper is an in-memory TradeDeduper for tests.
type memDeduper struct {
	seen map[string]bool
}

func newMemDeduper() *memDeduper { return &memDeduper{seen: make(map[string]bool)} }

func (d *memDeduper) MarkTrade(_ context.Context, tradeID, _ string) (bool, error) {
	if d.seen[tradeID] {
		return true, nil
	}
	d.seen[tradeID] = true
	return false, nil
}

func startLedger(t *testing.T, dedupe TradeDeduper) (*Ledger, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := New(dedupe, zap.NewNop())
	go l.Run(ctx)
	return l, ctx
}

func trade(id string, dir event.Direction, off event.Offset, price string, vol int64) event.TradeData {
	return event.TradeData{
		TradeID:   id,
		OrderID:   "ord-" + id,
		Symbol:    "IF2509",
		Direction: dir,
		Offset:    off,
		Price:     decimal.RequireFromString(price),
		Volume:    vol,
	}
}

func TestApplyTrade_TotalAlwaysSumsBuckets(t *testing.T) {
	l, ctx := startLedger(t, nil)

	trades := []event.TradeData{
		trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 3),
		trade("t2", event.DirectionLong, event.OffsetOpen, "3910", 2),
		trade("t3", event.DirectionShort, event.OffsetCloseToday, "3920", 2),
		trade("t4", event.DirectionLong, event.OffsetOpen, "3905", 1),
		trade("t5", event.DirectionShort, event.OffsetClose, "3930", 3),
	}

	for _, tr := range trades {
		p, err := l.ApplyTrade(ctx, tr)
		require.NoError(t, err, "trade %s", tr.TradeID)
		assert.Equal(t, p.TotalVolume, p.TodayVolume+p.YesterdayVolume,
			"invariant broken after trade %s", tr.TradeID)
		assert.GreaterOrEqual(t, p.TotalVolume-p.FrozenVolume, int64(0))
	}

	p, ok := l.Get(ctx, "IF2509", event.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.TotalVolume)
}

func TestApplyTrade_IdempotentByTradeID(t *testing.T) {
	l, ctx := startLedger(t, newMemDeduper())

	tr := trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 5)

	first, err := l.ApplyTrade(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.TotalVolume)

	second, err := l.ApplyTrade(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, first.TotalVolume, second.TotalVolume, "second application must not change the ledger")
	assert.Equal(t, first.TodayVolume, second.TodayVolume)
	assert.True(t, first.AveragePrice.Equal(second.AveragePrice))
}

func TestApplyTrade_OpenComputesWeightedAverage(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 2))
	require.NoError(t, err)

	p, err := l.ApplyTrade(ctx, trade("t2", event.DirectionLong, event.OffsetOpen, "3960", 2))
	require.NoError(t, err)

	assert.True(t, p.AveragePrice.Equal(decimal.RequireFromString("3930")),
		"want 3930, got %s", p.AveragePrice)
}

func TestApplyTrade_CloseAffectsOppositeSide(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 5))
	require.NoError(t, err)

	// Selling with a close offset shrinks the long position.
	p, err := l.ApplyTrade(ctx, trade("t2", event.DirectionShort, event.OffsetCloseToday, "3950", 2))
	require.NoError(t, err)
	assert.Equal(t, event.DirectionLong, p.Direction)
	assert.Equal(t, int64(3), p.TotalVolume)
	assert.Equal(t, int64(3), p.TodayVolume)
}

func TestApplyTrade_OverCloseRefused(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 2))
	require.NoError(t, err)

	_, err = l.ApplyTrade(ctx, trade("t2", event.DirectionShort, event.OffsetCloseYesterday, "3950", 1))
	require.ErrorIs(t, err, ErrInsufficientPosition)
}

func TestFreezeUnfreeze(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 5))
	require.NoError(t, err)

	require.NoError(t, l.Freeze(ctx, "IF2509", event.DirectionLong, 3))

	err = l.Freeze(ctx, "IF2509", event.DirectionLong, 3)
	require.ErrorIs(t, err, ErrInsufficientPosition, "double-spending the same lots must fail")

	require.NoError(t, l.Unfreeze(ctx, "IF2509", event.DirectionLong, 3))
	require.NoError(t, l.Freeze(ctx, "IF2509", event.DirectionLong, 5))
}

func TestApplyTrade_FilledCloseConsumesReservation(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 5))
	require.NoError(t, err)
	require.NoError(t, l.Freeze(ctx, "IF2509", event.DirectionLong, 5))

	p, err := l.ApplyTrade(ctx, trade("t2", event.DirectionShort, event.OffsetCloseToday, "3950", 5))
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.TotalVolume)
	assert.Equal(t, int64(0), p.FrozenVolume)
	assert.True(t, p.AveragePrice.IsZero(), "flat position resets average price")
}

func TestRollover(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 4))
	require.NoError(t, err)

	require.NoError(t, l.Rollover(ctx, "IF2509"))

	p, ok := l.Get(ctx, "IF2509", event.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, int64(0), p.TodayVolume)
	assert.Equal(t, int64(4), p.YesterdayVolume)
	assert.Equal(t, int64(4), p.TotalVolume)
}

func TestSeed_RefusesBrokenSnapshot(t *testing.T) {
	l, ctx := startLedger(t, nil)

	err := l.Seed(ctx, []event.PositionEntry{{
		Symbol:          "IF2509",
		Direction:       event.DirectionLong,
		TotalVolume:     5,
		TodayVolume:     1,
		YesterdayVolume: 1,
	}})
	require.ErrorIs(t, err, ErrInvariant)
}

func TestSeed_ReplacesState(t *testing.T) {
	l, ctx := startLedger(t, nil)

	_, err := l.ApplyTrade(ctx, trade("t1", event.DirectionLong, event.OffsetOpen, "3900", 2))
	require.NoError(t, err)

	require.NoError(t, l.Seed(ctx, []event.PositionEntry{{
		Symbol:          "IF2509",
		Direction:       event.DirectionShort,
		TotalVolume:     7,
		TodayVolume:     3,
		YesterdayVolume: 4,
		AveragePrice:    decimal.RequireFromString("3888"),
	}}))

	_, ok := l.Get(ctx, "IF2509", event.DirectionLong)
	assert.False(t, ok, "pre-seed state must be gone")

	p, ok := l.Get(ctx, "IF2509", event.DirectionShort)
	require.True(t, ok)
	assert.Equal(t, int64(7), p.TotalVolume)
}

func TestApplyTrade_RandomishSequenceHoldsInvariant(t *testing.T) {
	l, ctx := startLedger(t, nil)

	for i := 0; i < 50; i++ {
		_, err := l.ApplyTrade(ctx, trade(fmt.Sprintf("open-%d", i),
			event.DirectionShort, event.OffsetOpen, "4000", int64(i%3+1)))
		require.NoError(t, err)

		if i%5 == 4 {
			p, err := l.ApplyTrade(ctx, trade(fmt.Sprintf("close-%d", i),
				event.DirectionLong, event.OffsetClose, "3990", 2))
			require.NoError(t, err)
			assert.Equal(t, p.TotalVolume, p.TodayVolume+p.YesterdayVolume)
		}
	}
}
