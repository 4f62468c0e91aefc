package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
	"github.com/quantfork/tradelink/internal/journal"
	"github.com/quantfork/tradelink/internal/ledger"
	"github.com/quantfork/tradelink/internal/lifecycle"
)

type fakeSnapshotClient struct {
	positions []event.PositionEntry
	orders    []event.OrderData
	failures  int
	calls     int
}

func (f *fakeSnapshotClient) Positions(context.Context) ([]event.PositionEntry, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("gateway unreachable")
	}
	return f.positions, nil
}

func (f *fakeSnapshotClient) OpenOrders(context.Context) ([]event.OrderData, error) {
	return f.orders, nil
}

type noopOutbox struct{}

func (noopOutbox) Enqueue(context.Context, string, string, string, []byte) error { return nil }

type noopDeduper struct{}

func (noopDeduper) MarkRequest(context.Context, string, string, []journal.Staged) (bool, error) {
	return false, nil
}
func (noopDeduper) MarkTrade(context.Context, string, string) (bool, error) { return false, nil }

type upGate struct{}

func (upGate) Connected() bool { return true }

func newParts(t *testing.T) (*ledger.Ledger, *lifecycle.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	led := ledger.New(nil, zap.NewNop())
	go led.Run(ctx)
	mgr := lifecycle.New(led, noopOutbox{}, noopDeduper{}, upGate{}, zap.NewNop())
	return led, mgr
}

func TestRecover_SeedsLedgerAndOrders(t *testing.T) {
	led, mgr := newParts(t)

	client := &fakeSnapshotClient{
		positions: []event.PositionEntry{{
			Symbol: "IF2509", Direction: event.DirectionLong,
			TotalVolume: 5, TodayVolume: 3, YesterdayVolume: 2,
			AveragePrice: decimal.RequireFromString("3900"),
		}},
		orders: []event.OrderData{{
			OrderID: "ord-1", RequestID: "req-1", Symbol: "IF2509",
			Direction: event.DirectionLong, Offset: event.OffsetOpen,
			Volume: 2, Status: event.StatusNotTraded,
		}},
	}

	c := New(client, led, mgr, zap.NewNop())
	require.NoError(t, c.Recover(context.Background()))

	pos, ok := led.Get(context.Background(), "IF2509", event.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, int64(5), pos.TotalVolume)
	assert.Equal(t, int64(3), pos.TodayVolume)

	orders := mgr.OpenOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "ord-1", orders[0].OrderID)

	assert.False(t, mgr.Accepting(), "order intake stays closed until Resume")
	c.Resume()
	assert.True(t, mgr.Accepting())
}

func TestRecover_RetriesTransientFailures(t *testing.T) {
	led, mgr := newParts(t)

	client := &fakeSnapshotClient{failures: 2}
	c := New(client, led, mgr, zap.NewNop())
	c.backoff = time.Millisecond

	require.NoError(t, c.Recover(context.Background()))
	assert.Equal(t, 3, client.calls, "two failures then success")
}

func TestRecover_FailsHardWhenSnapshotUnavailable(t *testing.T) {
	led, mgr := newParts(t)

	client := &fakeSnapshotClient{failures: 10}
	c := New(client, led, mgr, zap.NewNop())
	c.backoff = time.Millisecond

	err := c.Recover(context.Background())
	require.Error(t, err)
	assert.False(t, mgr.Accepting(), "no empty-default baseline, no order intake")
}

func TestRecover_RefusesBrokenSnapshot(t *testing.T) {
	led, mgr := newParts(t)

	client := &fakeSnapshotClient{
		positions: []event.PositionEntry{{
			Symbol: "IF2509", Direction: event.DirectionLong,
			TotalVolume: 5, TodayVolume: 1, YesterdayVolume: 1,
		}},
	}
	c := New(client, led, mgr, zap.NewNop())

	err := c.Recover(context.Background())
	require.ErrorIs(t, err, ledger.ErrInvariant)
}
