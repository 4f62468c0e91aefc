package marketdata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/bus/membus"
	"github.com/quantfork/tradelink/internal/event"
)

func tick(price string, volume int64) event.TickData {
	return event.TickData{
		Symbol:       "IF2509",
		Exchange:     "CFFEX",
		LastPrice:    decimal.RequireFromString(price),
		Volume:       volume,
		TsUnixMillis: time.Now().UnixMilli(),
	}
}

func TestObserve_BuildsOHLC(t *testing.T) {
	a := New(nil, time.Minute, zap.NewNop())

	a.observe(tick("3900", 10))
	a.observe(tick("3910.5", 5))
	a.observe(tick("3895", 3))
	a.observe(tick("3902", 7))

	bar := a.building["IF2509"]
	require.NotNil(t, bar)
	assert.Equal(t, "1m", bar.Interval)
	assert.True(t, bar.OpenPrice.Equal(decimal.RequireFromString("3900")))
	assert.True(t, bar.HighPrice.Equal(decimal.RequireFromString("3910.5")))
	assert.True(t, bar.LowPrice.Equal(decimal.RequireFromString("3895")))
	assert.True(t, bar.ClosePrice.Equal(decimal.RequireFromString("3902")))
	assert.Equal(t, int64(25), bar.Volume)
}

func TestFlush_PublishesAndResets(t *testing.T) {
	broker := membus.New(membus.Options{}, zap.NewNop())
	defer broker.Close()

	barCh := make(chan event.BarData, 1)
	detach, err := broker.Subscribe(context.Background(), event.BarChannel("IF2509"),
		func(_ context.Context, rec bus.Record) error {
			var bar event.BarData
			if err := json.Unmarshal(rec.Value, &bar); err != nil {
				return err
			}
			barCh <- bar
			return nil
		})
	require.NoError(t, err)
	defer detach()

	a := New(broker, time.Minute, zap.NewNop())
	a.observe(tick("3900", 10))
	a.observe(tick("3904", 2))
	a.flush(context.Background())

	select {
	case bar := <-barCh:
		assert.True(t, bar.ClosePrice.Equal(decimal.RequireFromString("3904")))
		assert.Equal(t, int64(12), bar.Volume)
	case <-time.After(time.Second):
		t.Fatal("no bar published")
	}

	assert.Empty(t, a.building, "a flushed bar starts the next interval clean")

	// Quiet intervals publish nothing.
	a.flush(context.Background())
	select {
	case <-barCh:
		t.Fatal("empty interval produced a bar")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_EndToEnd(t *testing.T) {
	broker := membus.New(membus.Options{}, zap.NewNop())
	defer broker.Close()

	barCh := make(chan event.BarData, 4)
	detach, err := broker.Subscribe(context.Background(), event.BarChannel("IF2509"),
		func(_ context.Context, rec bus.Record) error {
			var bar event.BarData
			if err := json.Unmarshal(rec.Value, &bar); err != nil {
				return err
			}
			barCh <- bar
			return nil
		})
	require.NoError(t, err)
	defer detach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(broker, 100*time.Millisecond, zap.NewNop())
	go a.Run(ctx, []string{"IF2509"})

	time.Sleep(20 * time.Millisecond) // let the subscription attach
	payload, err := json.Marshal(tick("3900", 10))
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, event.TickChannel("IF2509"), "IF2509", payload))

	select {
	case bar := <-barCh:
		assert.Equal(t, "IF2509", bar.Symbol)
		assert.True(t, bar.OpenPrice.Equal(decimal.RequireFromString("3900")))
	case <-time.After(2 * time.Second):
		t.Fatal("no bar from the run loop")
	}
}
