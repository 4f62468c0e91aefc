// Package marketdata aggregates live ticks into interval bars. Bars are
// broadcast on bar:{symbol} with the same no-retention semantics as the
// ticks they come from.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/event"
)

// Aggregator builds one bar per symbol per interval.
type Aggregator struct {
	bus      bus.Bus
	logger   *zap.Logger
	interval time.Duration
	label    string

	building map[string]*event.BarData
}

// New creates an aggregator for the given bar interval.
func New(b bus.Bus, interval time.Duration, logger *zap.Logger) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{
		bus:      b,
		logger:   logger,
		interval: interval,
		label:    intervalLabel(interval),
		building: make(map[string]*event.BarData),
	}
}

// Run subscribes the symbols' tick channels and publishes bars at each
// interval boundary until ctx is cancelled. Tick handling and flushing
// run on the same goroutine, so no locking is needed on the bar state.
func (a *Aggregator) Run(ctx context.Context, symbols []string) error {
	tickCh := make(chan event.TickData, 256)

	for _, sym := range symbols {
		detach, err := a.bus.Subscribe(ctx, event.TickChannel(sym), func(_ context.Context, rec bus.Record) error {
			var tick event.TickData
			if err := json.Unmarshal(rec.Value, &tick); err != nil {
				a.logger.Error("undecodable tick", zap.String("channel", rec.Channel), zap.Error(err))
				return nil
			}
			select {
			case tickCh <- tick:
			default:
				// Bars are best-effort; a stalled aggregator misses ticks.
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", event.TickChannel(sym), err)
		}
		defer detach()
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("bar aggregation started",
		zap.Strings("symbols", symbols),
		zap.String("interval", a.label),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-tickCh:
			a.observe(tick)
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

// observe folds one tick into the building bar for its symbol.
func (a *Aggregator) observe(tick event.TickData) {
	bar, ok := a.building[tick.Symbol]
	if !ok {
		a.building[tick.Symbol] = &event.BarData{
			Symbol:       tick.Symbol,
			Exchange:     tick.Exchange,
			Interval:     a.label,
			OpenPrice:    tick.LastPrice,
			HighPrice:    tick.LastPrice,
			LowPrice:     tick.LastPrice,
			ClosePrice:   tick.LastPrice,
			Volume:       tick.Volume,
			OpenInterest: tick.OpenInterest,
			TsUnixMillis: tick.TsUnixMillis,
		}
		return
	}

	if tick.LastPrice.GreaterThan(bar.HighPrice) {
		bar.HighPrice = tick.LastPrice
	}
	if tick.LastPrice.LessThan(bar.LowPrice) {
		bar.LowPrice = tick.LastPrice
	}
	bar.ClosePrice = tick.LastPrice
	bar.Volume += tick.Volume
	bar.OpenInterest = tick.OpenInterest
	bar.TsUnixMillis = tick.TsUnixMillis
}

// flush publishes every building bar and starts the next interval.
func (a *Aggregator) flush(ctx context.Context) {
	for symbol, bar := range a.building {
		payload, err := json.Marshal(bar)
		if err != nil {
			a.logger.Error("failed to marshal bar", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if err := a.bus.Publish(ctx, event.BarChannel(symbol), symbol, payload); err != nil {
			a.logger.Error("failed to publish bar", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		a.logger.Debug("bar published",
			zap.String("symbol", symbol),
			zap.String("close", bar.ClosePrice.String()),
			zap.Int64("volume", bar.Volume),
		)
		delete(a.building, symbol)
	}
}

func intervalLabel(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
