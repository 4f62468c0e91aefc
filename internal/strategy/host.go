package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/event"
)

// PositionObserver is implemented by strategies that want the ledger's
// position updates in addition to market data and fills.
type PositionObserver interface {
	OnPosition(ctx context.Context, pos event.PositionEntry)
}

// Host wires one or more strategies to the bus: broadcast market data
// in, durable fill and position notifications in, ack routing for the
// trader. It also keeps the last observed ledger entry per symbol side.
type Host struct {
	bus     bus.Bus
	trader  *Trader
	logger  *zap.Logger
	symbols []string
	strats  []Strategy

	mu        sync.RWMutex
	positions map[string]event.PositionEntry
}

// NewHost creates a strategy host.
func NewHost(b bus.Bus, trader *Trader, symbols []string, strats []Strategy, logger *zap.Logger) *Host {
	return &Host{
		bus:       b,
		trader:    trader,
		logger:    logger,
		symbols:   symbols,
		strats:    strats,
		positions: make(map[string]event.PositionEntry),
	}
}

// Position returns the last observed ledger entry for a symbol side.
func (h *Host) Position(symbol string, dir event.Direction) (event.PositionEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pos, ok := h.positions[symbol+"/"+string(dir)]
	return pos, ok
}

// Run attaches subscriptions and blocks consuming durable channels
// until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	for _, sym := range h.symbols {
		detachTick, err := h.bus.Subscribe(ctx, event.TickChannel(sym), h.handleTick)
		if err != nil {
			return fmt.Errorf("failed to subscribe ticks for %s: %w", sym, err)
		}
		defer detachTick()

		detachBar, err := h.bus.Subscribe(ctx, event.BarChannel(sym), h.handleBar)
		if err != nil {
			return fmt.Errorf("failed to subscribe bars for %s: %w", sym, err)
		}
		defer detachBar()
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- h.bus.Consume(ctx, event.StreamTrade, event.GroupStrategy, h.handleTrade)
	}()
	go func() {
		errCh <- h.bus.Consume(ctx, event.StreamOrderStatus, event.GroupStrategy, h.trader.HandleStatusChannel)
	}()
	go func() {
		errCh <- h.bus.Consume(ctx, event.StreamPosition, event.GroupStrategy, h.handlePosition)
	}()

	h.logger.Info("strategy host running",
		zap.Strings("symbols", h.symbols),
		zap.Int("strategies", len(h.strats)),
	)
	return <-errCh
}

func (h *Host) handleTick(ctx context.Context, rec bus.Record) error {
	var tick event.TickData
	if err := json.Unmarshal(rec.Value, &tick); err != nil {
		h.logger.Error("undecodable tick", zap.String("channel", rec.Channel), zap.Error(err))
		return nil
	}
	for _, s := range h.strats {
		s.OnTick(ctx, tick)
	}
	return nil
}

func (h *Host) handleBar(ctx context.Context, rec bus.Record) error {
	var bar event.BarData
	if err := json.Unmarshal(rec.Value, &bar); err != nil {
		h.logger.Error("undecodable bar", zap.String("channel", rec.Channel), zap.Error(err))
		return nil
	}
	for _, s := range h.strats {
		s.OnBar(ctx, bar)
	}
	return nil
}

// handleTrade delivers normalized fill updates. Raw gateway records on
// the same channel are skipped; strategies see post-ledger facts only.
func (h *Host) handleTrade(ctx context.Context, rec bus.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		h.logger.Error("undecodable trade record", zap.Int64("seq", rec.Seq), zap.Error(err))
		return nil
	}
	if env.Kind != event.KindTradeUpdate {
		return nil
	}

	var trade event.TradeData
	if err := json.Unmarshal(env.Payload, &trade); err != nil {
		h.logger.Error("undecodable trade update", zap.Error(err))
		return nil
	}
	for _, s := range h.strats {
		s.OnTrade(ctx, trade)
	}
	return nil
}

// handlePosition keeps the position view current and forwards entries
// to strategies that observe them.
func (h *Host) handlePosition(ctx context.Context, rec bus.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		h.logger.Error("undecodable position record", zap.Int64("seq", rec.Seq), zap.Error(err))
		return nil
	}
	if env.Kind != event.KindPosition {
		return nil
	}

	var pos event.PositionEntry
	if err := json.Unmarshal(env.Payload, &pos); err != nil {
		h.logger.Error("undecodable position entry", zap.Error(err))
		return nil
	}

	h.mu.Lock()
	h.positions[pos.Symbol+"/"+string(pos.Direction)] = pos
	h.mu.Unlock()

	for _, s := range h.strats {
		if o, ok := s.(PositionObserver); ok {
			o.OnPosition(ctx, pos)
		}
	}
	return nil
}
