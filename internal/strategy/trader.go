// Package strategy hosts trading strategies: a capability interface for
// market data and fills, and a trader for order submission with acks
// correlated by request id.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/event"
)

// Strategy reacts to market data and its own fills. Implementations
// compose capabilities; there is no base type to extend.
type Strategy interface {
	Name() string
	OnTick(ctx context.Context, tick event.TickData)
	OnBar(ctx context.Context, bar event.BarData)
	OnTrade(ctx context.Context, trade event.TradeData)
}

// Trader submits order and cancel requests on behalf of one strategy
// and routes acks back by request id.
type Trader struct {
	bus        bus.Bus
	strategyID string
	logger     *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan event.RequestAck
}

// NewTrader creates a trader for one strategy id.
func NewTrader(b bus.Bus, strategyID string, logger *zap.Logger) *Trader {
	return &Trader{
		bus:        b,
		strategyID: strategyID,
		logger:     logger,
		waiters:    make(map[string]chan event.RequestAck),
	}
}

// SendOrder submits an order request and returns its request id.
func (t *Trader) SendOrder(ctx context.Context, symbol, exchange string, direction event.Direction,
	offset event.Offset, orderType event.OrderType, price decimal.Decimal, volume int64) (string, error) {

	req := event.OrderRequest{
		RequestID:    uuid.New().String(),
		StrategyID:   t.strategyID,
		Symbol:       symbol,
		Exchange:     exchange,
		Direction:    direction,
		Offset:       offset,
		OrderType:    orderType,
		Price:        price,
		Volume:       volume,
		TsUnixMillis: time.Now().UnixMilli(),
	}

	data, err := event.Encode(event.KindOrderRequest, req)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.waiters[req.RequestID] = make(chan event.RequestAck, 1)
	t.mu.Unlock()

	if _, err := t.bus.Append(ctx, event.StreamOrder, req.RequestID, data); err != nil {
		t.forget(req.RequestID)
		return "", fmt.Errorf("failed to submit order request: %w", err)
	}

	t.logger.Info("order request submitted",
		zap.String("request_id", req.RequestID),
		zap.String("symbol", symbol),
		zap.String("direction", string(direction)),
		zap.String("offset", string(offset)),
		zap.Int64("volume", volume),
	)
	return req.RequestID, nil
}

// CancelOrder submits a cancel request for an order.
func (t *Trader) CancelOrder(ctx context.Context, orderID, symbol string) error {
	req := event.CancelRequest{
		RequestID:    uuid.New().String(),
		StrategyID:   t.strategyID,
		OrderID:      orderID,
		Symbol:       symbol,
		TsUnixMillis: time.Now().UnixMilli(),
	}
	data, err := event.Encode(event.KindCancelRequest, req)
	if err != nil {
		return err
	}
	if _, err := t.bus.Append(ctx, event.StreamOrder, req.RequestID, data); err != nil {
		return fmt.Errorf("failed to submit cancel request: %w", err)
	}
	return nil
}

// Await blocks for the ack of a submitted request.
func (t *Trader) Await(ctx context.Context, requestID string) (event.RequestAck, error) {
	t.mu.Lock()
	ch, ok := t.waiters[requestID]
	t.mu.Unlock()
	if !ok {
		return event.RequestAck{}, fmt.Errorf("unknown request id %s", requestID)
	}
	defer t.forget(requestID)

	select {
	case <-ctx.Done():
		return event.RequestAck{}, ctx.Err()
	case ack := <-ch:
		return ack, nil
	}
}

// HandleStatusChannel consumes stream:order_status for this strategy's
// consumer group, resolving ack waiters. Other kinds pass through.
func (t *Trader) HandleStatusChannel(ctx context.Context, rec bus.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		t.logger.Error("undecodable status record", zap.Int64("seq", rec.Seq), zap.Error(err))
		return nil
	}
	if env.Kind != event.KindRequestAck {
		return nil
	}

	var ack event.RequestAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.logger.Error("undecodable request ack", zap.Error(err))
		return nil
	}
	if ack.StrategyID != t.strategyID {
		return nil
	}

	if !ack.Accepted {
		t.logger.Warn("order request rejected",
			zap.String("request_id", ack.RequestID),
			zap.String("reason", string(ack.Reason)),
		)
	}

	t.mu.Lock()
	ch, ok := t.waiters[ack.RequestID]
	t.mu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
	return nil
}

func (t *Trader) forget(requestID string) {
	t.mu.Lock()
	delete(t.waiters, requestID)
	t.mu.Unlock()
}
