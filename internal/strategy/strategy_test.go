package strategy

import (
	"context"
	"encoding/json"
	"sync"
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

func TestTrader_AckCorrelatedByRequestID(t *testing.T) {
	broker := membus.New(membus.Options{}, zap.NewNop())
	defer broker.Close()

	trader := NewTrader(broker, "strat-1", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Echo service standing in for the lifecycle manager: every request
	// is acked accepted on the status channel.
	go broker.Consume(ctx, event.StreamOrder, event.GroupTrading, func(ctx context.Context, rec bus.Record) error {
		env, err := event.Decode(rec.Value)
		require.NoError(t, err)
		if env.Kind != event.KindOrderRequest {
			return nil
		}
		var req event.OrderRequest
		require.NoError(t, json.Unmarshal(env.Payload, &req))
		ack, err := event.Encode(event.KindRequestAck, event.RequestAck{
			RequestID:  req.RequestID,
			StrategyID: req.StrategyID,
			Accepted:   true,
			OrderIDs:   []string{"ord-1"},
		})
		require.NoError(t, err)
		_, err = broker.Append(ctx, event.StreamOrderStatus, req.RequestID, ack)
		return err
	})
	go broker.Consume(ctx, event.StreamOrderStatus, event.GroupStrategy, trader.HandleStatusChannel)

	requestID, err := trader.SendOrder(ctx, "IF2509", "CFFEX",
		event.DirectionLong, event.OffsetOpen, event.OrderTypeLimit,
		decimal.NewFromInt(3900), 1)
	require.NoError(t, err)

	ackCtx, ackCancel := context.WithTimeout(ctx, 2*time.Second)
	defer ackCancel()
	ack, err := trader.Await(ackCtx, requestID)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, []string{"ord-1"}, ack.OrderIDs)
}

func TestTrader_IgnoresOtherStrategiesAcks(t *testing.T) {
	broker := membus.New(membus.Options{}, zap.NewNop())
	defer broker.Close()

	trader := NewTrader(broker, "strat-1", zap.NewNop())

	rec := func(strategyID, requestID string) bus.Record {
		data, err := event.Encode(event.KindRequestAck, event.RequestAck{
			RequestID:  requestID,
			StrategyID: strategyID,
			Accepted:   true,
		})
		require.NoError(t, err)
		return bus.Record{Channel: event.StreamOrderStatus, Value: data}
	}

	requestID, err := trader.SendOrder(context.Background(), "IF2509", "CFFEX",
		event.DirectionLong, event.OffsetOpen, event.OrderTypeLimit,
		decimal.NewFromInt(3900), 1)
	require.NoError(t, err)

	// Another strategy's ack with a colliding waiter key must not resolve.
	require.NoError(t, trader.HandleStatusChannel(context.Background(), rec("strat-2", requestID)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = trader.Await(ctx, requestID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// sinkStrategy records position updates and ignores market data.
type sinkStrategy struct {
	mu        sync.Mutex
	positions []event.PositionEntry
}

func (s *sinkStrategy) Name() string                           { return "sink" }
func (s *sinkStrategy) OnTick(context.Context, event.TickData) {}
func (s *sinkStrategy) OnBar(context.Context, event.BarData)   {}
func (s *sinkStrategy) OnTrade(context.Context, event.TradeData) {
}

func (s *sinkStrategy) OnPosition(_ context.Context, pos event.PositionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, pos)
}

func (s *sinkStrategy) observed() []event.PositionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.PositionEntry, len(s.positions))
	copy(out, s.positions)
	return out
}

func TestHost_TracksLedgerPositions(t *testing.T) {
	broker := membus.New(membus.Options{}, zap.NewNop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &sinkStrategy{}
	trader := NewTrader(broker, "strat-1", zap.NewNop())
	host := NewHost(broker, trader, []string{"IF2509"}, []Strategy{sink}, zap.NewNop())
	go host.Run(ctx)

	data, err := event.Encode(event.KindPosition, event.PositionEntry{
		Symbol:       "IF2509",
		Direction:    event.DirectionLong,
		TotalVolume:  3,
		TodayVolume:  3,
		AveragePrice: decimal.RequireFromString("3900"),
	})
	require.NoError(t, err)
	_, err = broker.Append(ctx, event.StreamPosition, "IF2509/LONG", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.observed()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), sink.observed()[0].TotalVolume)

	pos, ok := host.Position("IF2509", event.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, int64(3), pos.TotalVolume)
}

func barsFromCloses(closes ...string) []event.BarData {
	out := make([]event.BarData, 0, len(closes))
	for _, c := range closes {
		out = append(out, event.BarData{
			Symbol:     "IF2509",
			Interval:   "1m",
			ClosePrice: decimal.RequireFromString(c),
		})
	}
	return out
}

func TestSMACross_OpensAboveAverageClosesBelow(t *testing.T) {
	broker := membus.New(membus.Options{}, zap.NewNop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Auto-accept every request so Await returns immediately.
	var requests []event.OrderRequest
	go broker.Consume(ctx, event.StreamOrder, event.GroupTrading, func(ctx context.Context, rec bus.Record) error {
		env, err := event.Decode(rec.Value)
		require.NoError(t, err)
		if env.Kind != event.KindOrderRequest {
			return nil
		}
		var req event.OrderRequest
		require.NoError(t, json.Unmarshal(env.Payload, &req))
		requests = append(requests, req)
		ack, err := event.Encode(event.KindRequestAck, event.RequestAck{
			RequestID: req.RequestID, StrategyID: req.StrategyID, Accepted: true,
		})
		require.NoError(t, err)
		_, err = broker.Append(ctx, event.StreamOrderStatus, req.RequestID, ack)
		return err
	})

	trader := NewTrader(broker, "strat-1", zap.NewNop())
	go broker.Consume(ctx, event.StreamOrderStatus, event.GroupStrategy, trader.HandleStatusChannel)

	s := NewSMACross(trader, "IF2509", "CFFEX", 3, zap.NewNop())

	// Flat closes keep it out, a breakout opens, a breakdown closes.
	for _, bar := range barsFromCloses("3900", "3900", "3900", "3920", "3850") {
		s.OnBar(ctx, bar)
	}

	require.Len(t, requests, 2)
	assert.Equal(t, event.OffsetOpen, requests[0].Offset)
	assert.Equal(t, event.DirectionLong, requests[0].Direction)
	assert.Equal(t, event.OffsetClose, requests[1].Offset)
	assert.Equal(t, event.DirectionShort, requests[1].Direction)
}
