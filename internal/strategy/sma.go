package strategy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
)

// SMACross is a minimal long-only moving-average crossover: it opens
// one lot when the close crosses above the average of the last window
// bars and closes the lot when it crosses back below. It exists to
// exercise the full request/ack/fill path, not to make money.
type SMACross struct {
	trader   *Trader
	logger   *zap.Logger
	symbol   string
	exchange string
	window   int
	volume   int64

	closes []decimal.Decimal
	// long is written from both the bar path and the position stream.
	long atomic.Bool
}

// NewSMACross creates the sample strategy.
func NewSMACross(trader *Trader, symbol, exchange string, window int, logger *zap.Logger) *SMACross {
	if window < 2 {
		window = 5
	}
	return &SMACross{
		trader:   trader,
		logger:   logger,
		symbol:   symbol,
		exchange: exchange,
		window:   window,
		volume:   1,
	}
}

func (s *SMACross) Name() string { return "sma-cross" }

func (s *SMACross) OnTick(context.Context, event.TickData) {}

func (s *SMACross) OnBar(ctx context.Context, bar event.BarData) {
	if bar.Symbol != s.symbol {
		return
	}

	s.closes = append(s.closes, bar.ClosePrice)
	if len(s.closes) > s.window {
		s.closes = s.closes[len(s.closes)-s.window:]
	}
	if len(s.closes) < s.window {
		return
	}

	sum := decimal.Zero
	for _, c := range s.closes {
		sum = sum.Add(c)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(s.closes))))

	long := s.long.Load()
	switch {
	case !long && bar.ClosePrice.GreaterThan(avg):
		s.submit(ctx, event.DirectionLong, event.OffsetOpen, bar.ClosePrice)
	case long && bar.ClosePrice.LessThan(avg):
		// Direction is the order's side: closing a long means selling.
		s.submit(ctx, event.DirectionShort, event.OffsetClose, bar.ClosePrice)
	}
}

func (s *SMACross) submit(ctx context.Context, dir event.Direction, off event.Offset, price decimal.Decimal) {
	requestID, err := s.trader.SendOrder(ctx, s.symbol, s.exchange, dir, off, event.OrderTypeLimit, price, s.volume)
	if err != nil {
		s.logger.Error("failed to submit order", zap.Error(err))
		return
	}

	ackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ack, err := s.trader.Await(ackCtx, requestID)
	if err != nil {
		s.logger.Warn("no ack for request", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if !ack.Accepted {
		s.logger.Warn("request rejected",
			zap.String("request_id", requestID),
			zap.String("reason", string(ack.Reason)),
		)
		return
	}
	s.long.Store(off == event.OffsetOpen)
}

// OnPosition resyncs the side flag with the ledger, so a fill applied
// while the strategy was restarting is not acted on twice.
func (s *SMACross) OnPosition(_ context.Context, pos event.PositionEntry) {
	if pos.Symbol != s.symbol || pos.Direction != event.DirectionLong {
		return
	}
	s.long.Store(pos.TotalVolume > 0)
}

func (s *SMACross) OnTrade(ctx context.Context, trade event.TradeData) {
	if trade.Symbol != s.symbol {
		return
	}
	s.logger.Info("fill received",
		zap.String("trade_id", trade.TradeID),
		zap.String("offset", string(trade.Offset)),
		zap.Int64("volume", trade.Volume),
		zap.String("price", trade.Price.String()),
	)
}
