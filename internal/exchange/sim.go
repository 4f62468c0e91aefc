package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/event"
)

// SimConfig configures the deterministic exchange simulator.
type SimConfig struct {
	Symbols      []string
	Exchange     string
	TickInterval time.Duration
	FillDelay    time.Duration
	StartPrice   decimal.Decimal
	Seed         int64
}

func (c SimConfig) withDefaults() SimConfig {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"IF2509"}
	}
	if c.Exchange == "" {
		c.Exchange = "CFFEX"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.FillDelay <= 0 {
		c.FillDelay = 200 * time.Millisecond
	}
	if c.StartPrice.IsZero() {
		c.StartPrice = decimal.NewFromInt(3900)
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

type simKey struct {
	symbol    string
	direction event.Direction
}

// Sim is an in-process exchange: random-walk ticks, delayed full fills,
// its own position book, and fault injection for connectivity drills.
type Sim struct {
	cfg    SimConfig
	faults *Faults
	logger *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	handlers  Handlers
	connected bool
	prices    map[string]decimal.Decimal
	orders    map[string]*event.OrderData
	book      map[simKey]*event.PositionEntry
}

// NewSim creates a simulator. faults may be nil.
func NewSim(cfg SimConfig, faults *Faults, logger *zap.Logger) *Sim {
	cfg = cfg.withDefaults()
	s := &Sim{
		cfg:    cfg,
		faults: faults,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: make(map[string]decimal.Decimal),
		orders: make(map[string]*event.OrderData),
		book:   make(map[simKey]*event.PositionEntry),
	}
	for _, sym := range cfg.Symbols {
		s.prices[sym] = cfg.StartPrice
	}
	return s
}

// SetHandlers installs inbound data callbacks. Call before Run.
func (s *Sim) SetHandlers(h Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

// Connect establishes the simulated session.
func (s *Sim) Connect(ctx context.Context) error {
	if s.faults.InOutage() {
		return ErrLinkDown
	}
	if err := s.faults.MaybeDelay(ctx, "connect"); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("sim link connected")
	return nil
}

// Heartbeat probes the simulated session.
func (s *Sim) Heartbeat(ctx context.Context) error {
	if s.faults.InOutage() {
		return ErrLinkDown
	}
	s.mu.Lock()
	up := s.connected
	s.mu.Unlock()
	if !up {
		return ErrLinkDown
	}
	return nil
}

// Run publishes ticks until ctx is cancelled.
func (s *Sim) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.faults.InOutage() {
				continue
			}
			for _, sym := range s.cfg.Symbols {
				s.emitTick(sym)
			}
		}
	}
}

func (s *Sim) emitTick(symbol string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	// Random walk in 0.2-point steps.
	step := decimal.NewFromFloat(0.2).Mul(decimal.NewFromInt(int64(s.rng.Intn(5) - 2)))
	price := s.prices[symbol].Add(step)
	if !price.IsPositive() {
		price = s.prices[symbol]
	}
	s.prices[symbol] = price
	onTick := s.handlers.OnTick
	s.mu.Unlock()

	if onTick == nil {
		return
	}
	spread := decimal.NewFromFloat(0.2)
	onTick(event.TickData{
		Symbol:       symbol,
		Exchange:     s.cfg.Exchange,
		LastPrice:    price,
		Volume:       int64(s.rng.Intn(100) + 1),
		BidPrice:     price.Sub(spread),
		BidVolume:    int64(s.rng.Intn(50) + 1),
		AskPrice:     price.Add(spread),
		AskVolume:    int64(s.rng.Intn(50) + 1),
		TsUnixMillis: time.Now().UnixMilli(),
	})
}

// SendOrder accepts one order leg and schedules its fill.
func (s *Sim) SendOrder(ctx context.Context, cmd event.CommandData) error {
	if s.faults.InOutage() {
		return ErrLinkDown
	}
	if err := s.faults.MaybeDelay(ctx, "send_order"); err != nil {
		return err
	}
	if s.faults.MaybeDrop("send_order") {
		// Accepted on the wire, then lost: the order stays unconfirmed
		// until the next snapshot reconciliation.
		return nil
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrLinkDown
	}
	od := &event.OrderData{
		OrderID:      cmd.OrderID,
		RequestID:    cmd.RequestID,
		Symbol:       cmd.Symbol,
		Exchange:     cmd.Exchange,
		Direction:    cmd.Direction,
		Offset:       cmd.Offset,
		OrderType:    cmd.OrderType,
		Price:        cmd.Price,
		Volume:       cmd.Volume,
		Status:       event.StatusNotTraded,
		TsUnixMillis: time.Now().UnixMilli(),
	}
	s.orders[od.OrderID] = od
	record := *od
	onOrder := s.handlers.OnOrder
	s.mu.Unlock()

	if onOrder != nil {
		onOrder(record)
	}
	time.AfterFunc(s.cfg.FillDelay, func() { s.fill(cmd.OrderID) })
	return nil
}

// fill trades the full remaining volume at the current price.
func (s *Sim) fill(orderID string) {
	s.mu.Lock()
	od, ok := s.orders[orderID]
	if !ok || od.Status.Terminal() || !s.connected {
		s.mu.Unlock()
		return
	}
	price := s.prices[od.Symbol]
	volume := od.Volume - od.TradedVolume
	od.TradedVolume = od.Volume
	od.Status = event.StatusAllTraded
	od.TsUnixMillis = time.Now().UnixMilli()

	trade := event.TradeData{
		TradeID:      uuid.New().String(),
		OrderID:      od.OrderID,
		StrategyID:   od.StrategyID,
		Symbol:       od.Symbol,
		Exchange:     od.Exchange,
		Direction:    od.Direction,
		Offset:       od.Offset,
		Price:        price,
		Volume:       volume,
		TsUnixMillis: od.TsUnixMillis,
	}
	s.applyToBook(trade)
	record := *od
	onTrade := s.handlers.OnTrade
	onOrder := s.handlers.OnOrder
	s.mu.Unlock()

	if onTrade != nil {
		onTrade(trade)
	}
	if onOrder != nil {
		onOrder(record)
	}
}

// applyToBook keeps the exchange-side position baseline current.
func (s *Sim) applyToBook(tr event.TradeData) {
	side := tr.Direction
	if tr.Offset.IsClose() {
		side = tr.Direction.Opposite()
	}
	key := simKey{symbol: tr.Symbol, direction: side}
	p, ok := s.book[key]
	if !ok {
		p = &event.PositionEntry{
			Symbol:       tr.Symbol,
			Exchange:     tr.Exchange,
			Direction:    side,
			AveragePrice: decimal.Zero,
		}
		s.book[key] = p
	}

	if tr.Offset == event.OffsetOpen {
		oldValue := p.AveragePrice.Mul(decimal.NewFromInt(p.TotalVolume))
		p.TotalVolume += tr.Volume
		p.TodayVolume += tr.Volume
		p.AveragePrice = oldValue.Add(tr.Price.Mul(decimal.NewFromInt(tr.Volume))).
			Div(decimal.NewFromInt(p.TotalVolume))
	} else {
		vol := tr.Volume
		if tr.Offset == event.OffsetCloseYesterday {
			p.YesterdayVolume -= vol
		} else {
			today := vol
			if today > p.TodayVolume {
				today = p.TodayVolume
			}
			p.TodayVolume -= today
			p.YesterdayVolume -= vol - today
		}
		p.TotalVolume -= vol
		if p.TotalVolume == 0 {
			p.AveragePrice = decimal.Zero
		}
	}
	p.TsUnixMillis = tr.TsUnixMillis
}

// CancelOrder cancels an open order. Terminal and unknown orders are
// no-ops.
func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	if s.faults.InOutage() {
		return ErrLinkDown
	}
	if err := s.faults.MaybeDelay(ctx, "cancel_order"); err != nil {
		return err
	}

	s.mu.Lock()
	od, ok := s.orders[orderID]
	if !ok || od.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	od.Status = event.StatusCancelled
	od.TsUnixMillis = time.Now().UnixMilli()
	record := *od
	onOrder := s.handlers.OnOrder
	s.mu.Unlock()

	if onOrder != nil {
		onOrder(record)
	}
	return nil
}

// Positions returns the exchange-side position baseline.
func (s *Sim) Positions(ctx context.Context) ([]event.PositionEntry, error) {
	if s.faults.InOutage() {
		return nil, ErrLinkDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.PositionEntry, 0, len(s.book))
	for _, p := range s.book {
		out = append(out, *p)
	}
	return out, nil
}

// OpenOrders returns exchange-side orders not yet terminal.
func (s *Sim) OpenOrders(ctx context.Context) ([]event.OrderData, error) {
	if s.faults.InOutage() {
		return nil, ErrLinkDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.OrderData
	for _, od := range s.orders {
		if !od.Status.Terminal() {
			out = append(out, *od)
		}
	}
	return out, nil
}

// Close tears the simulated session down.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}
