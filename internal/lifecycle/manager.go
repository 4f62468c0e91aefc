// Package lifecycle owns the canonical state of every order from
// submission to terminal outcome. It consumes strategy requests and
// gateway status/fill records, keeps the position ledger in step, and
// republishes normalized updates through the crash-safe outbox.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfork/tradelink/internal/bus"
	"github.com/quantfork/tradelink/internal/event"
	"github.com/quantfork/tradelink/internal/journal"
	"github.com/quantfork/tradelink/internal/ledger"
	"github.com/quantfork/tradelink/internal/observability"
	"github.com/quantfork/tradelink/internal/smartclose"
)

// Gate reports whether the exchange gateway can take new orders.
type Gate interface {
	Connected() bool
}

// Outbox stages records for durable publication. *journal.Store
// satisfies it.
type Outbox interface {
	Enqueue(ctx context.Context, eventID, channel, key string, payload []byte) error
}

// Deduper persists request and trade ids. *journal.Store satisfies it.
// MarkRequest commits the id and the staged records in one transaction,
// so no crash can leave a marked request without its commands.
type Deduper interface {
	MarkRequest(ctx context.Context, requestID, strategyID string, staged []journal.Staged) (bool, error)
	MarkTrade(ctx context.Context, tradeID, orderID string) (bool, error)
}

// Manager is the order lifecycle state machine owner.
type Manager struct {
	logger *zap.Logger
	ledger *ledger.Ledger
	outbox Outbox
	dedupe Deduper
	gate   Gate

	mu        sync.Mutex
	orders    map[string]*event.OrderData
	byRequest map[string][]string
	accepting bool
}

// New creates a manager. It accepts no orders until SetAccepting(true),
// which the recovery coordinator calls once the baseline is seeded and
// durable-log consumption has resumed.
func New(led *ledger.Ledger, outbox Outbox, dedupe Deduper, gate Gate, logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		ledger:    led,
		outbox:    outbox,
		dedupe:    dedupe,
		gate:      gate,
		orders:    make(map[string]*event.OrderData),
		byRequest: make(map[string][]string),
	}
}

// SetAccepting opens or closes the front door for new order requests.
func (m *Manager) SetAccepting(v bool) {
	m.mu.Lock()
	m.accepting = v
	m.mu.Unlock()
}

// Accepting reports whether new order requests are being taken.
func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepting
}

// MarkUnconfirmed flags every non-terminal order while the gateway is
// down. Orders are never assumed cancelled on a disconnect; the flag
// clears when a fresh gateway record arrives.
func (m *Manager) MarkUnconfirmed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			o.Unconfirmed = true
			n++
		}
	}
	if n > 0 {
		m.logger.Warn("marked open orders unconfirmed", zap.Int("orders", n))
	}
}

// Restore seeds order state from a recovery snapshot.
func (m *Manager) Restore(orders []event.OrderData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		o := o
		m.orders[o.OrderID] = &o
		if o.RequestID != "" {
			m.byRequest[o.RequestID] = append(m.byRequest[o.RequestID], o.OrderID)
		}
	}
	m.refreshOpenOrdersLocked()
	m.logger.Info("restored orders from snapshot", zap.Int("orders", len(orders)))
}

// OpenOrders returns copies of all non-terminal orders.
func (m *Manager) OpenOrders() []event.OrderData {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.OrderData
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// refreshOpenOrdersLocked updates the open-order gauge. Callers hold mu.
func (m *Manager) refreshOpenOrdersLocked() {
	n := 0
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			n++
		}
	}
	observability.OpenOrders.Set(float64(n))
}

// HandleOrderChannel consumes stream:order records.
func (m *Manager) HandleOrderChannel(ctx context.Context, rec bus.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		m.logger.Error("undecodable order record", zap.Int64("seq", rec.Seq), zap.Error(err))
		return nil
	}

	switch env.Kind {
	case event.KindOrderRequest:
		var req event.OrderRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			m.logger.Error("undecodable order request", zap.Error(err))
			return nil
		}
		return m.handleOrderRequest(ctx, req)
	case event.KindCancelRequest:
		var req event.CancelRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			m.logger.Error("undecodable cancel request", zap.Error(err))
			return nil
		}
		return m.handleCancelRequest(ctx, req)
	default:
		return nil
	}
}

// HandleStatusChannel consumes stream:order_status records. Only raw
// gateway order records drive the state machine; the manager's own
// republished kinds are skipped.
func (m *Manager) HandleStatusChannel(ctx context.Context, rec bus.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		m.logger.Error("undecodable status record", zap.Int64("seq", rec.Seq), zap.Error(err))
		return nil
	}
	if env.Kind != event.KindOrder {
		return nil
	}

	var od event.OrderData
	if err := json.Unmarshal(env.Payload, &od); err != nil {
		m.logger.Error("undecodable order status", zap.Error(err))
		return nil
	}
	return m.applyStatus(ctx, od)
}

// HandleTradeChannel consumes stream:trade records from the gateway.
func (m *Manager) HandleTradeChannel(ctx context.Context, rec bus.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		m.logger.Error("undecodable trade record", zap.Int64("seq", rec.Seq), zap.Error(err))
		return nil
	}
	if env.Kind != event.KindTrade {
		return nil
	}

	var tr event.TradeData
	if err := json.Unmarshal(env.Payload, &tr); err != nil {
		m.logger.Error("undecodable trade", zap.Error(err))
		return nil
	}
	return m.applyTrade(ctx, tr)
}

// handleOrderRequest validates, decomposes and submits one request.
// Domain rejections are acked to the strategy, never returned as
// handler errors. The dedupe mark, the gateway commands and the accept
// ack commit in a single journal transaction, so a redelivered request
// id is always a duplicate and never a re-execution.
func (m *Manager) handleOrderRequest(ctx context.Context, req event.OrderRequest) error {
	if !m.Accepting() || !m.gate.Connected() {
		return m.reject(ctx, req, event.RejectGatewayUnavailable)
	}

	if err := validateRequest(req); err != nil {
		m.logger.Warn("invalid order request",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return m.reject(ctx, req, event.RejectInvalidRequest)
	}

	legs, err := m.planLegs(ctx, req)
	if err != nil {
		if errors.Is(err, smartclose.ErrInsufficientPosition) || errors.Is(err, ledger.ErrInsufficientPosition) {
			m.logger.Info("close request exceeds available position",
				zap.String("request_id", req.RequestID),
				zap.String("symbol", req.Symbol),
				zap.Int64("volume", req.Volume),
			)
			return m.reject(ctx, req, event.RejectInsufficientPosition)
		}
		return err
	}

	now := time.Now().UnixMilli()
	orders := make([]*event.OrderData, 0, len(legs))
	orderIDs := make([]string, 0, len(legs))
	staged := make([]journal.Staged, 0, len(legs)+1)

	for _, leg := range legs {
		od := &event.OrderData{
			OrderID:      uuid.New().String(),
			RequestID:    req.RequestID,
			StrategyID:   req.StrategyID,
			Symbol:       req.Symbol,
			Exchange:     req.Exchange,
			Direction:    req.Direction,
			Offset:       leg.Offset,
			OrderType:    req.OrderType,
			Price:        req.Price,
			Volume:       leg.Volume,
			Status:       event.StatusSubmitting,
			TsUnixMillis: now,
		}
		orders = append(orders, od)
		orderIDs = append(orderIDs, od.OrderID)

		cmd := event.CommandData{
			CmdType:      event.CmdSendOrder,
			RequestID:    req.RequestID,
			OrderID:      od.OrderID,
			Symbol:       req.Symbol,
			Exchange:     req.Exchange,
			Direction:    req.Direction,
			Offset:       leg.Offset,
			OrderType:    req.OrderType,
			Price:        req.Price,
			Volume:       leg.Volume,
			TsUnixMillis: now,
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			m.releasePlan(ctx, req)
			return fmt.Errorf("failed to marshal command: %w", err)
		}
		staged = append(staged, journal.Staged{
			EventID: uuid.New().String(),
			Channel: event.StreamCmd,
			Key:     od.OrderID,
			Payload: payload,
		})
	}

	ackData, err := event.Encode(event.KindRequestAck, event.RequestAck{
		RequestID:    req.RequestID,
		StrategyID:   req.StrategyID,
		Accepted:     true,
		OrderIDs:     orderIDs,
		TsUnixMillis: now,
	})
	if err != nil {
		m.releasePlan(ctx, req)
		return err
	}
	staged = append(staged, journal.Staged{
		EventID: uuid.New().String(),
		Channel: event.StreamOrderStatus,
		Key:     req.RequestID,
		Payload: ackData,
	})

	dup, err := m.dedupe.MarkRequest(ctx, req.RequestID, req.StrategyID, staged)
	if err != nil {
		m.releasePlan(ctx, req)
		return fmt.Errorf("failed to persist request %s: %w", req.RequestID, err)
	}
	if dup {
		// The first execution owns this id and whatever it reserved.
		m.releasePlan(ctx, req)
		m.logger.Info("duplicate order request dropped",
			zap.String("request_id", req.RequestID),
			zap.String("strategy_id", req.StrategyID),
		)
		return m.reject(ctx, req, event.RejectDuplicateRequest)
	}

	m.mu.Lock()
	for _, od := range orders {
		m.orders[od.OrderID] = od
		m.byRequest[req.RequestID] = append(m.byRequest[req.RequestID], od.OrderID)
	}
	m.refreshOpenOrdersLocked()
	m.mu.Unlock()

	m.logger.Info("order request accepted",
		zap.String("request_id", req.RequestID),
		zap.String("strategy_id", req.StrategyID),
		zap.String("symbol", req.Symbol),
		zap.String("offset", string(req.Offset)),
		zap.Int64("volume", req.Volume),
		zap.Int("legs", len(legs)),
	)
	return nil
}

// releasePlan gives back the reservation planLegs took for a close
// whose submission did not go through.
func (m *Manager) releasePlan(ctx context.Context, req event.OrderRequest) {
	if !req.Offset.IsClose() {
		return
	}
	if err := m.ledger.Unfreeze(ctx, req.Symbol, req.Direction.Opposite(), req.Volume); err != nil {
		m.logger.Error("failed to release close reservation",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}

// planLegs turns a request into executable legs. Opens are a single
// leg; closes are decomposed against the ledger and their volume frozen
// before any command leaves the process.
func (m *Manager) planLegs(ctx context.Context, req event.OrderRequest) ([]smartclose.Leg, error) {
	if req.Offset == event.OffsetOpen {
		return []smartclose.Leg{{Offset: event.OffsetOpen, Volume: req.Volume}}, nil
	}

	posSide := req.Direction.Opposite()
	pos, _ := m.ledger.Get(ctx, req.Symbol, posSide)

	var legs []smartclose.Leg
	switch req.Offset {
	case event.OffsetClose:
		var err error
		legs, err = smartclose.Decompose(pos, req.Volume)
		if err != nil {
			return nil, err
		}
	case event.OffsetCloseToday:
		if req.Volume > pos.TodayVolume {
			return nil, fmt.Errorf("close today %d exceeds same-day %d: %w",
				req.Volume, pos.TodayVolume, smartclose.ErrInsufficientPosition)
		}
		legs = []smartclose.Leg{{Offset: event.OffsetCloseToday, Volume: req.Volume}}
	case event.OffsetCloseYesterday:
		if req.Volume > pos.YesterdayVolume {
			return nil, fmt.Errorf("close yesterday %d exceeds prior-day %d: %w",
				req.Volume, pos.YesterdayVolume, smartclose.ErrInsufficientPosition)
		}
		legs = []smartclose.Leg{{Offset: event.OffsetCloseYesterday, Volume: req.Volume}}
	default:
		return nil, fmt.Errorf("unknown offset %q", req.Offset)
	}

	if err := m.ledger.Freeze(ctx, req.Symbol, posSide, req.Volume); err != nil {
		return nil, err
	}
	return legs, nil
}

// handleCancelRequest emits a cancel command. Cancels are
// fire-and-forget: the resulting transition arrives later on the
// status channel.
func (m *Manager) handleCancelRequest(ctx context.Context, req event.CancelRequest) error {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	o, ok := m.orders[req.OrderID]
	terminal := !ok || o.Status.Terminal()
	m.mu.Unlock()

	if terminal {
		m.logger.Info("cancel for terminal order is a no-op",
			zap.String("request_id", req.RequestID),
			zap.String("order_id", req.OrderID),
		)
		return m.enqueueStatus(ctx, event.KindCancelAck, req.RequestID, event.CancelAck{
			RequestID:       req.RequestID,
			OrderID:         req.OrderID,
			AlreadyTerminal: true,
			TsUnixMillis:    now,
		})
	}

	// No cancel commands queue up toward a dead link; the order is
	// already flagged unconfirmed and the strategy may retry.
	if !m.gate.Connected() {
		m.logger.Warn("cancel refused while gateway is down",
			zap.String("request_id", req.RequestID),
			zap.String("order_id", req.OrderID),
		)
		return m.enqueueStatus(ctx, event.KindCancelAck, req.RequestID, event.CancelAck{
			RequestID:    req.RequestID,
			OrderID:      req.OrderID,
			Rejected:     true,
			Reason:       event.RejectGatewayUnavailable,
			TsUnixMillis: now,
		})
	}

	cmd := event.CommandData{
		CmdType:      event.CmdCancelOrder,
		RequestID:    req.RequestID,
		OrderID:      req.OrderID,
		Symbol:       req.Symbol,
		TsUnixMillis: now,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal cancel command: %w", err)
	}
	if err := m.outbox.Enqueue(ctx, uuid.New().String(), event.StreamCmd, cmd.OrderID, payload); err != nil {
		return fmt.Errorf("failed to enqueue cancel command: %w", err)
	}

	return m.enqueueStatus(ctx, event.KindCancelAck, req.RequestID, event.CancelAck{
		RequestID:    req.RequestID,
		OrderID:      req.OrderID,
		TsUnixMillis: now,
	})
}

// applyStatus applies one gateway order record to the state machine.
func (m *Manager) applyStatus(ctx context.Context, od event.OrderData) error {
	m.mu.Lock()
	o, ok := m.orders[od.OrderID]
	if !ok {
		// Gateway knows an order this process does not, e.g. placed
		// before a crash that predates the snapshot. Adopt it.
		m.logger.Warn("adopting unknown order from gateway",
			zap.String("order_id", od.OrderID),
			zap.String("status", string(od.Status)),
		)
		adopted := od
		m.orders[od.OrderID] = &adopted
		if od.RequestID != "" {
			m.byRequest[od.RequestID] = append(m.byRequest[od.RequestID], od.OrderID)
		}
		m.refreshOpenOrdersLocked()
		snapshot := adopted
		m.mu.Unlock()
		return m.republishOrder(ctx, snapshot)
	}

	if o.Status.Terminal() {
		m.mu.Unlock()
		m.logger.Warn("status record for terminal order ignored",
			zap.String("order_id", od.OrderID),
			zap.String("terminal", string(o.Status)),
			zap.String("incoming", string(od.Status)),
		)
		return nil
	}

	if !canTransition(o.Status, od.Status) {
		m.mu.Unlock()
		m.logger.Warn("invalid status transition ignored",
			zap.String("order_id", od.OrderID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(od.Status)),
		)
		return nil
	}

	if od.TradedVolume < o.TradedVolume {
		m.mu.Unlock()
		m.logger.Warn("non-monotonic traded volume ignored",
			zap.String("order_id", od.OrderID),
			zap.Int64("have", o.TradedVolume),
			zap.Int64("incoming", od.TradedVolume),
		)
		return nil
	}

	wasClose := o.Offset.IsClose()
	remaining := o.Volume - od.TradedVolume
	o.Status = od.Status
	o.TradedVolume = od.TradedVolume
	o.Unconfirmed = false
	o.TsUnixMillis = od.TsUnixMillis
	snapshot := *o
	m.refreshOpenOrdersLocked()
	m.mu.Unlock()

	// A dead close order releases whatever reservation it still holds.
	if wasClose && (od.Status == event.StatusCancelled || od.Status == event.StatusRejected) && remaining > 0 {
		posSide := snapshot.Direction.Opposite()
		if err := m.ledger.Unfreeze(ctx, snapshot.Symbol, posSide, remaining); err != nil {
			m.logger.Error("failed to unfreeze after terminal close order",
				zap.String("order_id", snapshot.OrderID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("order status applied",
		zap.String("order_id", snapshot.OrderID),
		zap.String("status", string(snapshot.Status)),
		zap.Int64("traded", snapshot.TradedVolume),
	)

	return m.republishOrder(ctx, snapshot)
}

// applyTrade applies one confirmed fill: ledger first, then the order's
// traded volume, then the normalized republish.
func (m *Manager) applyTrade(ctx context.Context, tr event.TradeData) error {
	dup, err := m.dedupe.MarkTrade(ctx, tr.TradeID, tr.OrderID)
	if err != nil {
		return fmt.Errorf("failed to dedupe trade %s: %w", tr.TradeID, err)
	}
	if dup {
		m.logger.Info("duplicate trade ignored", zap.String("trade_id", tr.TradeID))
		return nil
	}

	pos, err := m.ledger.ApplyTrade(ctx, tr)
	if err != nil {
		// A confirmed fill the ledger cannot book means the position
		// baseline has diverged from the exchange; replaying it cannot
		// help. Keep the alarm loud and move on.
		m.logger.Error("ledger refused confirmed trade",
			zap.String("trade_id", tr.TradeID),
			zap.String("order_id", tr.OrderID),
			zap.Error(err),
		)
		return nil
	}

	m.mu.Lock()
	var orderSnapshot *event.OrderData
	if o, ok := m.orders[tr.OrderID]; ok && !o.Status.Terminal() {
		o.TradedVolume += tr.Volume
		if o.TradedVolume > o.Volume {
			o.TradedVolume = o.Volume
		}
		if o.TradedVolume == o.Volume {
			o.Status = event.StatusAllTraded
		} else {
			o.Status = event.StatusPartTraded
		}
		o.Unconfirmed = false
		o.TsUnixMillis = tr.TsUnixMillis
		snap := *o
		orderSnapshot = &snap
		if tr.StrategyID == "" {
			tr.StrategyID = o.StrategyID
		}
	}
	m.refreshOpenOrdersLocked()
	m.mu.Unlock()

	observability.TradesApplied.Inc()
	m.logger.Info("trade applied",
		zap.String("trade_id", tr.TradeID),
		zap.String("order_id", tr.OrderID),
		zap.Int64("volume", tr.Volume),
	)

	if err := m.enqueueStream(ctx, event.StreamTrade, event.KindTradeUpdate, tr.TradeID, tr); err != nil {
		return err
	}

	if err := m.enqueueStream(ctx, event.StreamPosition, event.KindPosition,
		pos.Symbol+"/"+string(pos.Direction), pos); err != nil {
		return err
	}

	if orderSnapshot != nil {
		return m.republishOrder(ctx, *orderSnapshot)
	}
	return nil
}

func validateRequest(req event.OrderRequest) error {
	if req.RequestID == "" {
		return errors.New("request_id cannot be empty")
	}
	if req.Symbol == "" {
		return errors.New("symbol cannot be empty")
	}
	if req.Volume <= 0 {
		return errors.New("volume must be greater than 0")
	}
	if req.OrderType == event.OrderTypeLimit && !req.Price.IsPositive() {
		return errors.New("limit price must be greater than 0")
	}
	return nil
}

// reject acks a rejection without recording the request id, so the
// same id may be resubmitted once the condition clears.
func (m *Manager) reject(ctx context.Context, req event.OrderRequest, reason event.RejectReason) error {
	observability.OrdersRejected.WithLabelValues(string(reason)).Inc()
	m.logger.Info("order request rejected",
		zap.String("request_id", req.RequestID),
		zap.String("reason", string(reason)),
	)
	return m.ack(ctx, event.RequestAck{
		RequestID:    req.RequestID,
		StrategyID:   req.StrategyID,
		Accepted:     false,
		Reason:       reason,
		TsUnixMillis: time.Now().UnixMilli(),
	})
}

func (m *Manager) ack(ctx context.Context, ack event.RequestAck) error {
	return m.enqueueStatus(ctx, event.KindRequestAck, ack.RequestID, ack)
}

func (m *Manager) republishOrder(ctx context.Context, od event.OrderData) error {
	return m.enqueueStatus(ctx, event.KindOrderUpdate, od.OrderID, od)
}

func (m *Manager) enqueueStatus(ctx context.Context, kind, key string, payload any) error {
	return m.enqueueStream(ctx, event.StreamOrderStatus, kind, key, payload)
}

func (m *Manager) enqueueStream(ctx context.Context, channel, kind, key string, payload any) error {
	data, err := event.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := m.outbox.Enqueue(ctx, uuid.New().String(), channel, key, data); err != nil {
		return fmt.Errorf("failed to enqueue %s on %s: %w", kind, channel, err)
	}
	return nil
}
