package event

import "github.com/shopspring/decimal"

// Direction is the side of an order or position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Offset distinguishes opening trades from the three close variants.
type Offset string

const (
	OffsetOpen           Offset = "OPEN"
	OffsetClose          Offset = "CLOSE"
	OffsetCloseToday     Offset = "CLOSE_TODAY"
	OffsetCloseYesterday Offset = "CLOSE_YESTERDAY"
)

// IsClose reports whether the offset closes position.
func (o Offset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusSubmitting OrderStatus = "SUBMITTING"
	StatusNotTraded  OrderStatus = "NOTTRADED"
	StatusPartTraded OrderStatus = "PARTTRADED"
	StatusAllTraded  OrderStatus = "ALLTRADED"
	StatusCancelled  OrderStatus = "CANCELLED"
	StatusRejected   OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final and never revised.
func (s OrderStatus) Terminal() bool {
	return s == StatusAllTraded || s == StatusCancelled || s == StatusRejected
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// CmdType identifies a gateway command.
type CmdType string

const (
	CmdSendOrder   CmdType = "SEND_ORDER"
	CmdCancelOrder CmdType = "CANCEL_ORDER"
)

// RejectReason is returned to strategies on the order-status channel.
type RejectReason string

const (
	RejectGatewayUnavailable   RejectReason = "GATEWAY_UNAVAILABLE"
	RejectInsufficientPosition RejectReason = "INSUFFICIENT_POSITION"
	RejectDuplicateRequest     RejectReason = "DUPLICATE_REQUEST"
	RejectInvalidRequest       RejectReason = "INVALID_REQUEST"
)

// TickData is an immutable top-of-book snapshot published on tick:{symbol}.
type TickData struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	BidVolume    int64           `json:"bid_volume"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	AskVolume    int64           `json:"ask_volume"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	HighPrice    decimal.Decimal `json:"high_price"`
	LowPrice     decimal.Decimal `json:"low_price"`
	ClosePrice   decimal.Decimal `json:"close_price"`
	LimitUp      decimal.Decimal `json:"limit_up"`
	LimitDown    decimal.Decimal `json:"limit_down"`
	TsUnixMillis int64           `json:"ts_unix_millis"`
}

// BarData is an aggregated interval bar published on bar:{symbol}.
type BarData struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Interval     string          `json:"interval"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	HighPrice    decimal.Decimal `json:"high_price"`
	LowPrice     decimal.Decimal `json:"low_price"`
	ClosePrice   decimal.Decimal `json:"close_price"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	TsUnixMillis int64           `json:"ts_unix_millis"`
}

// OrderRequest is a strategy's order submission. RequestID is the
// idempotency key: a duplicate request id is dropped, never re-executed.
type OrderRequest struct {
	RequestID    string          `json:"request_id"`
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Direction    Direction       `json:"direction"`
	Offset       Offset          `json:"offset"`
	OrderType    OrderType       `json:"order_type"`
	Price        decimal.Decimal `json:"price"`
	Volume       int64           `json:"volume"`
	TsUnixMillis int64           `json:"ts_unix_millis"`
}

// CancelRequest asks the lifecycle manager to cancel an order.
type CancelRequest struct {
	RequestID    string `json:"request_id"`
	StrategyID   string `json:"strategy_id"`
	OrderID      string `json:"order_id"`
	Symbol       string `json:"symbol"`
	TsUnixMillis int64  `json:"ts_unix_millis"`
}

// OrderData is the canonical order state owned by the lifecycle manager.
type OrderData struct {
	OrderID      string          `json:"order_id"`
	RequestID    string          `json:"request_id"`
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Direction    Direction       `json:"direction"`
	Offset       Offset          `json:"offset"`
	OrderType    OrderType       `json:"order_type"`
	Price        decimal.Decimal `json:"price"`
	Volume       int64           `json:"volume"`
	TradedVolume int64           `json:"traded_volume"`
	Status       OrderStatus     `json:"status"`
	Unconfirmed  bool            `json:"unconfirmed"`
	TsUnixMillis int64           `json:"ts_unix_millis"`
}

// TradeData is an append-only fill fact, applied to the position ledger
// at most once per trade id.
type TradeData struct {
	TradeID      string          `json:"trade_id"`
	OrderID      string          `json:"order_id"`
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Direction    Direction       `json:"direction"`
	Offset       Offset          `json:"offset"`
	Price        decimal.Decimal `json:"price"`
	Volume       int64           `json:"volume"`
	TsUnixMillis int64           `json:"ts_unix_millis"`
}

// PositionEntry is the per-symbol, per-direction lot bookkeeping.
// TotalVolume == TodayVolume + YesterdayVolume always holds.
type PositionEntry struct {
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	Direction       Direction       `json:"direction"`
	TotalVolume     int64           `json:"total_volume"`
	TodayVolume     int64           `json:"today_volume"`
	YesterdayVolume int64           `json:"yesterday_volume"`
	FrozenVolume    int64           `json:"frozen_volume"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	TsUnixMillis    int64           `json:"ts_unix_millis"`
}

// Available returns the volume not reserved for pending closes.
func (p PositionEntry) Available() int64 {
	return p.TotalVolume - p.FrozenVolume
}

// CommandData is an instruction toward the gateway, consumed exactly
// once per request id.
type CommandData struct {
	CmdType      CmdType         `json:"cmd_type"`
	RequestID    string          `json:"request_id"`
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Direction    Direction       `json:"direction"`
	Offset       Offset          `json:"offset"`
	OrderType    OrderType       `json:"order_type"`
	Price        decimal.Decimal `json:"price"`
	Volume       int64           `json:"volume"`
	TsUnixMillis int64           `json:"ts_unix_millis"`
}

// RequestAck is the synchronous-style reply to a strategy submission,
// correlated by request id on the order-status channel.
type RequestAck struct {
	RequestID    string       `json:"request_id"`
	StrategyID   string       `json:"strategy_id"`
	Accepted     bool         `json:"accepted"`
	Reason       RejectReason `json:"reason,omitempty"`
	OrderIDs     []string     `json:"order_ids,omitempty"`
	TsUnixMillis int64        `json:"ts_unix_millis"`
}

// CancelAck reports the outcome of a cancel request. AlreadyTerminal is
// a no-op signal, not an error; Rejected means the cancel was refused
// before reaching the gateway and may be resubmitted.
type CancelAck struct {
	RequestID       string       `json:"request_id"`
	OrderID         string       `json:"order_id"`
	AlreadyTerminal bool         `json:"already_terminal"`
	Rejected        bool         `json:"rejected,omitempty"`
	Reason          RejectReason `json:"reason,omitempty"`
	TsUnixMillis    int64        `json:"ts_unix_millis"`
}

// ConnState is the gateway connection state.
type ConnState string

const (
	ConnConnected    ConnState = "CONNECTED"
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnReconnecting ConnState = "RECONNECTING"
)

// ConnectivityEvent announces a gateway connection state change.
type ConnectivityEvent struct {
	Gateway      string    `json:"gateway"`
	State        ConnState `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	TsUnixMillis int64     `json:"ts_unix_millis"`
}

// SessionRollover announces an exchange session boundary: today volume
// becomes yesterday volume for the named symbol (all symbols when empty).
type SessionRollover struct {
	Symbol       string `json:"symbol"`
	TsUnixMillis int64  `json:"ts_unix_millis"`
}
