// Package exchange defines the black-box link to the exchange side and
// a deterministic simulator of it. The wire protocol behind the link is
// out of scope; the gateway only sees this interface.
package exchange

import (
	"context"
	"errors"

	"github.com/quantfork/tradelink/internal/event"
)

// ErrLinkDown means the exchange connection is not established.
var ErrLinkDown = errors.New("exchange link down")

// Handlers receive inbound exchange data. The link calls them from its
// own goroutines; handlers must not block.
type Handlers struct {
	OnTick  func(event.TickData)
	OnOrder func(event.OrderData)
	OnTrade func(event.TradeData)
}

// Link is the exchange connection the gateway drives.
type Link interface {
	// Connect (re)establishes the session. The connection tracker calls
	// it from its reconnect loop.
	Connect(ctx context.Context) error

	// Heartbeat probes session liveness. An error marks the link down.
	Heartbeat(ctx context.Context) error

	// SendOrder submits one order leg to the exchange.
	SendOrder(ctx context.Context, cmd event.CommandData) error

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID string) error

	// Positions returns the exchange-side position baseline.
	Positions(ctx context.Context) ([]event.PositionEntry, error)

	// OpenOrders returns exchange-side orders not yet terminal.
	OpenOrders(ctx context.Context) ([]event.OrderData, error)

	Close() error
}
