package event

// Durable-log channel names. Records on these channels are retained up
// to the broker's retention bound and delivered per consumer group.
const (
	StreamTrade       = "stream:trade"
	StreamPosition    = "stream:position"
	StreamOrderStatus = "stream:order_status"
	StreamOrder       = "stream:order"
	StreamCmd         = "stream:cmd"
)

// Broadcast channel prefixes. No retention, no redelivery: a subscriber
// that is not listening misses the record.
const (
	prefixTick = "tick:"
	prefixBar  = "bar:"

	// ChannelConnectivity carries gateway connection state changes.
	ChannelConnectivity = "conn:gateway"
)

// Consumer groups, one per logical subscriber service per channel.
const (
	GroupTrading  = "group:trading"
	GroupStrategy = "group:strategy"
	GroupGateway  = "group:gateway"
	GroupMarket   = "group:market"
)

// TickChannel returns the broadcast channel for a symbol's ticks.
func TickChannel(symbol string) string { return prefixTick + symbol }

// BarChannel returns the broadcast channel for a symbol's bars.
func BarChannel(symbol string) string { return prefixBar + symbol }
