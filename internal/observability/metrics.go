package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics shared across the services. Registered on the
// default registry and served from /metrics by the health server.
var (
	// RecordsAppended counts records accepted onto durable-log channels.
	RecordsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradelink_records_appended_total",
		Help: "Records appended to durable-log channels.",
	}, []string{"channel"})

	// RecordsEvicted counts force-dropped records under consumer lag.
	RecordsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradelink_records_evicted_total",
		Help: "Durable-log records force-dropped past the retention hard cap.",
	}, []string{"channel"})

	// BroadcastDropped counts broadcast records lost to full subscriber buffers.
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradelink_broadcast_dropped_total",
		Help: "Broadcast records dropped because a subscriber buffer was full.",
	}, []string{"channel"})

	// GatewayConnected is 1 while the exchange link is up.
	GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradelink_gateway_connected",
		Help: "Whether the exchange gateway connection is established.",
	})

	// OrdersRejected counts locally rejected order requests by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradelink_orders_rejected_total",
		Help: "Order requests rejected before reaching the gateway.",
	}, []string{"reason"})

	// TradesApplied counts fills booked into the position ledger.
	TradesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradelink_trades_applied_total",
		Help: "Confirmed trades applied to the position ledger.",
	})

	// OpenOrders tracks non-terminal orders owned by the lifecycle manager.
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradelink_open_orders",
		Help: "Orders not yet in a terminal state.",
	})
)
