package lifecycle

import "github.com/quantfork/tradelink/internal/event"

// validNext lists the permitted status transitions. Terminal states
// have no successors; a gateway record that contradicts the table is
// logged and discarded, never applied.
var validNext = map[event.OrderStatus]map[event.OrderStatus]bool{
	event.StatusSubmitting: {
		event.StatusNotTraded:  true,
		event.StatusPartTraded: true,
		event.StatusAllTraded:  true,
		event.StatusCancelled:  true,
		event.StatusRejected:   true,
	},
	event.StatusNotTraded: {
		event.StatusNotTraded:  true,
		event.StatusPartTraded: true,
		event.StatusAllTraded:  true,
		event.StatusCancelled:  true,
		event.StatusRejected:   true,
	},
	event.StatusPartTraded: {
		event.StatusPartTraded: true,
		event.StatusAllTraded:  true,
		event.StatusCancelled:  true,
	},
	event.StatusAllTraded: {},
	event.StatusCancelled: {},
	event.StatusRejected:  {},
}

func canTransition(from, to event.OrderStatus) bool {
	return validNext[from][to]
}
