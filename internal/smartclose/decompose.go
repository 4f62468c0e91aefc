// Package smartclose decomposes a close request into same-day and
// prior-day legs. Same-day lots are consumed first because the exchange
// fees closing them below carried lots.
package smartclose

import (
	"errors"
	"fmt"

	"github.com/quantfork/tradelink/internal/event"
)

// ErrInsufficientPosition means the requested volume exceeds the
// position's available (unfrozen) lots. No partial plan is produced.
var ErrInsufficientPosition = errors.New("insufficient position")

// Leg is one slice of a close plan.
type Leg struct {
	Offset event.Offset
	Volume int64
}

// Decompose splits a close of volume lots against the given position
// snapshot into an ordered list of legs, same-day first. It is pure: it
// never mutates the snapshot, and reservation happens separately via
// the ledger's freeze once the plan is accepted.
func Decompose(pos event.PositionEntry, volume int64) ([]Leg, error) {
	if volume <= 0 {
		return nil, fmt.Errorf("close volume must be positive, got %d", volume)
	}

	available := pos.TotalVolume - pos.FrozenVolume
	if volume > available {
		return nil, fmt.Errorf("close %d exceeds available %d (total %d, frozen %d): %w",
			volume, available, pos.TotalVolume, pos.FrozenVolume, ErrInsufficientPosition)
	}

	legs := make([]Leg, 0, 2)

	today := min64(volume, pos.TodayVolume)
	if today > 0 {
		legs = append(legs, Leg{Offset: event.OffsetCloseToday, Volume: today})
	}

	if rest := volume - today; rest > 0 {
		legs = append(legs, Leg{Offset: event.OffsetCloseYesterday, Volume: rest})
	}

	return legs, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
