// Package freshness decides how long a cached ticket stays servable and how
// urgently a stale one should be refreshed. The policy is a pure function of
// (state, priority, age); both the hybrid read path and the sync engine's
// incremental prioritizer consult it.
package freshness

import (
	"time"

	"github.com/snowbridge/snowbridge/pkg/types"
)

// RefreshPriority orders stale tickets for the incremental-scan prioritizer.
type RefreshPriority int

const (
	RefreshLow RefreshPriority = iota
	RefreshMedium
	RefreshHigh
)

func (p RefreshPriority) String() string {
	switch p {
	case RefreshLow:
		return "low"
	case RefreshMedium:
		return "medium"
	case RefreshHigh:
		return "high"
	}
	return "unknown"
}

// Decision is the policy output for one ticket.
type Decision struct {
	TTL      time.Duration
	Priority RefreshPriority
}

// Eval maps a ticket to its TTL and refresh priority. Conditions are checked
// in order: terminal state first, then priority bands.
func Eval(t *types.Ticket) Decision {
	switch {
	case types.Terminal(t.State):
		return Decision{TTL: 60 * time.Minute, Priority: RefreshLow}
	case t.Priority == 1:
		return Decision{TTL: 1 * time.Minute, Priority: RefreshHigh}
	case t.Priority == 2:
		return Decision{TTL: 2 * time.Minute, Priority: RefreshHigh}
	default:
		return Decision{TTL: 5 * time.Minute, Priority: RefreshMedium}
	}
}

// IsFresh reports whether the ticket's last update is within its TTL.
func IsFresh(t *types.Ticket, now time.Time) bool {
	return now.Sub(t.UpdatedAt) < Eval(t).TTL
}

// ShouldRefresh is the complement of IsFresh.
func ShouldRefresh(t *types.Ticket, now time.Time) bool {
	return !IsFresh(t, now)
}
