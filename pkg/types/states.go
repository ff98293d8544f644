package types

import "github.com/snowbridge/snowbridge/pkg/errdefs"

// Ticket state codes are string-encoded integers matching the upstream
// state machine. The generic set applies to incidents.
const (
	StateNew        = "1"
	StateInProgress = "2"
	StateOnHold     = "3"
	StateResolved   = "6"
	StateClosed     = "7"
	StateCancelled  = "8"
	StateAssigned   = "18"
)

// stateNames maps state codes to display names per table.
var stateNames = map[Table]map[string]string{
	TableIncident: {
		"1": "New", "2": "In Progress", "3": "On Hold",
		"6": "Resolved", "7": "Closed", "8": "Cancelled", "18": "Assigned",
	},
	TableChangeTask: {
		"-5": "Pending", "1": "Open", "2": "Assigned", "3": "In Progress",
		"4": "Closed Complete", "7": "Closed Skipped", "8": "Closed Incomplete",
	},
	TableSCTask: {
		"-5": "Pending", "1": "Open", "2": "Assigned", "3": "In Progress",
		"4": "Closed Complete", "7": "Closed Skipped",
	},
}

// StateName returns the display name for a state code, or the code itself
// when unknown.
func StateName(table Table, state string) string {
	if name, ok := stateNames[table][state]; ok {
		return name
	}
	return state
}

// allowedTransitions is the edge set enforced on mutating actions.
var allowedTransitions = map[string][]string{
	"1": {"2", "6"},
	"2": {"3", "6"},
	"3": {"2", "6"},
	"6": {"7", "2"},
	"7": {"2"},
}

// ValidateTransition rejects any (from, to) pair outside the allowed edges.
// The error names both the current and the requested state.
func ValidateTransition(table Table, from, to string) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return errdefs.Validation("illegal transition from %s (%s) to %s (%s)",
		from, StateName(table, from), to, StateName(table, to))
}

// Terminal reports whether a state counts as resolved or closed for
// freshness and SLA purposes.
func Terminal(state string) bool {
	return state == StateResolved || state == StateClosed
}
