package domain

import "fmt"

// Status is the lifecycle state of an order.
type Status string

// Order lifecycle states. The forward chain is strictly ordered;
// StatusFailed is reachable from any non-terminal state.
const (
	StatusPending       Status = "pending"
	StatusRouting       Status = "routing"
	StatusRouteSelected Status = "route_selected"
	StatusBuilding      Status = "building"
	StatusSubmitted     Status = "submitted"
	StatusConfirmed     Status = "confirmed"
	StatusFailed        Status = "failed"
)

// forwardChain lists the successful lifecycle in order.
var forwardChain = []Status{
	StatusPending,
	StatusRouting,
	StatusRouteSelected,
	StatusBuilding,
	StatusSubmitted,
	StatusConfirmed,
}

// Rank returns the position of s in the forward chain.
// StatusFailed ranks after every forward status; unknown statuses return -1.
func (s Status) Rank() int {
	for i, st := range forwardChain {
		if st == s {
			return i
		}
	}
	if s == StatusFailed {
		return len(forwardChain)
	}
	return -1
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// CanTransition reports whether an order in state from may move to state to.
// Only the immediate successor or StatusFailed (from a non-terminal state) is allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.Rank() == from.Rank()+1
}

// Predecessors returns every status from which to is directly reachable.
func Predecessors(to Status) []Status {
	var out []Status
	for _, st := range forwardChain {
		if CanTransition(st, to) {
			out = append(out, st)
		}
	}
	return out
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
