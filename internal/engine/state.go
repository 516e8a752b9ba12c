package engine

import "fmt"

// State is the lifecycle state of a call session. All mutations go through
// Session.transition, which rejects anything not in the table below.
type State int

const (
	StateIdle State = iota
	StatePermissionCheck
	StateNegotiating
	StateRinging
	StateRingingInbound
	StateActive
	StateEnded
	StateFailed
)

// String returns the status string stored on call records.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePermissionCheck:
		return "permission_check"
	case StateNegotiating:
		return "negotiating"
	case StateRinging:
		return "ringing"
	case StateRingingInbound:
		return "ringing_inbound"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// validNext lists the allowed transitions. Failed is reachable from any
// non-terminal state and is handled separately in canTransition.
var validNext = map[State][]State{
	StateIdle:            {StatePermissionCheck, StateRingingInbound},
	StatePermissionCheck: {StateNegotiating},
	StateNegotiating:     {StateRinging, StateEnded},
	StateRinging:         {StateActive, StateEnded},
	StateRingingInbound:  {StateActive, StateEnded},
	StateActive:          {StateEnded},
}

// canTransition reports whether from -> to is a legal lifecycle move.
func canTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
