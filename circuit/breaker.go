package circuit

import "time"

// State defines the current mode of a single breaker: closed, open or
// half-open.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker holds the failure history of one logical service. Access is
// serialized by the owning registry.
type breaker struct {
	failures    int
	lastFailure time.Time
	state       State
}

// Status is a read-only copy of a breaker's state, used by the
// circuit-status diagnostic endpoint.
type Status struct {
	State       string    `json:"state"`
	Failures    int       `json:"failureCount"`
	LastFailure time.Time `json:"lastFailure"`
}

func (b *breaker) status() Status {
	return Status{
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}
