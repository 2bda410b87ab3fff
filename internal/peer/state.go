package peer

// State is the lifecycle state of one peer session.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateNew:        {StateOffering, StateAnswering, StateFailed, StateClosed},
	StateOffering:   {StateConnecting, StateFailed, StateClosed},
	StateAnswering:  {StateConnecting, StateFailed, StateClosed},
	StateConnecting: {StateConnected, StateFailed, StateClosed},
	StateConnected:  {StateClosed},
}

// canTransition reports whether from -> to is an edge of the state machine.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
