package pipeline

// State is the position of a connection in the pipeline.
type State int

const (
	StateAccepted State = iota
	StateHandshaking
	StateIdentityPending
	StateServing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateIdentityPending:
		return "identity_pending"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

var transitions = map[State][]State{
	StateAccepted:        {StateHandshaking},
	StateHandshaking:     {StateIdentityPending, StateAborted},
	StateIdentityPending: {StateServing, StateAborted},
	StateServing:         {StateClosed},
}

// CanTransition reports whether a connection in state s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
