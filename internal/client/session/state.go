package session

// State is the lifecycle of the event stream connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthorizing
	StateOpen
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosing},
	StateConnecting:   {StateAuthorizing, StateFailed, StateClosing},
	StateAuthorizing:  {StateOpen, StateFailed, StateClosing},
	StateOpen:         {StateClosing, StateFailed},
	StateClosing:      {StateDisconnected},
	StateFailed:       {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
