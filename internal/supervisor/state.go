package supervisor

// State is the supervisor's position in the backend lifecycle.
type State int

const (
	StateStarting State = iota
	StateReady
	StateDegraded // a poll failed; restarting or waiting for recovery
	StateFailed   // terminal, no further probing
	StateStopped  // shutdown has begun
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateFailed || s == StateStopped }
