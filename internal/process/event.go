package process

// EventKind enumerates what a running backend can report.
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventError
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventError:
		return "error"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event is one item of a process's output stream. Line is set for stdout and
// stderr, Err for EventError, Code and Signal for EventTerminated.
type Event struct {
	Kind   EventKind
	Line   string
	Err    error
	Code   int    // exit code, -1 when killed by a signal
	Signal string // empty unless the process was signalled
}
