package history

import (
	"context"
	"time"

	"github.com/loykin/sidecar/internal/status"
)

// Table is the journal table every database sink writes to.
const Table = "backend_status_history"

// Event is one published backend status transition.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Port       uint16    `json:"port"`
	PID        int       `json:"pid"`
	Ready      bool      `json:"ready"`
	State      string    `json:"state"`
	Error      *string   `json:"error"`
}

// FromStatus builds an Event for s at time at.
func FromStatus(s status.BackendStatus, state string, pid int, at time.Time) Event {
	e := Event{OccurredAt: at.UTC(), Port: s.Port, PID: pid, Ready: s.Ready, State: state}
	if s.Error != nil {
		msg := *s.Error
		e.Error = &msg
	}
	return e
}

// Sink is a destination for journal events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
