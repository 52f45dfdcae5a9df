// Package relay drains a backend's event stream into the log.
package relay

import (
	"io"
	"log/slog"

	"github.com/loykin/sidecar/internal/process"
)

// Relay forwards one process generation's output. Stdout and Stderr, when
// set, additionally receive the raw lines (e.g. rotating log files).
type Relay struct {
	Log    *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// Start consumes h's events in a new goroutine until the termination event or
// the stream closes. The returned channel is closed when the relay ends.
func (r Relay) Start(h process.Handle) <-chan struct{} {
	done := make(chan struct{})
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pid", h.PID())
	go func() {
		defer close(done)
		r.drain(log, h.Events())
	}()
	return done
}

func (r Relay) drain(log *slog.Logger, events <-chan process.Event) {
	for ev := range events {
		switch ev.Kind {
		case process.EventStdout:
			log.Info(ev.Line, "stream", "stdout")
			writeLine(r.Stdout, ev.Line)
		case process.EventStderr:
			log.Error(ev.Line, "stream", "stderr")
			writeLine(r.Stderr, ev.Line)
		case process.EventError:
			log.Error("backend output error", "error", ev.Err)
		case process.EventTerminated:
			attrs := []any{"code", ev.Code}
			if ev.Signal != "" {
				attrs = append(attrs, "signal", ev.Signal)
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			log.Warn("backend terminated", attrs...)
			return
		}
	}
}

func writeLine(w io.Writer, line string) {
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, line+"\n")
}
