package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/status"
)

const sendTimeout = 5 * time.Second

// Recorder is a status.Publisher that journals every status to its sinks on
// a background goroutine. Publish never blocks; when the buffer is full the
// event is dropped and logged.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
	// State and PID, when set, annotate events with supervisor details.
	State func() string
	PID   func() int

	ch        chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewRecorder starts a recorder over sinks with the given buffer size.
func NewRecorder(sinks []Sink, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks: sinks,
		log:   log.With("component", "history"),
		ch:    make(chan Event, buffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) Publish(s status.BackendStatus) {
	state, pid := "", 0
	if r.State != nil {
		state = r.State()
	}
	if r.PID != nil {
		pid = r.PID()
	}
	e := FromStatus(s, state, pid, time.Now())

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history buffer full, dropping event", "ready", e.Ready)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Error("history sink failed", "sink", sinkName(s), "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		r.wg.Wait()
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if cerr := c.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
		}
	})
	return err
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}
