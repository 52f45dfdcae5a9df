package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/status"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (m *memSink) Send(_ context.Context, e Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFromStatusCopiesError(t *testing.T) {
	s := status.NotReady(8080, "restart limit reached")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	e := FromStatus(s, "failed", 77, at)
	if e.Ready || e.Port != 8080 || e.PID != 77 || e.State != "failed" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Error == nil || *e.Error != "restart limit reached" || e.Error == s.Error {
		t.Fatalf("error not copied: %v", e.Error)
	}
	if e.OccurredAt.Location() != time.UTC {
		t.Fatalf("timestamp not UTC")
	}
	if FromStatus(status.Ready(1), "ready", 0, at).Error != nil {
		t.Fatalf("ready event must have nil error")
	}
}

func TestRecorderFansOutAndFlushes(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("db down")}
	r := NewRecorder([]Sink{a, b}, 8, quiet())
	r.State = func() string { return "ready" }
	r.PID = func() int { return 42 }

	r.Publish(status.NotReady(9000, ""))
	r.Publish(status.Ready(9000))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, s := range []*memSink{a, b} {
		got := s.snapshot()
		if len(got) != 2 || got[0].Ready || !got[1].Ready || got[1].PID != 42 || got[1].State != "ready" {
			t.Fatalf("unexpected events %+v", got)
		}
		if !s.closed {
			t.Fatalf("sink not closed")
		}
	}
	// publishing after close is ignored
	r.Publish(status.Ready(9000))
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	s := &memSink{block: block}
	r := NewRecorder([]Sink{s}, 1, quiet())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.Publish(status.Ready(1))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a slow sink")
	}
	close(block)
	_ = r.Close()
	if n := len(s.snapshot()); n >= 10 || n == 0 {
		t.Fatalf("expected some events dropped, got %d delivered", n)
	}
}
