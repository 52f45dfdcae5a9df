package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/status"
)

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	for _, s := range []status.BackendStatus{
		status.NotReady(8080, ""),
		status.Ready(8080),
		status.NotReady(8080, "crashed, restarting (attempt 1)"),
	} {
		if err := sink.Send(ctx, history.FromStatus(s, "ready", 123, now)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// reopen: data and schema persist
	sink, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}

	var msg *string
	row := sink.db.QueryRowContext(ctx, `SELECT error FROM `+history.Table+` WHERE error IS NOT NULL`)
	if err := row.Scan(&msg); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if msg == nil || *msg != "crashed, restarting (attempt 1)" {
		t.Fatalf("error column = %v", msg)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()
	ctx := context.Background()
	if err := sink.Send(ctx, history.FromStatus(status.Ready(1), "ready", 1, time.Now())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n, _ := sink.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestSQLiteSink_CancelledContext(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.FromStatus(status.Ready(1), "", 0, time.Now())); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error")
	}
}
