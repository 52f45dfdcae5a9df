package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/sidecar/internal/history"
)

// Options selects the ClickHouse server and table. Zero fields use defaults.
type Options struct {
	Addr     string // host:port of the native protocol, default localhost:9000
	Database string
	Username string
	Password string
	Table    string // default history.Table
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Addr == "" {
		o.Addr = "localhost:9000"
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = history.Table
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) Name() string { return "clickhouse" }

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(6),
			port UInt16,
			pid Int64,
			ready Bool,
			state String,
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY occurred_at`)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, port, pid, ready, state, error) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		e.Port,
		int64(e.PID),
		e.Ready,
		e.State,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
