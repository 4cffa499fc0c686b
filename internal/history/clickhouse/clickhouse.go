package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/gamekeeper/internal/history"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options for the ClickHouse sink.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = "server_history"
	}
	if !identRe.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		id String,
		occurred_at DateTime64(6),
		type LowCardinality(String),
		server String,
		pid Int32,
		generation UInt64,
		state LowCardinality(String),
		exit_code Int32,
		message String,
		size_bytes Int64
	) ENGINE = MergeTree()
	ORDER BY (server, occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
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
	query := fmt.Sprintf(`INSERT INTO %s (id, occurred_at, type, server, pid, generation, state, exit_code, message, size_bytes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		e.ID,
		e.OccurredAt,
		string(e.Type),
		e.Server,
		int32(e.PID),
		e.Generation,
		e.State,
		int32(e.ExitCode),
		e.Message,
		e.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Recent returns the newest events for server, newest first.
func (s *Sink) Recent(ctx context.Context, server string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, occurred_at, type, server, pid, generation, state, exit_code, message, size_bytes
		FROM %s WHERE (? = '' OR server = ?) ORDER BY occurred_at DESC LIMIT ?`, s.table)
	rows, err := s.conn.Query(ctx, query, server, server, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e        history.Event
			typ      string
			pid      int32
			exitCode int32
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &typ, &e.Server, &pid, &e.Generation, &e.State, &exitCode, &e.Message, &e.SizeBytes); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.PID = int(pid)
		e.ExitCode = int(exitCode)
		out = append(out, e)
	}
	return out, rows.Err()
}
