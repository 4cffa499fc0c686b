package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/gamekeeper/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New opens a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; the daemon and the cron runner share it
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout=3000;`,
		`CREATE TABLE IF NOT EXISTS server_history(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			type TEXT NOT NULL,
			server TEXT NOT NULL,
			pid INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			message TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_history_server ON server_history(server, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(id, occurred_at, type, server, pid, generation, state, exit_code, message, size_bytes)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.Server, e.PID, int64(e.Generation), e.State, e.ExitCode, e.Message, e.SizeBytes)
	return err
}

// Recent returns the newest events for server, newest first. An empty server
// matches every server.
func (s *Sink) Recent(ctx context.Context, server string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, type, server, pid, generation, state, exit_code, COALESCE(message, ''), size_bytes
		FROM server_history
		WHERE (? = '' OR server = ?)
		ORDER BY occurred_at DESC
		LIMIT ?;`, server, server, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e   history.Event
			typ string
			gen int64
			at  time.Time
		)
		if err := rows.Scan(&e.ID, &at, &typ, &e.Server, &e.PID, &gen, &e.State, &e.ExitCode, &e.Message, &e.SizeBytes); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Generation = uint64(gen)
		e.OccurredAt = at.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
