// Package history provides a WAL-mode SQLite-backed record of spawn
// outcomes. It is not a delivery queue: records exist only so an operator
// (or the status API) can ask what the daemon launched, when, as whom, and
// whether the launch succeeded.
//
// The database is opened with PRAGMA journal_mode = WAL. All access goes
// through a single pooled connection, so the status server's reads and the
// dispatch goroutine's writes are serialised. A retention
// cap keeps the file bounded; the oldest rows are trimmed as new ones land.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

const ddl = `
CREATE TABLE IF NOT EXISTS spawns (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	ts       TEXT    NOT NULL,
	uri      TEXT    NOT NULL,
	username TEXT    NOT NULL,
	command  TEXT    NOT NULL,
	event    TEXT    NOT NULL,
	object   TEXT    NOT NULL,
	pid      INTEGER NOT NULL DEFAULT 0,
	error    TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS spawns_ts ON spawns (ts);
`

// SpawnRecord is one spawn outcome.
type SpawnRecord struct {
	Timestamp time.Time `json:"ts"`
	URI       string    `json:"uri"`
	User      string    `json:"user"`
	Command   string    `json:"command"`
	Event     string    `json:"event"`
	Object    string    `json:"object"`
	PID       int       `json:"pid"`
	Error     string    `json:"error,omitempty"`
}

// Store is the spawn history database. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	retain int
}

// Open opens (or creates) the database at path and applies the schema.
// retain caps the number of rows kept; 0 or negative means unlimited.
// ":memory:" is accepted for tests.
func Open(path string, retain int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises writers without "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &Store{db: db, retain: retain}, nil
}

// Record appends one spawn outcome and trims rows past the retention cap.
func (s *Store) Record(ctx context.Context, r SpawnRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spawns (ts, uri, username, command, event, object, pid, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339), r.URI, r.User, r.Command,
		r.Event, r.Object, r.PID, r.Error)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	if s.retain > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM spawns WHERE id <= (SELECT MAX(id) FROM spawns) - ?`,
			s.retain); err != nil {
			return fmt.Errorf("history: trim: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]SpawnRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, uri, username, command, event, object, pid, error
		 FROM spawns ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []SpawnRecord
	for rows.Next() {
		var r SpawnRecord
		var ts string
		if err := rows.Scan(&ts, &r.URI, &r.User, &r.Command, &r.Event, &r.Object, &r.PID, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.Timestamp = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records currently stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spawns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
