package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite stores forwarded lines in a WAL-mode SQLite database. Rows stay
// pending until Ack is called, so a downstream shipper reading with Pending
// gets at-least-once delivery across its own restarts.
type SQLite struct {
	db    *sql.DB
	depth atomic.Int64
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS forwarded_lines (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id   TEXT    NOT NULL UNIQUE,
    path        TEXT    NOT NULL,
    line        TEXT    NOT NULL,
    received_at TEXT    NOT NULL,
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_forwarded_lines_pending
    ON forwarded_lines (delivered, id);
`

// OpenSQLite opens (or creates) the database at path. ":memory:" gives an
// in-memory database for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite %q: %w", path, err)
	}

	// One writer at a time; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sink: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: apply sqlite schema: %w", err)
	}

	s := &SQLite{db: db}
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM forwarded_lines WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: count pending rows: %w", err)
	}
	s.depth.Store(count)
	return s, nil
}

// Write inserts rec. A record ID seen before is ignored.
func (s *SQLite) Write(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO forwarded_lines (record_id, path, line, received_at)
		 VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.Text, rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sink: sqlite insert: %w", err)
	}
	n, _ := res.RowsAffected()
	s.depth.Add(n)
	return nil
}

// PendingRecord is an unacknowledged row returned by Pending.
type PendingRecord struct {
	ID     int64
	Record Record
}

// Pending returns up to n unacknowledged records, oldest first.
func (s *SQLite) Pending(ctx context.Context, n int) ([]PendingRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, path, line, received_at
		 FROM   forwarded_lines
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sink: sqlite pending query: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var (
			pr PendingRecord
			ts string
		)
		if err := rows.Scan(&pr.ID, &pr.Record.ID, &pr.Record.Path, &pr.Record.Text, &ts); err != nil {
			return nil, fmt.Errorf("sink: sqlite pending scan: %w", err)
		}
		pr.Record.ReceivedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sink: sqlite pending rows: %w", err)
	}
	return out, nil
}

// Ack marks rows as delivered. It is idempotent.
func (s *SQLite) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE forwarded_lines SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("sink: sqlite ack: %w", err)
	}
	n, _ := res.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending rows without querying the database.
func (s *SQLite) Depth() int {
	return int(s.depth.Load())
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
