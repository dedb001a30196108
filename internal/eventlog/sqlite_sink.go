package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// createDDL mirrors internal/requestlog's plain-DDL schema style: one flat
// events table with an index on ts_ns, no migration framework since the
// schema here is a single append-only table unlikely to ever need a
// versioned migration path.
const createDDL = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id   TEXT NOT NULL,
	ts_ns      INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	fields_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_ts_ns ON events(ts_ns);
CREATE INDEX IF NOT EXISTS idx_events_kind  ON events(kind);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_entry_id ON events(entry_id);
`

// SQLiteSink is a Sink that appends each flushed batch to a single SQLite
// database file; the file is never rotated or rolled over.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the event log database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventlog: exec %q: %w", p, err)
		}
	}
	if _, err := db.Exec(createDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append implements Sink by inserting the whole batch inside one transaction.
func (s *SQLiteSink) Append(events []Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("eventlog: begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events (entry_id, ts_ns, kind, fields_json) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("eventlog: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e.Fields)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("eventlog: marshal fields: %w", err)
		}
		if _, err := stmt.Exec(e.EntryID, e.TsNs, e.Kind, string(payload)); err != nil {
			tx.Rollback()
			return fmt.Errorf("eventlog: insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }
