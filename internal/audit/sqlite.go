package audit

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// SQLiteMirror provides a queryable mirror of the JSONL audit trail for
// the control API: the JSONL files remain the source of truth, this is
// an index a dashboard can run SELECTs against.
type SQLiteMirror struct {
	db *sql.DB
}

// NewSQLiteMirror opens (creating if absent) a SQLite database at
// dbPath and ensures its schema exists.
func NewSQLiteMirror(dbPath string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite mirror: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: enable WAL mode: %w", err)
	}

	m := &SQLiteMirror{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	slog.Info("audit sqlite mirror initialized", "path", dbPath)
	return m, nil
}

func (m *SQLiteMirror) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		mode TEXT NOT NULL,
		action TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		rule_matched TEXT,
		method TEXT,
		path TEXT,
		url TEXT,
		status INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		request_size INTEGER NOT NULL DEFAULT 0,
		response_size INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_entries_run_id ON entries(run_id);
	CREATE INDEX IF NOT EXISTS idx_entries_host ON entries(host);
	CREATE INDEX IF NOT EXISTS idx_entries_action ON entries(action);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Record inserts one Entry attributed to runID. Intended to be called
// from the same path as Logger.Append — failures are logged, not
// propagated, for the same reason: a broken index must not affect the
// traffic decision it is recording.
func (m *SQLiteMirror) Record(runID string, e Entry) {
	_, err := m.db.Exec(`
		INSERT INTO entries
		(run_id, timestamp, mode, action, host, port, rule_matched, method, path, url, status, latency_ms, request_size, response_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Timestamp, string(e.Mode), e.Action, e.Host, e.Port, e.RuleMatched,
		e.Method, e.Path, e.URL, e.Status, e.LatencyMs, e.RequestSize, e.ResponseSize,
	)
	if err != nil {
		slog.Warn("audit sqlite mirror insert failed", "run_id", runID, "error", err)
	}
}

// RecentByRunID returns up to limit entries for runID, newest first.
func (m *SQLiteMirror) RecentByRunID(runID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.Query(`
		SELECT timestamp, mode, action, host, port, rule_matched, method, path, url, status, latency_ms, request_size, response_size
		FROM entries WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var mode string
		if err := rows.Scan(&e.Timestamp, &mode, &e.Action, &e.Host, &e.Port, &e.RuleMatched,
			&e.Method, &e.Path, &e.URL, &e.Status, &e.LatencyMs, &e.RequestSize, &e.ResponseSize); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Mode = Mode(mode)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}
