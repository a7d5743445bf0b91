package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/growin/licitasync/internal/indexer"
)

// Entry is one recorded orchestration run.
type Entry struct {
	RunID      string    `json:"run_id"`
	Criterion  string    `json:"criterion"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Store keeps run history in a local SQLite file so operators can inspect
// recent syncs without digging through logs.
type Store struct {
	db *sql.DB
}

// Open creates the run log database and its schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    criterion   TEXT NOT NULL,
    attempted   INTEGER NOT NULL,
    succeeded   INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    aborted     INTEGER NOT NULL,
    started_at  TEXT NOT NULL,
    duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists one finished run.
func (s *Store) Record(ctx context.Context, res indexer.Result) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO runs (run_id, criterion, attempted, succeeded, failed, aborted, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Criterion, res.Attempted, res.Succeeded, res.Failed,
		boolInt(res.Aborted), res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", res.RunID, err)
	}
	return nil
}

// Recent lists the latest runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, criterion, attempted, succeeded, failed, aborted, started_at, duration_ms
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var aborted int
		var started string
		if err := rows.Scan(&e.RunID, &e.Criterion, &e.Attempted, &e.Succeeded, &e.Failed, &aborted, &started, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.Aborted = aborted != 0
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			e.StartedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return entries, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
