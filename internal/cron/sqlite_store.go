package cron

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteExecutionStore persists the run log to cron/executions.db in
// the state directory, surviving restarts.
type SQLiteExecutionStore struct {
	db *sql.DB
}

const executionsSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_job_started ON executions(job_id, started_at DESC);
`

// NewSQLiteExecutionStore opens (creating if needed) the run log
// database at path.
func NewSQLiteExecutionStore(path string) (*SQLiteExecutionStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cron dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open executions db: %w", err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent job completions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(executionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init executions db: %w", err)
	}
	return &SQLiteExecutionStore{db: db}, nil
}

func (s *SQLiteExecutionStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions (id, job_id, status, started_at, completed_at, duration_ms, output, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, string(exec.Status),
		exec.StartedAt.UnixMilli(), unixMilliOrZero(exec.CompletedAt),
		exec.Duration.Milliseconds(), exec.Output, exec.Error,
	)
	return err
}

func (s *SQLiteExecutionStore) Update(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, duration_ms = ?, output = ?, error = ? WHERE id = ?`,
		string(exec.Status), unixMilliOrZero(exec.CompletedAt),
		exec.Duration.Milliseconds(), exec.Output, exec.Error, exec.ID,
	)
	return err
}

func (s *SQLiteExecutionStore) List(ctx context.Context, jobID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = memoryKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, status, started_at, completed_at, duration_ms, output, error
		 FROM executions
		 WHERE (? = '' OR job_id = ?)
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		jobID, jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			exec                 Execution
			status               string
			startedMs, completed int64
			durationMs           int64
		)
		if err := rows.Scan(&exec.ID, &exec.JobID, &status, &startedMs, &completed, &durationMs, &exec.Output, &exec.Error); err != nil {
			return nil, err
		}
		exec.Status = ExecutionStatus(status)
		exec.StartedAt = time.UnixMilli(startedMs)
		if completed > 0 {
			exec.CompletedAt = time.UnixMilli(completed)
		}
		exec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func (s *SQLiteExecutionStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteExecutionStore) Close() error { return s.db.Close() }

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
