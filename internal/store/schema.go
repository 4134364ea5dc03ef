package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaMissing is returned by Ready when the tasks table has not been created.
var ErrSchemaMissing = errors.New("scheduler_tasks table does not exist")

const tableName = "scheduler_tasks"

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS scheduler_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  callable_ref TEXT NOT NULL,
  args TEXT NOT NULL DEFAULT '[]',
  kwargs TEXT NOT NULL DEFAULT '{}',
  interval_seconds INTEGER NOT NULL CHECK (interval_seconds >= 1),
  last_run_at DATETIME,
  next_run_at DATETIME NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1 CHECK (enabled IN (0,1)),
  locked_by TEXT,
  locked_at DATETIME,
  last_status TEXT,
  last_error TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
  max_retries INTEGER NOT NULL DEFAULT 3,
  backoff_seconds INTEGER NOT NULL DEFAULT 10,
  created_at DATETIME NOT NULL,
  last_updated DATETIME NOT NULL,
  CHECK ((locked_by IS NULL) = (locked_at IS NULL))
);`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_tasks_due ON scheduler_tasks(next_run_at) WHERE enabled = 1;`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS scheduler_tasks (
  id uuid PRIMARY KEY,
  name text NOT NULL UNIQUE,
  callable_ref text NOT NULL,
  args jsonb NOT NULL DEFAULT '[]'::jsonb,
  kwargs jsonb NOT NULL DEFAULT '{}'::jsonb,
  interval_seconds integer NOT NULL CHECK (interval_seconds >= 1),
  last_run_at timestamptz,
  next_run_at timestamptz NOT NULL DEFAULT now(),
  enabled integer NOT NULL DEFAULT 1 CHECK (enabled IN (0,1)),
  locked_by text,
  locked_at timestamptz,
  last_status text,
  last_error text,
  retry_count integer NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
  max_retries integer NOT NULL DEFAULT 3,
  backoff_seconds integer NOT NULL DEFAULT 10,
  created_at timestamptz NOT NULL DEFAULT now(),
  last_updated timestamptz NOT NULL DEFAULT now(),
  CHECK ((locked_by IS NULL) = (locked_at IS NULL))
);`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_tasks_due ON scheduler_tasks (next_run_at) WHERE enabled = 1;`,
}

// EnsureSchema creates the tasks table and its indexes if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts := sqliteSchema
	if d == Postgres {
		stmts = postgresSchema
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB, d Dialect) (bool, error) {
	q := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
	if d == Postgres {
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name::text = ?`
	}
	var n int
	if err := db.QueryRowContext(ctx, d.Rebind(q), tableName).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
