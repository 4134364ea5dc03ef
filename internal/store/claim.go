package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskengine/internal/domain"
)

// ClaimRequest asks for exclusive ownership of one task's next attempt.
type ClaimRequest struct {
	TaskID      string
	WorkerID    string
	LockTimeout time.Duration
	// Force skips the enabled/due check but never an unexpired lock.
	Force bool
	Now   time.Time
}

// Claim identifies a lock as written by Claim. Finish is fenced on it.
type Claim struct {
	TaskID   string
	WorkerID string
	At       time.Time
}

// ClaimOf returns the lock token a successful req leaves on the row.
func ClaimOf(req ClaimRequest) Claim {
	return Claim{TaskID: req.TaskID, WorkerID: req.WorkerID, At: ts(req.Now)}
}

// Claim performs the compare-and-set from claimable to locked-by-req.WorkerID
// in a single conditional UPDATE. A false result carries no reason: the task
// may be locked, disabled, not due or missing.
func (r *sqlRepo) Claim(ctx context.Context, req ClaimRequest) (bool, error) {
	if _, err := uuid.Parse(req.TaskID); err != nil {
		return false, nil
	}
	now := ts(req.Now)
	staleBefore := ts(now.Add(-req.LockTimeout))

	q := `
UPDATE scheduler_tasks
SET locked_by = ?, locked_at = ?, last_updated = ?
WHERE id = ?
  AND (locked_by IS NULL OR locked_at < ?)`
	args := []any{req.WorkerID, now, now, req.TaskID, staleBefore}
	if !req.Force {
		q += `
  AND enabled = 1 AND next_run_at <= ?`
		args = append(args, now)
	}

	res, err := r.db.ExecContext(ctx, r.d.Rebind(q), args...)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", req.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", req.TaskID, err)
	}
	return n == 1, nil
}

// Finish writes the outcome of one attempt and releases the lock in the same
// statement. It only matches while c is still the recorded lock, so a worker
// whose stale lock was taken over cannot overwrite the new holder's row.
func (r *sqlRepo) Finish(ctx context.Context, c Claim, t domain.Task) (bool, error) {
	var lastRun any
	if t.LastRunAt != nil {
		lastRun = ts(*t.LastRunAt)
	}
	var lastStatus, lastError any
	if t.LastStatus != nil {
		lastStatus = string(*t.LastStatus)
	}
	if t.LastError != nil {
		lastError = domain.TruncateError(*t.LastError)
	}

	res, err := r.db.ExecContext(ctx, r.d.Rebind(`
UPDATE scheduler_tasks
SET last_status = ?,
    last_error = ?,
    retry_count = ?,
    last_run_at = ?,
    next_run_at = ?,
    locked_by = NULL,
    locked_at = NULL,
    last_updated = ?
WHERE id = ? AND locked_by = ? AND locked_at = ?`),
		lastStatus, lastError, t.RetryCount, lastRun, ts(t.NextRunAt), ts(r.now()),
		c.TaskID, c.WorkerID, c.At)
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", c.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", c.TaskID, err)
	}
	return n == 1, nil
}

// Release drops the lock without recording an outcome, for attempts that end
// before the callable runs. It is fenced like Finish.
func (r *sqlRepo) Release(ctx context.Context, c Claim) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`
UPDATE scheduler_tasks
SET locked_by = NULL,
    locked_at = NULL,
    last_updated = ?
WHERE id = ? AND locked_by = ? AND locked_at = ?`),
		ts(r.now()), c.TaskID, c.WorkerID, c.At)
	if err != nil {
		return false, fmt.Errorf("release task %s: %w", c.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release task %s: %w", c.TaskID, err)
	}
	return n == 1, nil
}
