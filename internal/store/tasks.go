package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskengine/internal/domain"
)

// Repository is the durable task store. Claim, Finish and Release are the
// only writers of the lock and outcome columns.
type Repository interface {
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	GetByName(ctx context.Context, name string) (domain.Task, error)
	List(ctx context.Context, f ListFilter) ([]domain.Task, error)
	Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	Upsert(ctx context.Context, t domain.Task, runNow bool) (domain.Task, error)

	// ListDue is read-only: enabled tasks with next_run_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)

	Claim(ctx context.Context, req ClaimRequest) (bool, error)
	Finish(ctx context.Context, c Claim, outcome domain.Task) (bool, error)
	Release(ctx context.Context, c Claim) (bool, error)

	Ready(ctx context.Context) error
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
}

type ListFilter struct {
	Enabled *bool
	Offset  int
	Limit   int
}

type Option func(*sqlRepo)

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *sqlRepo) { r.now = now }
}

type sqlRepo struct {
	db  *sql.DB
	d   Dialect
	now func() time.Time
}

func NewRepo(db *sql.DB, d Dialect, opts ...Option) Repository {
	r := &sqlRepo{db: db, d: d, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

const taskColumns = `id,name,callable_ref,args,kwargs,interval_seconds,enabled,next_run_at,last_run_at,
locked_by,locked_at,last_status,last_error,retry_count,max_retries,backoff_seconds,created_at,last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (domain.Task, error) {
	var (
		t                   domain.Task
		args, kwargs        []byte
		enabled             int
		lastRun, lockedAt   sql.NullTime
		lockedBy, lastError sql.NullString
		lastStatus          sql.NullString
	)
	err := s.Scan(&t.ID, &t.Name, &t.CallableRef, &args, &kwargs, &t.IntervalSeconds, &enabled,
		&t.NextRunAt, &lastRun, &lockedBy, &lockedAt, &lastStatus, &lastError,
		&t.RetryCount, &t.MaxRetries, &t.BackoffSeconds, &t.CreatedAt, &t.LastUpdated)
	if err != nil {
		return domain.Task{}, err
	}
	t.Args = append([]byte(nil), args...)
	t.Kwargs = append([]byte(nil), kwargs...)
	t.Enabled = enabled == 1
	t.NextRunAt = t.NextRunAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastUpdated = t.LastUpdated.UTC()
	if lastRun.Valid {
		v := lastRun.Time.UTC()
		t.LastRunAt = &v
	}
	if lockedBy.Valid {
		v := lockedBy.String
		t.LockedBy = &v
	}
	if lockedAt.Valid {
		v := lockedAt.Time.UTC()
		t.LockedAt = &v
	}
	if lastStatus.Valid {
		v := domain.Status(lastStatus.String)
		t.LastStatus = &v
	}
	if lastError.Valid {
		v := lastError.String
		t.LastError = &v
	}
	return t, nil
}

func (r *sqlRepo) queryTasks(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqlRepo) queryTask(ctx context.Context, q string, args ...any) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, r.d.Rebind(q), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *sqlRepo) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	now := ts(r.now())
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.NextRunAt.IsZero() {
		t.NextRunAt = now
	}
	_, err := r.db.ExecContext(ctx, r.d.Rebind(`
INSERT INTO scheduler_tasks (id,name,callable_ref,args,kwargs,interval_seconds,enabled,next_run_at,
  retry_count,max_retries,backoff_seconds,created_at,last_updated)
VALUES (?,?,?,?,?,?,?,?,0,?,?,?,?)`),
		t.ID, t.Name, t.CallableRef, string(t.Args), string(t.Kwargs), t.IntervalSeconds, boolInt(t.Enabled),
		ts(t.NextRunAt), t.MaxRetries, t.BackoffSeconds, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Task{}, domain.ErrDuplicateName
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return r.Get(ctx, t.ID)
}

func (r *sqlRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Task{}, domain.ErrNotFound
	}
	return r.queryTask(ctx, `SELECT `+taskColumns+` FROM scheduler_tasks WHERE id=?`, id)
}

func (r *sqlRepo) GetByName(ctx context.Context, name string) (domain.Task, error) {
	return r.queryTask(ctx, `SELECT `+taskColumns+` FROM scheduler_tasks WHERE name=?`, name)
}

func (r *sqlRepo) List(ctx context.Context, f ListFilter) ([]domain.Task, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	q := `SELECT ` + taskColumns + ` FROM scheduler_tasks`
	args := []any{}
	if f.Enabled != nil {
		q += ` WHERE enabled=?`
		args = append(args, boolInt(*f.Enabled))
	}
	q += ` ORDER BY next_run_at ASC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	return r.queryTasks(ctx, q, args...)
}

// Update writes only the patched definition columns so it never clobbers
// lock or outcome bookkeeping written concurrently by an executor.
func (r *sqlRepo) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := p.Apply(current)
	if err != nil {
		return domain.Task{}, err
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if p.Name != nil {
		set("name", next.Name)
	}
	if p.CallableRef != nil {
		set("callable_ref", next.CallableRef)
	}
	if p.Args != nil {
		set("args", string(next.Args))
	}
	if p.Kwargs != nil {
		set("kwargs", string(next.Kwargs))
	}
	if p.IntervalSeconds != nil {
		set("interval_seconds", next.IntervalSeconds)
	}
	if p.Enabled != nil {
		set("enabled", boolInt(next.Enabled))
	}
	if p.NextRunAt != nil {
		set("next_run_at", ts(next.NextRunAt))
	}
	if p.MaxRetries != nil {
		set("max_retries", next.MaxRetries)
	}
	if p.BackoffSeconds != nil {
		set("backoff_seconds", next.BackoffSeconds)
	}
	if len(sets) == 0 {
		return current, nil
	}
	set("last_updated", ts(r.now()))
	args = append(args, id)

	q := `UPDATE scheduler_tasks SET ` + strings.Join(sets, ", ") + ` WHERE id=?`
	res, err := r.db.ExecContext(ctx, r.d.Rebind(q), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Task{}, domain.ErrDuplicateName
		}
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *sqlRepo) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM scheduler_tasks WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Upsert inserts or redefines a task by name. Run state is kept on conflict;
// next_run_at is only reset when runNow is set.
func (r *sqlRepo) Upsert(ctx context.Context, t domain.Task, runNow bool) (domain.Task, error) {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	now := ts(r.now())
	q := `
INSERT INTO scheduler_tasks (id,name,callable_ref,args,kwargs,interval_seconds,enabled,next_run_at,
  retry_count,max_retries,backoff_seconds,created_at,last_updated)
VALUES (?,?,?,?,?,?,?,?,0,?,?,?,?)
ON CONFLICT (name) DO UPDATE SET
  callable_ref = excluded.callable_ref,
  args = excluded.args,
  kwargs = excluded.kwargs,
  interval_seconds = excluded.interval_seconds,
  enabled = excluded.enabled,
  max_retries = excluded.max_retries,
  backoff_seconds = excluded.backoff_seconds,`
	if runNow {
		q += `
  next_run_at = excluded.next_run_at,`
	}
	q += `
  last_updated = excluded.last_updated`

	_, err := r.db.ExecContext(ctx, r.d.Rebind(q),
		uuid.NewString(), t.Name, t.CallableRef, string(t.Args), string(t.Kwargs), t.IntervalSeconds,
		boolInt(t.Enabled), now, t.MaxRetries, t.BackoffSeconds, now, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("upsert task %q: %w", t.Name, err)
	}
	return r.GetByName(ctx, t.Name)
}

func (r *sqlRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryTasks(ctx, `
SELECT `+taskColumns+`
FROM scheduler_tasks
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC
LIMIT ?`, ts(now), limit)
}

func (r *sqlRepo) Ready(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	ok, err := tableExists(ctx, r.db, r.d)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if !ok {
		return ErrSchemaMissing
	}
	return nil
}

func (r *sqlRepo) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	var s domain.Stats
	err := r.db.QueryRowContext(ctx, r.d.Rebind(`
SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN enabled = 1 THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN enabled = 1 AND next_run_at <= ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN locked_by IS NOT NULL THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN last_status = 'error' THEN 1 ELSE 0 END), 0)
FROM scheduler_tasks`), ts(now)).Scan(&s.Total, &s.Enabled, &s.Due, &s.Locked, &s.Erroring)
	return s, err
}
