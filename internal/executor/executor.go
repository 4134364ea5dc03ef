package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"taskengine/internal/domain"
	"taskengine/internal/registry"
	"taskengine/internal/store"
)

const (
	DefaultWorkerID    = "api"
	DefaultLockTimeout = 300 * time.Second
)

var (
	// ErrNotClaimable means the claim matched no row. It is an expected
	// outcome under contention, not a failure.
	ErrNotClaimable = errors.New("task not claimable")
	// ErrClaimLost means our lock expired and was taken over while the
	// callable ran, so the outcome was not recorded.
	ErrClaimLost = errors.New("claim lost before outcome was recorded")
)

type RunRequest struct {
	TaskID      string
	WorkerID    string
	LockTimeout time.Duration
	Force       bool
}

type Service struct {
	repo store.Repository
	reg  *registry.Registry
	env  registry.Env
	now  func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo store.Repository, reg *registry.Registry, env registry.Env, opts ...Option) *Service {
	s := &Service{repo: repo, reg: reg, env: env, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run claims the task, executes one attempt and records its outcome. The
// lock is released by the same write that records the outcome, or by Release
// when the attempt ends before the callable runs. Callable failures are data
// on the returned task, not errors.
func (s *Service) Run(ctx context.Context, req RunRequest) (domain.Task, error) {
	// A caller hanging up must not strand the attempt between claim and finish.
	ctx = context.WithoutCancel(ctx)

	if req.WorkerID == "" {
		req.WorkerID = DefaultWorkerID
	}
	if req.LockTimeout <= 0 {
		req.LockTimeout = DefaultLockTimeout
	}

	creq := store.ClaimRequest{
		TaskID:      req.TaskID,
		WorkerID:    req.WorkerID,
		LockTimeout: req.LockTimeout,
		Force:       req.Force,
		Now:         s.now(),
	}
	ok, err := s.repo.Claim(ctx, creq)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, ErrNotClaimable
	}
	claim := store.ClaimOf(creq)

	task, err := s.repo.Get(ctx, req.TaskID)
	if err != nil {
		if _, rerr := s.repo.Release(ctx, claim); rerr != nil {
			log.Error().Err(rerr).Str("task_id", req.TaskID).Str("worker_id", req.WorkerID).Msg("failed to release claim")
		}
		return domain.Task{}, fmt.Errorf("load claimed task %s: %w", req.TaskID, err)
	}

	started := s.now().UTC()
	runErr := s.invoke(ctx, task)
	outcome := Outcome(task, runErr, started)

	recorded, err := s.repo.Finish(ctx, claim, outcome)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Str("worker_id", req.WorkerID).Msg("failed to record outcome")
		return domain.Task{}, err
	}
	if !recorded {
		log.Warn().Str("task_id", task.ID).Str("worker_id", req.WorkerID).Msg("lock taken over while running, outcome dropped")
		return domain.Task{}, ErrClaimLost
	}

	ev := log.Info()
	if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Str("task_id", task.ID).
		Str("task_name", task.Name).
		Str("worker_id", req.WorkerID).
		Str("status", string(*outcome.LastStatus)).
		Int("retry_count", outcome.RetryCount).
		Time("next_run_at", outcome.NextRunAt).
		Dur("took", s.now().Sub(started)).
		Msg("task attempt finished")

	final, err := s.repo.Get(ctx, req.TaskID)
	if err != nil {
		// the outcome is already durable; report it rather than fail the run
		log.Warn().Err(err).Str("task_id", task.ID).Msg("reload after finish failed")
		outcome.LockedBy, outcome.LockedAt = nil, nil
		return outcome, nil
	}
	return final, nil
}

func (s *Service) invoke(ctx context.Context, t domain.Task) (err error) {
	fn, err := s.reg.Resolve(t.CallableRef)
	if err != nil {
		return err
	}
	env := s.env
	env.Logger = env.Logger.With().Str("task_id", t.ID).Str("task_name", t.Name).Logger()
	call, err := registry.NewCall(t.ID, t.Name, t.Args, t.Kwargs, env)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_id", t.ID).Str("stack", string(debug.Stack())).Msg("callable panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, call)
}

// Outcome applies the bookkeeping for one finished attempt started at now.
// The lock fields are left to the store's release.
func Outcome(t domain.Task, runErr error, now time.Time) domain.Task {
	now = now.UTC()
	if runErr == nil {
		status := domain.StatusOK
		t.LastStatus = &status
		t.LastError = nil
		t.RetryCount = 0
		t.LastRunAt = &now
		t.NextRunAt = now.Add(t.Interval())
		return t
	}

	status := domain.StatusError
	msg := domain.TruncateError(runErr.Error())
	t.LastStatus = &status
	t.LastError = &msg
	t.RetryCount++
	if t.RetryCount <= t.MaxRetries {
		t.NextRunAt = now.Add(Backoff(t.RetryCount, t.BackoffSeconds))
		return t
	}
	// retry budget for this cycle is spent: back to the normal cadence
	t.RetryCount = 0
	t.LastRunAt = &now
	t.NextRunAt = now.Add(t.Interval())
	return t
}
