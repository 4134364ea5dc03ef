package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"taskengine/internal/domain"
	"taskengine/internal/executor"
	"taskengine/internal/store"
)

const (
	DefaultDueLimit = 10
	DefaultInterval = time.Hour
)

// Source is the read side of the task store.
type Source interface {
	Ready(ctx context.Context) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
}

// Runner triggers one run; Client is the production implementation.
type Runner interface {
	Run(ctx context.Context, taskID string) (domain.Task, error)
}

type Config struct {
	// Schedule is a cron spec or descriptor; empty means "@every Interval".
	Schedule string
	Interval time.Duration
	DueLimit int
	// Concurrency bounds in-flight run requests per cycle.
	Concurrency int
	// Rate caps run requests per second; zero is unlimited.
	Rate float64
	Now  func() time.Time
}

// Result summarizes one cycle.
type Result struct {
	Due          int
	OK           int
	Failed       int
	NotClaimable int
	Errors       int
}

// Dispatcher polls for due tasks and hands each to a Runner. It never
// writes to the store.
type Dispatcher struct {
	src     Source
	run     Runner
	cfg     Config
	limiter *rate.Limiter
	cron    *cron.Cron
}

func New(src Source, run Runner, cfg Config) (*Dispatcher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every " + cfg.Interval.String()
	}
	if cfg.DueLimit <= 0 {
		cfg.DueLimit = DefaultDueLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	d := &Dispatcher{
		src:     src,
		run:     run,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
	}
	logger := cronLogger{}
	d.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := d.cron.AddFunc(cfg.Schedule, func() { d.Cycle(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", cfg.Schedule, err)
	}
	return d, nil
}

// Start runs cycles on the schedule until ctx is done, then waits for the
// in-flight cycle to finish.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Info().Str("schedule", d.cfg.Schedule).Int("due_limit", d.cfg.DueLimit).
		Int("concurrency", d.cfg.Concurrency).Msg("dispatcher started")
	d.cron.Start()
	<-ctx.Done()
	<-d.cron.Stop().Done()
	log.Info().Msg("dispatcher stopped")
}

// Cycle performs one poll: readiness probe, due selection, then one run
// request per candidate. Store problems end the cycle early; the next
// cycle retries.
func (d *Dispatcher) Cycle(ctx context.Context) Result {
	var res Result
	if err := d.src.Ready(ctx); err != nil {
		if errors.Is(err, store.ErrSchemaMissing) {
			log.Warn().Msg("task table not found yet, skipping cycle")
		} else {
			log.Error().Err(err).Msg("store not ready")
		}
		return res
	}

	due, err := d.src.ListDue(ctx, d.cfg.Now(), d.cfg.DueLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due tasks")
		return res
	}
	res.Due = len(due)
	if len(due) == 0 {
		log.Debug().Msg("no due tasks")
		return res
	}
	log.Info().Int("due", len(due)).Msg("dispatching due tasks")
	if d.run == nil {
		log.Warn().Msg("no run endpoint configured, nothing triggered")
		return res
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.cfg.Concurrency)
	)
	for _, t := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(t domain.Task) {
			defer func() { <-sem; wg.Done() }()
			outcome := d.dispatch(ctx, t)
			mu.Lock()
			outcome(&res)
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, t domain.Task) func(*Result) {
	got, err := d.run.Run(ctx, t.ID)
	switch {
	case errors.Is(err, executor.ErrNotClaimable):
		log.Info().Str("task_id", t.ID).Str("task_name", t.Name).Msg("task not claimable, another runner probably won")
		return func(r *Result) { r.NotClaimable++ }
	case err != nil:
		log.Error().Err(err).Str("task_id", t.ID).Str("task_name", t.Name).Msg("failed to trigger task")
		return func(r *Result) { r.Errors++ }
	}

	ev := log.Info()
	failed := got.LastStatus != nil && *got.LastStatus == domain.StatusError
	if failed {
		ev = log.Warn()
		if got.LastError != nil {
			ev = ev.Str("last_error", *got.LastError)
		}
	}
	ev.Str("task_id", t.ID).Str("task_name", t.Name).Int("retry_count", got.RetryCount).
		Time("next_run_at", got.NextRunAt).Msg("task triggered")
	if failed {
		return func(r *Result) { r.Failed++ }
	}
	return func(r *Result) { r.OK++ }
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
