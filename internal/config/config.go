// Package config builds process configuration from flags whose defaults
// come from the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultDatabaseURL = "taskengine.db"

// Common is shared by every binary.
type Common struct {
	DatabaseURL string
	LogLevel    string
	LogFormat   string
}

// BindCommon registers the shared flags on fs.
func BindCommon(fs *flag.FlagSet, getenv func(string) string) *Common {
	e := env{get: getenv}
	c := &Common{}
	fs.StringVar(&c.DatabaseURL, "db", e.str("DATABASE_URL", DefaultDatabaseURL), "database URL (postgres://...) or SQLite path")
	fs.StringVar(&c.LogLevel, "log-level", e.str("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&c.LogFormat, "log-format", e.str("LOG_FORMAT", "console"), "log format: console or json")
	return c
}

func (c Common) validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be console or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Server configures taskd.
type Server struct {
	Common
	Addr         string
	Token        string
	WorkerID     string
	LockTimeout  time.Duration
	RedisURL     string
	EventsStream string
	Debug        bool
}

func LoadServer(args []string, getenv func(string) string) (Server, error) {
	fs := flag.NewFlagSet("taskd", flag.ContinueOnError)
	e := env{get: getenv}
	c := Server{}
	common := BindCommon(fs, getenv)
	fs.StringVar(&c.Addr, "addr", e.str("HTTP_ADDR", ":8080"), "HTTP bind address")
	fs.StringVar(&c.Token, "token", e.str("API_TOKEN", ""), "bearer token required on /tasks (empty disables auth)")
	fs.StringVar(&c.WorkerID, "worker-id", e.str("WORKER_ID", "api"), "default worker id recorded on claims")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", e.seconds("LOCK_TIMEOUT_SECONDS", 300*time.Second), "default stale lock timeout")
	fs.StringVar(&c.RedisURL, "redis", e.str("REDIS_URL", ""), "redis URL for the event publisher (empty disables)")
	fs.StringVar(&c.EventsStream, "events-stream", e.str("EVENTS_STREAM", "taskengine"), "stream key prefix for published events")
	fs.BoolVar(&c.Debug, "debug", e.bool("DEBUG", false), "expose /debug/pprof")
	if err := e.err(); err != nil {
		return c, err
	}
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	c.Common = *common
	return c, c.Validate()
}

func (c Server) Validate() error {
	errs := []error{c.Common.validate()}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.LockTimeout < time.Second {
		errs = append(errs, errors.New("lock timeout must be at least 1s"))
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		errs = append(errs, errors.New("worker id is required"))
	}
	if c.RedisURL != "" && c.EventsStream == "" {
		errs = append(errs, errors.New("events stream is required when redis is configured"))
	}
	return errors.Join(errs...)
}

// Dispatcher configures the poller.
type Dispatcher struct {
	Common
	APIBaseURL     string
	APIToken       string
	PollInterval   time.Duration
	PollSchedule   string
	DueLimit       int
	Concurrency    int
	Rate           float64
	WorkerID       string
	LockTimeout    time.Duration
	RequestTimeout time.Duration
	Once           bool
}

func LoadDispatcher(args []string, getenv func(string) string) (Dispatcher, error) {
	fs := flag.NewFlagSet("dispatcher", flag.ContinueOnError)
	e := env{get: getenv}
	c := Dispatcher{}
	common := BindCommon(fs, getenv)
	fs.StringVar(&c.APIBaseURL, "api", e.str("API_BASE_URL", ""), "base URL of the task service (empty lists due tasks without triggering)")
	fs.StringVar(&c.APIToken, "token", e.str("API_TOKEN", ""), "bearer token for the task service")
	fs.DurationVar(&c.PollInterval, "interval", e.seconds("POLL_INTERVAL_SECONDS", time.Hour), "poll interval")
	fs.StringVar(&c.PollSchedule, "schedule", e.str("POLL_SCHEDULE", ""), "cron spec overriding -interval")
	fs.IntVar(&c.DueLimit, "due-limit", e.int("DUE_LIMIT", 10), "max due tasks per cycle")
	fs.IntVar(&c.Concurrency, "concurrency", e.int("DISPATCH_CONCURRENCY", 1), "max in-flight run requests")
	fs.Float64Var(&c.Rate, "rate", e.float("DISPATCH_RATE", 0), "max run requests per second (0 = unlimited)")
	fs.StringVar(&c.WorkerID, "worker-id", e.str("WORKER_ID", "poller-"+uuid.NewString()[:8]), "worker id sent with run requests")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", e.seconds("LOCK_TIMEOUT_SECONDS", 300*time.Second), "stale lock timeout sent with run requests")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", e.seconds("DISPATCH_TIMEOUT_SECONDS", 30*time.Second), "timeout of one run request")
	fs.BoolVar(&c.Once, "once", false, "run a single cycle and exit")
	if err := e.err(); err != nil {
		return c, err
	}
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	c.Common = *common
	return c, c.Validate()
}

func (c Dispatcher) Validate() error {
	errs := []error{c.Common.validate()}
	if c.APIBaseURL != "" {
		if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("api base url %q is not an absolute URL", c.APIBaseURL))
		}
	}
	if c.PollSchedule != "" {
		if _, err := cron.ParseStandard(c.PollSchedule); err != nil {
			errs = append(errs, fmt.Errorf("poll schedule: %w", err))
		}
	} else if c.PollInterval < time.Second {
		errs = append(errs, errors.New("poll interval must be at least 1s"))
	}
	if c.DueLimit < 1 {
		errs = append(errs, errors.New("due limit must be >= 1"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be >= 1"))
	}
	if c.Rate < 0 {
		errs = append(errs, errors.New("rate must be >= 0"))
	}
	if c.LockTimeout < time.Second {
		errs = append(errs, errors.New("lock timeout must be at least 1s"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	return errors.Join(errs...)
}

// env reads typed defaults and collects malformed values.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// seconds reads a whole number of seconds, the unit every *_SECONDS variable uses.
func (e *env) seconds(key string, def time.Duration) time.Duration {
	n := e.int(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (e *env) err() error { return errors.Join(e.errs...) }
