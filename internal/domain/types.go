package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrDuplicateName = errors.New("task name already exists")
	ErrInvalid       = errors.New("invalid task")
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

const (
	DefaultMaxRetries     = 3
	DefaultBackoffSeconds = 10

	// MaxErrorLen bounds last_error so long traces cannot bloat a row.
	MaxErrorLen = 10000
)

// Task is one schedulable job row.
type Task struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CallableRef     string          `json:"callable_ref"`
	Args            json.RawMessage `json:"args"`
	Kwargs          json.RawMessage `json:"kwargs"`
	IntervalSeconds int             `json:"interval_seconds"`
	Enabled         bool            `json:"enabled"`
	NextRunAt       time.Time       `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at"`
	LockedBy        *string         `json:"locked_by"`
	LockedAt        *time.Time      `json:"locked_at"`
	LastStatus      *Status         `json:"last_status"`
	LastError       *string         `json:"last_error"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	BackoffSeconds  int             `json:"backoff_seconds"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// Locked reports whether a claim is currently recorded on the row.
func (t Task) Locked() bool { return t.LockedBy != nil }

func (t Task) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// ApplyDefaults fills the zero-valued knobs with the table defaults.
func (t *Task) ApplyDefaults() {
	if len(bytes.TrimSpace(t.Args)) == 0 || string(bytes.TrimSpace(t.Args)) == "null" {
		t.Args = json.RawMessage(`[]`)
	}
	if len(bytes.TrimSpace(t.Kwargs)) == 0 || string(bytes.TrimSpace(t.Kwargs)) == "null" {
		t.Kwargs = json.RawMessage(`{}`)
	}
	if t.BackoffSeconds == 0 {
		t.BackoffSeconds = DefaultBackoffSeconds
	}
}

// Validate checks the definition fields. The callable ref is deliberately
// not resolved here; a bad ref surfaces as a run failure.
func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return invalid("name is required")
	case strings.TrimSpace(t.CallableRef) == "":
		return invalid("callable_ref is required")
	case t.IntervalSeconds < 1:
		return invalid("interval_seconds must be >= 1")
	case t.MaxRetries < 0:
		return invalid("max_retries must be >= 0")
	case t.BackoffSeconds < 1:
		return invalid("backoff_seconds must be >= 1")
	}
	if err := ValidateArgs(t.Args); err != nil {
		return err
	}
	return ValidateKwargs(t.Kwargs)
}

func ValidateArgs(raw json.RawMessage) error {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalid("args must be a JSON array")
	}
	return nil
}

func ValidateKwargs(raw json.RawMessage) error {
	var kwargs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &kwargs); err != nil || kwargs == nil {
		return invalid("kwargs must be a JSON object")
	}
	return nil
}

func invalid(msg string) error { return fmt.Errorf("%w: %s", ErrInvalid, msg) }

// TruncateError cuts s to at most MaxErrorLen runes.
func TruncateError(s string) string {
	if utf8.RuneCountInString(s) <= MaxErrorLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxErrorLen])
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Name            *string          `json:"name"`
	CallableRef     *string          `json:"callable_ref"`
	Args            *json.RawMessage `json:"args"`
	Kwargs          *json.RawMessage `json:"kwargs"`
	IntervalSeconds *int             `json:"interval_seconds"`
	Enabled         *bool            `json:"enabled"`
	NextRunAt       *time.Time       `json:"next_run_at"`
	MaxRetries      *int             `json:"max_retries"`
	BackoffSeconds  *int             `json:"backoff_seconds"`
}

// Apply returns t with the patch applied and validated.
func (p TaskPatch) Apply(t Task) (Task, error) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.CallableRef != nil {
		t.CallableRef = *p.CallableRef
	}
	if p.Args != nil {
		t.Args = *p.Args
	}
	if p.Kwargs != nil {
		t.Kwargs = *p.Kwargs
	}
	if p.IntervalSeconds != nil {
		t.IntervalSeconds = *p.IntervalSeconds
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if p.NextRunAt != nil {
		t.NextRunAt = p.NextRunAt.UTC()
	}
	if p.MaxRetries != nil {
		t.MaxRetries = *p.MaxRetries
	}
	if p.BackoffSeconds != nil {
		t.BackoffSeconds = *p.BackoffSeconds
	}
	return t, t.Validate()
}

// Stats is a per-state snapshot of the table used for /metrics.
type Stats struct {
	Total    int
	Enabled  int
	Due      int
	Locked   int
	Erroring int
}
