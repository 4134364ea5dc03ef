// Package provision declares well-known tasks in YAML and upserts them by name.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"taskengine/internal/domain"
	"taskengine/internal/store"
)

// File is the on-disk layout:
//
//	tasks:
//	  - name: create-partitions
//	    callable_ref: jobs:create_upcoming_mon_sensor_data_partitions
//	    interval_seconds: 86400
//	    run_now: true
type File struct {
	Tasks []Entry `yaml:"tasks"`
}

type Entry struct {
	Name            string         `yaml:"name"`
	CallableRef     string         `yaml:"callable_ref"`
	Args            []any          `yaml:"args"`
	Kwargs          map[string]any `yaml:"kwargs"`
	IntervalSeconds int            `yaml:"interval_seconds"`
	Enabled         *bool          `yaml:"enabled"`
	MaxRetries      *int           `yaml:"max_retries"`
	BackoffSeconds  *int           `yaml:"backoff_seconds"`
	// RunNow moves next_run_at to now even when the task already exists.
	RunNow bool `yaml:"run_now"`
}

func LoadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a provisioning document. Unknown keys and
// repeated names are rejected.
func Load(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode provisioning file: %w", err)
	}
	seen := make(map[string]bool, len(f.Tasks))
	for i, e := range f.Tasks {
		if seen[e.Name] {
			return File{}, fmt.Errorf("tasks[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
		if _, err := e.Task(); err != nil {
			return File{}, fmt.Errorf("tasks[%d] (%s): %w", i, e.Name, err)
		}
	}
	return f, nil
}

// Task converts the entry into a validated task definition.
func (e Entry) Task() (domain.Task, error) {
	t := domain.Task{
		Name:            e.Name,
		CallableRef:     e.CallableRef,
		IntervalSeconds: e.IntervalSeconds,
		Enabled:         true,
		MaxRetries:      domain.DefaultMaxRetries,
		BackoffSeconds:  domain.DefaultBackoffSeconds,
	}
	if e.Enabled != nil {
		t.Enabled = *e.Enabled
	}
	if e.MaxRetries != nil {
		t.MaxRetries = *e.MaxRetries
	}
	if e.BackoffSeconds != nil {
		t.BackoffSeconds = *e.BackoffSeconds
	}
	var err error
	if e.Args != nil {
		if t.Args, err = json.Marshal(e.Args); err != nil {
			return domain.Task{}, fmt.Errorf("args: %w", err)
		}
	}
	if e.Kwargs != nil {
		if t.Kwargs, err = json.Marshal(e.Kwargs); err != nil {
			return domain.Task{}, fmt.Errorf("kwargs: %w", err)
		}
	}
	t.ApplyDefaults()
	return t, t.Validate()
}

// Upserter is the slice of the store provisioning needs.
type Upserter interface {
	Upsert(ctx context.Context, t domain.Task, runNow bool) (domain.Task, error)
}

// Apply upserts every entry in order and stops at the first failure.
// runNow forces next_run_at = now for all entries.
func Apply(ctx context.Context, u Upserter, f File, runNow bool) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(f.Tasks))
	for _, e := range f.Tasks {
		t, err := e.Task()
		if err != nil {
			return out, fmt.Errorf("task %q: %w", e.Name, err)
		}
		saved, err := u.Upsert(ctx, t, runNow || e.RunNow)
		if err != nil {
			return out, err
		}
		log.Info().Str("task_id", saved.ID).Str("task_name", saved.Name).
			Time("next_run_at", saved.NextRunAt).Msg("task provisioned")
		out = append(out, saved)
	}
	return out, nil
}

// SayHello is the example task created by "taskctl schema --seed".
func SayHello() domain.Task {
	return domain.Task{
		Name:            "say-hello",
		CallableRef:     "jobs:say_hello",
		IntervalSeconds: 60,
		Enabled:         true,
		MaxRetries:      domain.DefaultMaxRetries,
		BackoffSeconds:  domain.DefaultBackoffSeconds,
	}
}

// Seed inserts the example task unless a task with that name already exists.
func Seed(ctx context.Context, repo store.Repository) (domain.Task, bool, error) {
	t, err := repo.Create(ctx, SayHello())
	if errors.Is(err, domain.ErrDuplicateName) {
		existing, err := repo.GetByName(ctx, SayHello().Name)
		return existing, false, err
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}
