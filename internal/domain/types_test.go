package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func validTask() Task {
	return Task{Name: "n", CallableRef: "jobs:noop", IntervalSeconds: 60, MaxRetries: 3, BackoffSeconds: 10}
}

func TestValidate(t *testing.T) {
	ok := validTask()
	ok.ApplyDefaults()
	if err := ok.Validate(); err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(*Task){
		"blank name":       func(t *Task) { t.Name = "  " },
		"blank ref":        func(t *Task) { t.CallableRef = "" },
		"zero interval":    func(t *Task) { t.IntervalSeconds = 0 },
		"negative retries": func(t *Task) { t.MaxRetries = -1 },
		"zero backoff":     func(t *Task) { t.BackoffSeconds = 0 },
		"args object":      func(t *Task) { t.Args = json.RawMessage(`{"a":1}`) },
		"kwargs array":     func(t *Task) { t.Kwargs = json.RawMessage(`[1]`) },
		"kwargs null":      func(t *Task) { t.Kwargs = json.RawMessage(`null`) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tk := ok
			mutate(&tk)
			if err := tk.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	tk := Task{Args: json.RawMessage(" null "), MaxRetries: 0}
	tk.ApplyDefaults()
	if string(tk.Args) != "[]" || string(tk.Kwargs) != "{}" || tk.BackoffSeconds != DefaultBackoffSeconds {
		t.Fatalf("defaults=%+v", tk)
	}
	// zero retries is a legal setting and stays zero
	if tk.MaxRetries != 0 {
		t.Fatalf("max_retries=%d", tk.MaxRetries)
	}
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	if TruncateError(short) != short {
		t.Fatalf("short message changed")
	}
	long := strings.Repeat("é", MaxErrorLen+50)
	got := TruncateError(long)
	if n := utf8.RuneCountInString(got); n != MaxErrorLen || !utf8.ValidString(got) {
		t.Fatalf("runes=%d valid=%v", n, utf8.ValidString(got))
	}
}

func TestPatchApply(t *testing.T) {
	base := validTask()
	base.ApplyDefaults()
	name, enabled, interval := "renamed", true, 5
	when := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	got, err := TaskPatch{Name: &name, Enabled: &enabled, IntervalSeconds: &interval, NextRunAt: &when}.Apply(base)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" || !got.Enabled || got.IntervalSeconds != 5 || got.CallableRef != base.CallableRef {
		t.Fatalf("patched=%+v", got)
	}
	if got.NextRunAt.Location() != time.UTC || !got.NextRunAt.Equal(when) {
		t.Fatalf("next_run_at=%s", got.NextRunAt)
	}

	bad := json.RawMessage(`"x"`)
	if _, err := (TaskPatch{Args: &bad}).Apply(base); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if got, err := (TaskPatch{}).Apply(base); err != nil || got.Name != base.Name {
		t.Fatalf("empty patch: %+v %v", got, err)
	}
}

func TestTaskHelpers(t *testing.T) {
	tk := validTask()
	if tk.Locked() {
		t.Fatalf("fresh task reports locked")
	}
	w := "w1"
	tk.LockedBy = &w
	if !tk.Locked() || tk.Interval() != time.Minute {
		t.Fatalf("locked=%v interval=%s", tk.Locked(), tk.Interval())
	}
}
