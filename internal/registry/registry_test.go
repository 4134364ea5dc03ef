package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func noop(context.Context, Call) error { return nil }

func TestResolveRegistered(t *testing.T) {
	r := New()
	called := false
	r.MustRegister("jobs:say_hello", func(context.Context, Call) error { called = true; return nil })
	r.MustRegister("app.jobs:maintenance.vacuum", noop)

	fn, err := r.Resolve("jobs:say_hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(context.Background(), Call{}); err != nil || !called {
		t.Fatalf("resolved func not invoked: called=%v err=%v", called, err)
	}
	if _, err := r.Resolve(" app.jobs:maintenance.vacuum "); err != nil {
		t.Fatalf("dotted ref: %v", err)
	}
	if got := r.Refs(); len(got) != 2 || got[0] != "app.jobs:maintenance.vacuum" {
		t.Fatalf("Refs=%v", got)
	}
}

func TestResolveFailures(t *testing.T) {
	r := New()
	r.MustRegister("jobs:say_hello", noop)

	for _, ref := range []string{"say_hello", ":x", "jobs:", "jobs:a..b", "nope:say_hello", "jobs:missing"} {
		_, err := r.Resolve(ref)
		if err == nil {
			t.Fatalf("Resolve(%q) should fail", ref)
		}
		var re *ResolutionError
		if !errors.As(err, &re) {
			t.Fatalf("Resolve(%q) error %T is not a ResolutionError", ref, err)
		}
		if re.Ref != ref {
			t.Fatalf("ResolutionError.Ref=%q want %q", re.Ref, ref)
		}
	}
}

func TestRegisterRejects(t *testing.T) {
	r := New()
	if err := r.Register("jobs:nil", nil); !IsResolution(err) {
		t.Fatalf("nil func: %v", err)
	}
	if err := r.Register("bad", noop); !IsResolution(err) {
		t.Fatalf("malformed ref: %v", err)
	}
	r.MustRegister("jobs:once", noop)
	if err := r.Register("jobs:once", noop); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}

func TestCallHelpers(t *testing.T) {
	c, err := NewCall("id", "name", json.RawMessage(`[3,"x"]`), json.RawMessage(`{"name":"World","seconds":2}`), Env{})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if err := c.Arg(0, &n); err != nil || n != 3 {
		t.Fatalf("Arg(0)=%d err=%v", n, err)
	}
	if err := c.Arg(2, &n); err == nil {
		t.Fatalf("out of range arg should fail")
	}

	var name string
	ok, err := c.Kwarg("name", &name)
	if err != nil || !ok || name != "World" {
		t.Fatalf("Kwarg(name)=%q ok=%v err=%v", name, ok, err)
	}
	if ok, _ := c.Kwarg("absent", &name); ok {
		t.Fatalf("absent kwarg reported present")
	}

	var in struct {
		Name    string `json:"name"`
		Seconds int    `json:"seconds"`
	}
	if err := c.Bind(&in); err != nil || in.Seconds != 2 {
		t.Fatalf("Bind=%+v err=%v", in, err)
	}
	var narrow struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&narrow); err == nil {
		t.Fatalf("unexpected kwarg should be rejected")
	}

	if _, err := NewCall("id", "n", json.RawMessage(`{"a":1}`), nil, Env{}); err == nil {
		t.Fatalf("object args should fail to decode")
	}
}
