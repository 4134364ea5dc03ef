// Package registry maps callable refs of the form
// "<namespace>:<name>[.<name>...]" to functions registered at startup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func is a registered callable. It runs synchronously and reports failure
// through its error.
type Func func(ctx context.Context, call Call) error

// ResolutionError is returned when a ref cannot be turned into a Func.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Ref, e.Reason)
}

// IsResolution reports whether err is (or wraps) a ResolutionError.
func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

type Registry struct {
	mu         sync.RWMutex
	funcs      map[string]Func
	namespaces map[string]int
}

func New() *Registry {
	return &Registry{funcs: map[string]Func{}, namespaces: map[string]int{}}
}

// ParseRef splits ref into its namespace and attribute path.
func ParseRef(ref string) (string, []string, error) {
	ns, attr, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok {
		return "", nil, &ResolutionError{Ref: ref, Reason: "ref must look like 'namespace:name' e.g. 'jobs:say_hello'"}
	}
	if ns == "" {
		return "", nil, &ResolutionError{Ref: ref, Reason: "empty namespace"}
	}
	parts := strings.Split(attr, ".")
	for _, p := range parts {
		if p == "" {
			return "", nil, &ResolutionError{Ref: ref, Reason: "empty name segment"}
		}
	}
	return ns, parts, nil
}

func canonical(ns string, path []string) string {
	return ns + ":" + strings.Join(path, ".")
}

// Register binds fn to ref. Registering the same ref twice is an error.
func (r *Registry) Register(ref string, fn Func) error {
	ns, path, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if fn == nil {
		return &ResolutionError{Ref: ref, Reason: "not callable"}
	}
	key := canonical(ns, path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.funcs[key]; dup {
		return fmt.Errorf("callable %q already registered", key)
	}
	r.funcs[key] = fn
	r.namespaces[ns]++
	return nil
}

// MustRegister is Register for bootstrap code where a clash is a programming error.
func (r *Registry) MustRegister(ref string, fn Func) {
	if err := r.Register(ref, fn); err != nil {
		panic(err)
	}
}

// Resolve looks ref up. Failures are *ResolutionError so callers can record
// them like any other run failure.
func (r *Registry) Resolve(ref string) (Func, error) {
	ns, path, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.namespaces[ns] == 0 {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("no namespace named %q", ns)}
	}
	fn, ok := r.funcs[canonical(ns, path)]
	if !ok {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("namespace %q has no callable %q", ns, strings.Join(path, "."))}
	}
	return fn, nil
}

// Refs lists every registered ref in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
