package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskengine/internal/domain"
	"taskengine/internal/executor"
	"taskengine/internal/registry"
	"taskengine/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return epoch }

type fixture struct {
	srv  *httptest.Server
	repo store.Repository
	reg  *registry.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	db, d, err := store.Open(ctx, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.EnsureSchema(ctx, db, d); err != nil {
		t.Fatal(err)
	}
	repo := store.NewRepo(db, d, store.WithClock(clock))
	reg := registry.New()
	svc := executor.NewService(repo, reg, registry.Env{DB: db}, executor.WithClock(clock))
	opts.Now = clock
	srv := httptest.NewServer(NewServer(repo, svc, opts))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, repo: repo, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	if resp := f.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/ready", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status=%d", resp.StatusCode)
	}
}

func TestCreateGetDelete(t *testing.T) {
	f := newFixture(t, Options{})

	resp := f.do(t, http.MethodPost, "/tasks", `{"name":"nightly","callable_ref":"jobs:noop","interval_seconds":3600,"kwargs":{"x":1}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	created := decode[domain.Task](t, resp)
	if created.ID == "" || !created.Enabled || created.MaxRetries != domain.DefaultMaxRetries || string(created.Args) != "[]" {
		t.Fatalf("unexpected created task: %+v", created)
	}
	if !created.NextRunAt.Equal(epoch) {
		t.Fatalf("next_run_at=%s want %s", created.NextRunAt, epoch)
	}

	resp = f.do(t, http.MethodGet, "/tasks/"+created.ID, "")
	if resp.StatusCode != http.StatusOK || decode[domain.Task](t, resp).Name != "nightly" {
		t.Fatalf("get by id failed: %d", resp.StatusCode)
	}
	for _, p := range []string{"/tasks/by-name/nightly", "/tasks/name/nightly"} {
		resp = f.do(t, http.MethodGet, p, "")
		if resp.StatusCode != http.StatusOK || decode[domain.Task](t, resp).ID != created.ID {
			t.Fatalf("%s failed: %d", p, resp.StatusCode)
		}
	}

	if resp = f.do(t, http.MethodDelete, "/tasks/"+created.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if resp = f.do(t, http.MethodGet, "/tasks/"+created.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", resp.StatusCode)
	}
	if resp = f.do(t, http.MethodDelete, "/tasks/"+created.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t, Options{})
	body := `{"name":"dup","callable_ref":"jobs:noop","interval_seconds":60}`
	if resp := f.do(t, http.MethodPost, "/tasks", body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	cases := map[string]struct {
		body string
		want int
	}{
		"duplicate":     {body, http.StatusConflict},
		"zero interval": {`{"name":"z","callable_ref":"jobs:noop","interval_seconds":0}`, http.StatusBadRequest},
		"args object":   {`{"name":"a","callable_ref":"jobs:noop","interval_seconds":5,"args":{}}`, http.StatusBadRequest},
		"kwargs array":  {`{"name":"k","callable_ref":"jobs:noop","interval_seconds":5,"kwargs":[]}`, http.StatusBadRequest},
		"unknown field": {`{"name":"u","callable_ref":"jobs:noop","interval_seconds":5,"cron":"* * * * *"}`, http.StatusBadRequest},
		"bad json":      {`{"name":`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if resp := f.do(t, http.MethodPost, "/tasks", tc.body); resp.StatusCode != tc.want {
				t.Fatalf("status=%d want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i, name := range []string{"a", "b", "c"} {
		_, err := f.repo.Create(ctx, domain.Task{
			Name: name, CallableRef: "jobs:noop", IntervalSeconds: 60,
			Enabled: name != "b", NextRunAt: epoch.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all := decode[[]domain.Task](t, f.do(t, http.MethodGet, "/tasks", ""))
	if len(all) != 3 || all[0].Name != "a" || all[2].Name != "c" {
		t.Fatalf("list=%v", names(all))
	}
	enabled := decode[[]domain.Task](t, f.do(t, http.MethodGet, "/tasks?enabled=1", ""))
	if got := names(enabled); got != "a,c" {
		t.Fatalf("enabled=%s", got)
	}
	page := decode[[]domain.Task](t, f.do(t, http.MethodGet, "/tasks?skip=1&limit=1", ""))
	if got := names(page); got != "b" {
		t.Fatalf("page=%s", got)
	}
	if resp := f.do(t, http.MethodGet, "/tasks?limit=0", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0 status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/tasks?enabled=maybe", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("enabled=maybe status=%d", resp.StatusCode)
	}
}

func names(ts []domain.Task) string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return strings.Join(out, ",")
}

func TestPatch(t *testing.T) {
	f := newFixture(t, Options{})
	tk, err := f.repo.Create(context.Background(), domain.Task{Name: "p", CallableRef: "jobs:noop", IntervalSeconds: 60, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	resp := f.do(t, http.MethodPatch, "/tasks/"+tk.ID, `{"enabled":false,"interval_seconds":120}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status=%d", resp.StatusCode)
	}
	got := decode[domain.Task](t, resp)
	if got.Enabled || got.IntervalSeconds != 120 || got.Name != "p" {
		t.Fatalf("patched=%+v", got)
	}
	if resp := f.do(t, http.MethodPatch, "/tasks/"+tk.ID, `{"interval_seconds":0}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid patch status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPatch, "/tasks/00000000-0000-0000-0000-000000000000", `{"enabled":true}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing patch status=%d", resp.StatusCode)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, Options{WorkerID: "api-test"})
	var calls atomic.Int32
	f.reg.MustRegister("jobs:count", func(context.Context, registry.Call) error {
		calls.Add(1)
		return nil
	})
	f.reg.MustRegister("jobs:fail", func(context.Context, registry.Call) error {
		return errors.New("boom")
	})
	ctx := context.Background()
	ok, err := f.repo.Create(ctx, domain.Task{Name: "ok", CallableRef: "jobs:count", IntervalSeconds: 60, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodPost, "/tasks/"+ok.ID+"/run", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status=%d", resp.StatusCode)
	}
	got := decode[domain.Task](t, resp)
	if calls.Load() != 1 || got.LastStatus == nil || *got.LastStatus != domain.StatusOK || got.Locked() {
		t.Fatalf("after run: calls=%d task=%+v", calls.Load(), got)
	}
	if !got.NextRunAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("next_run_at=%s", got.NextRunAt)
	}

	// not due any more
	resp = f.do(t, http.MethodPost, "/tasks/"+ok.ID+"/run", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second run status=%d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["error"] != "task not claimable" {
		t.Fatalf("conflict body=%v", body)
	}
	if resp := f.do(t, http.MethodPost, "/tasks/"+ok.ID+"/run?force", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("forced run status=%d", resp.StatusCode)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls=%d", n)
	}

	fail, err := f.repo.Create(ctx, domain.Task{Name: "fail", CallableRef: "jobs:fail", IntervalSeconds: 60, Enabled: true, MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	resp = f.do(t, http.MethodPost, "/tasks/"+fail.ID+"/run?worker_id=w9&lock_timeout_sec=30", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failing run should still be 200, got %d", resp.StatusCode)
	}
	got = decode[domain.Task](t, resp)
	if got.RetryCount != 1 || got.LastError == nil || *got.LastError != "boom" {
		t.Fatalf("after failing run: %+v", got)
	}

	bad := map[string]int{
		"/tasks/" + ok.ID + "/run?lock_timeout_sec=0": http.StatusBadRequest,
		"/tasks/" + ok.ID + "/run?force=perhaps":      http.StatusBadRequest,
		"/tasks/not-a-uuid/run":                       http.StatusConflict,
	}
	for p, want := range bad {
		if resp := f.do(t, http.MethodPost, p, ""); resp.StatusCode != want {
			t.Fatalf("%s status=%d want %d", p, resp.StatusCode, want)
		}
	}
}

func TestToken(t *testing.T) {
	f := newFixture(t, Options{Token: "s3cret"})
	if resp := f.do(t, http.MethodGet, "/tasks", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/tasks", "", "Authorization", "Bearer wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/tasks", "", "Authorization", "Bearer s3cret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("good token status=%d", resp.StatusCode)
	}
	// probes stay open
	if resp := f.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health with token status=%d", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.repo.Create(ctx, domain.Task{Name: "m1", CallableRef: "jobs:noop", IntervalSeconds: 60, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.Create(ctx, domain.Task{Name: "m2", CallableRef: "jobs:noop", IntervalSeconds: 60, NextRunAt: epoch.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	resp := f.do(t, http.MethodGet, "/metrics", "")
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	body := buf.String()
	for _, want := range []string{"taskengine_tasks_total 2", "taskengine_tasks_enabled 1", "taskengine_tasks_due 1", "taskengine_tasks_locked 0"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
