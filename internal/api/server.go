package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"taskengine/internal/domain"
	"taskengine/internal/executor"
	"taskengine/internal/store"
)

// Runner executes one claim-and-run cycle.
type Runner interface {
	Run(ctx context.Context, req executor.RunRequest) (domain.Task, error)
}

type Options struct {
	// Token, when set, is required as a bearer token on /tasks routes.
	Token       string
	WorkerID    string
	LockTimeout time.Duration
	Debug       bool
	Now         func() time.Time
}

type Server struct {
	r      *chi.Mux
	repo   store.Repository
	runner Runner
	opts   Options
}

func NewServer(repo store.Repository, runner Runner, opts Options) http.Handler {
	if opts.WorkerID == "" {
		opts.WorkerID = executor.DefaultWorkerID
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = executor.DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, runner: runner, opts: opts}

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/metrics", s.metrics)

	r.Route("/tasks", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/by-name/{name}", s.getTaskByName)
		r.Get("/name/{name}", s.getTaskByName)
		r.Get("/{id}", s.getTask)
		r.Patch("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/run", s.runTask)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ready(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context(), s.opts.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "taskengine_up 1\n")
	fmt.Fprintf(w, "taskengine_tasks_total %d\n", st.Total)
	fmt.Fprintf(w, "taskengine_tasks_enabled %d\n", st.Enabled)
	fmt.Fprintf(w, "taskengine_tasks_due %d\n", st.Due)
	fmt.Fprintf(w, "taskengine_tasks_locked %d\n", st.Locked)
	fmt.Fprintf(w, "taskengine_tasks_erroring %d\n", st.Erroring)
}

type createTaskReq struct {
	Name            string          `json:"name"`
	CallableRef     string          `json:"callable_ref"`
	Args            json.RawMessage `json:"args"`
	Kwargs          json.RawMessage `json:"kwargs"`
	IntervalSeconds int             `json:"interval_seconds"`
	Enabled         *bool           `json:"enabled"`
	NextRunAt       *time.Time      `json:"next_run_at"`
	MaxRetries      *int            `json:"max_retries"`
	BackoffSeconds  *int            `json:"backoff_seconds"`
}

func (req createTaskReq) task() domain.Task {
	t := domain.Task{
		Name:            req.Name,
		CallableRef:     req.CallableRef,
		Args:            req.Args,
		Kwargs:          req.Kwargs,
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         true,
		MaxRetries:      domain.DefaultMaxRetries,
		BackoffSeconds:  domain.DefaultBackoffSeconds,
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.NextRunAt != nil {
		t.NextRunAt = req.NextRunAt.UTC()
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.BackoffSeconds != nil {
		t.BackoffSeconds = *req.BackoffSeconds
	}
	return t
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.repo.Create(r.Context(), req.task())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.ListFilter
	if v := q.Get("enabled"); v != "" {
		b, err := parseFlag(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be a boolean")
			return
		}
		f.Enabled = &b
	}
	var err error
	if f.Offset, err = intParam(q.Get("skip"), 0); err != nil || f.Offset < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), 100); err != nil || f.Limit < 1 || f.Limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	tasks, err := s.repo.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) getTaskByName(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch domain.TaskPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.repo.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := executor.RunRequest{
		TaskID:      chi.URLParam(r, "id"),
		WorkerID:    s.opts.WorkerID,
		LockTimeout: s.opts.LockTimeout,
	}
	if q.Has("force") {
		force, err := parseFlag(q.Get("force"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		req.Force = force
	}
	if v := q.Get("lock_timeout_sec"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 1 {
			writeError(w, http.StatusBadRequest, "lock_timeout_sec must be a positive integer")
			return
		}
		req.LockTimeout = time.Duration(sec) * time.Second
	}
	if v := strings.TrimSpace(q.Get("worker_id")); v != "" {
		req.WorkerID = v
	}

	t, err := s.runner.Run(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, t)
	case errors.Is(err, executor.ErrNotClaimable):
		writeError(w, http.StatusConflict, "task not claimable")
	case errors.Is(err, executor.ErrClaimLost):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("task_id", req.TaskID).Msg("run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseFlag accepts the usual boolean spellings; an empty value (?force) means true.
func parseFlag(v string) (bool, error) {
	if v == "" {
		return true, nil
	}
	return strconv.ParseBool(v)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
