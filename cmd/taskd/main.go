package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"

	"taskengine/internal/api"
	"taskengine/internal/config"
	"taskengine/internal/events"
	"taskengine/internal/executor"
	"taskengine/internal/jobs"
	"taskengine/internal/logging"
	"taskengine/internal/registry"
	"taskengine/internal/store"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db, dialect); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewRepo(db, dialect)

	pub := events.Disabled()
	if cfg.RedisURL != "" {
		rp, err := events.Connect(ctx, cfg.RedisURL, cfg.EventsStream)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		pub = rp
		log.Info().Str("stream_prefix", cfg.EventsStream).Msg("event publisher enabled")
	}
	defer pub.Close()

	reg := registry.New()
	jobs.Register(reg, dialect)
	log.Info().Strs("callables", reg.Refs()).Msg("callables registered")

	env := registry.Env{DB: db, Publisher: pub, Logger: log.Logger}
	svc := executor.NewService(repo, reg, env)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(repo, svc, api.Options{
			Token:       cfg.Token,
			WorkerID:    cfg.WorkerID,
			LockTimeout: cfg.LockTimeout,
			Debug:       cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("driver", string(dialect)).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error().Err(err).Msg("http server")
	}

	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	// in-flight runs finish under WithoutCancel; give them time to record outcomes
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
