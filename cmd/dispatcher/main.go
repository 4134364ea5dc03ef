package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"

	"taskengine/internal/config"
	"taskengine/internal/dispatcher"
	"taskengine/internal/logging"
	"taskengine/internal/store"
)

func main() {
	cfg, err := config.LoadDispatcher(os.Args[1:], os.Getenv)
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
	repo := store.NewRepo(db, dialect)

	var runner dispatcher.Runner
	if cfg.APIBaseURL != "" {
		c, err := dispatcher.NewClient(cfg.APIBaseURL, cfg.APIToken,
			dispatcher.WithWorkerID(cfg.WorkerID),
			dispatcher.WithLockTimeout(cfg.LockTimeout),
			dispatcher.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("api client")
		}
		runner = c
	} else {
		log.Warn().Msg("API_BASE_URL not set, due tasks will be listed but not triggered")
	}

	d, err := dispatcher.New(repo, runner, dispatcher.Config{
		Schedule:    cfg.PollSchedule,
		Interval:    cfg.PollInterval,
		DueLimit:    cfg.DueLimit,
		Concurrency: cfg.Concurrency,
		Rate:        cfg.Rate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("dispatcher")
	}

	if cfg.Once {
		res := d.Cycle(ctx)
		log.Info().Int("due", res.Due).Int("ok", res.OK).Int("failed", res.Failed).
			Int("not_claimable", res.NotClaimable).Int("errors", res.Errors).Msg("cycle finished")
		return
	}

	log.Info().Str("worker_id", cfg.WorkerID).Str("driver", string(dialect)).Msg("dispatcher starting")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	d.Start(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
