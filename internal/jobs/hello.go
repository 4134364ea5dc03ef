package jobs

import (
	"context"
	"time"

	"taskengine/internal/registry"
)

// SayHello greets args[0] or kwargs.name, defaulting to "World".
func SayHello(_ context.Context, call registry.Call) error {
	name := "World"
	if len(call.Args) > 0 {
		if err := call.Arg(0, &name); err != nil {
			return err
		}
	}
	if _, err := call.Kwarg("name", &name); err != nil {
		return err
	}
	call.Env.Logger.Info().Str("greeting", "Hello, "+name+"!").Msg("say_hello")
	return nil
}

// SlowTask sleeps for kwargs.seconds (default 3). It stops early only if ctx
// is cancelled, which never happens under the executor since runs are
// detached from the caller.
func SlowTask(ctx context.Context, call registry.Call) error {
	seconds := 3
	if len(call.Args) > 0 {
		if err := call.Arg(0, &seconds); err != nil {
			return err
		}
	}
	if _, err := call.Kwarg("seconds", &seconds); err != nil {
		return err
	}
	call.Env.Logger.Info().Int("seconds", seconds).Msg("starting slow task")
	t := time.NewTimer(time.Duration(seconds) * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	call.Env.Logger.Info().Msg("slow task done")
	return nil
}
