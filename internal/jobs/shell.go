package jobs

import (
	"context"
	"fmt"
	"os/exec"

	"taskengine/internal/registry"
)

type shellCmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

// Shell runs kwargs.command with kwargs.args; a non-zero exit is a failure.
func Shell(ctx context.Context, call registry.Call) error {
	var c shellCmd
	if err := call.Bind(&c); err != nil {
		return err
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	call.Env.Logger.Debug().Str("command", c.Command).Int("output_bytes", len(out)).Msg("shell command finished")
	return nil
}
