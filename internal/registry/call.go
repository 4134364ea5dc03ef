package registry

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"taskengine/internal/events"
)

// Env holds the process-owned dependencies a callable may use. It is built
// by the bootstrap and shared read-only across runs.
type Env struct {
	DB        *sql.DB
	Publisher events.Publisher
	Logger    zerolog.Logger
}

// Call is the frame a callable is invoked with: a copy of the task's stored
// arguments plus the injected environment.
type Call struct {
	TaskID   string
	TaskName string
	Args     []json.RawMessage
	Kwargs   map[string]json.RawMessage
	Env      Env
}

// NewCall decodes stored args/kwargs into a fresh frame.
func NewCall(taskID, taskName string, args, kwargs json.RawMessage, env Env) (Call, error) {
	c := Call{TaskID: taskID, TaskName: taskName, Env: env}
	if len(bytes.TrimSpace(args)) > 0 {
		if err := json.Unmarshal(args, &c.Args); err != nil {
			return Call{}, fmt.Errorf("decode args: %w", err)
		}
	}
	if len(bytes.TrimSpace(kwargs)) > 0 {
		if err := json.Unmarshal(kwargs, &c.Kwargs); err != nil {
			return Call{}, fmt.Errorf("decode kwargs: %w", err)
		}
	}
	if c.Kwargs == nil {
		c.Kwargs = map[string]json.RawMessage{}
	}
	return c, nil
}

// Arg decodes positional argument i into v.
func (c Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("missing positional argument %d", i)
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Kwarg decodes the named argument into v and reports whether it was present.
func (c Call) Kwarg(name string, v any) (bool, error) {
	raw, ok := c.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("argument %q: %w", name, err)
	}
	return true, nil
}

// Bind decodes all kwargs into the struct pointed to by v. Unknown keyword
// arguments are rejected.
func (c Call) Bind(v any) error {
	b, err := json.Marshal(c.Kwargs)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bind kwargs: %w", err)
	}
	return nil
}
