package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"taskengine/internal/registry"
)

type routineKind string

const (
	kindFunction  routineKind = "function"
	kindProcedure routineKind = "procedure"
)

type routineMeta struct {
	Kind   routineKind
	Schema string
}

// allowedRoutines lists the database routines tasks may call.
var allowedRoutines = map[string]routineMeta{
	"create_upcoming_mon_sensor_data_partitions": {Kind: kindFunction, Schema: "public"},
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type routineCall struct {
	Name   string            `json:"name"`
	Args   []json.RawMessage `json:"args"`
	Schema string            `json:"schema"`
	Kind   routineKind       `json:"kind"`
}

// routineSQL builds the CALL/SELECT statement for an allow-listed routine.
// Identifiers are validated and quoted; values always travel as bind params.
func routineSQL(rc routineCall) (string, []any, error) {
	meta, ok := allowedRoutines[rc.Name]
	if !ok {
		return "", nil, fmt.Errorf("routine %q is not allowed", rc.Name)
	}
	schema := rc.Schema
	if schema == "" {
		schema = meta.Schema
	}
	kind := rc.Kind
	if kind == "" {
		kind = meta.Kind
	}
	if !identRe.MatchString(rc.Name) || !identRe.MatchString(schema) {
		return "", nil, errors.New("invalid routine identifier")
	}

	placeholders := make([]string, len(rc.Args))
	args := make([]any, len(rc.Args))
	for i, raw := range rc.Args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", nil, fmt.Errorf("routine argument %d: %w", i, err)
		}
		args[i] = v
	}
	ident := fmt.Sprintf(`"%s"."%s"`, schema, rc.Name)
	list := strings.Join(placeholders, ", ")

	switch strings.ToLower(string(kind)) {
	case string(kindProcedure):
		return fmt.Sprintf("CALL %s(%s)", ident, list), args, nil
	case string(kindFunction):
		return fmt.Sprintf("SELECT %s(%s)", ident, list), args, nil
	default:
		return "", nil, fmt.Errorf("kind must be 'procedure' or 'function', got %q", kind)
	}
}

type routines struct {
	postgres bool
}

func (r routines) exec(ctx context.Context, call registry.Call, rc routineCall) error {
	if !r.postgres {
		return errors.New("database routines require a postgres task store")
	}
	if call.Env.DB == nil {
		return errors.New("database handle not available")
	}
	q, args, err := routineSQL(rc)
	if err != nil {
		return err
	}
	if _, err := call.Env.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%s: %w", q, err)
	}
	call.Env.Logger.Info().Str("routine", rc.Name).Msg("database routine executed")
	return nil
}

// RunDBRoutine calls kwargs.name with kwargs.args.
func (r routines) RunDBRoutine(ctx context.Context, call registry.Call) error {
	var rc routineCall
	if err := call.Bind(&rc); err != nil {
		return err
	}
	return r.exec(ctx, call, rc)
}

// CreatePartitions keeps the sensor data partitions ahead of time.
func (r routines) CreatePartitions(ctx context.Context, call registry.Call) error {
	return r.exec(ctx, call, routineCall{
		Name:   "create_upcoming_mon_sensor_data_partitions",
		Kind:   kindFunction,
		Schema: "public",
	})
}
