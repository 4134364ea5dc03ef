package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"taskengine/internal/events"
	"taskengine/internal/registry"
)

type publishCall struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Publish sends kwargs.value to kwargs.topic on the injected message bus.
func Publish(ctx context.Context, call registry.Call) error {
	var pc publishCall
	if err := call.Bind(&pc); err != nil {
		return err
	}
	if pc.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if call.Env.Publisher == nil {
		return events.ErrDisabled
	}
	key := pc.Key
	if key == "" {
		key = call.TaskName
	}
	return call.Env.Publisher.Publish(ctx, pc.Topic, key, pc.Value)
}
