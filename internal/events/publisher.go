// Package events is the message-bus client handed to callables. It is built
// once by the process bootstrap and closed on shutdown.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrDisabled is returned by the disabled publisher so a callable that needs
// the bus fails visibly instead of dropping messages.
var ErrDisabled = errors.New("event publisher not configured")

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
	Close() error
}

// RedisPublisher appends messages to a Redis stream per topic.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
}

// Connect parses url (redis://...) and verifies the server answers.
func Connect(ctx context.Context, url, streamPrefix string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisPublisher(rdb, streamPrefix), nil
}

func NewRedisPublisher(rdb *redis.Client, streamPrefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: streamPrefix, maxLen: 10000}
}

// StreamKey is the Redis key a topic is written to.
func (p *RedisPublisher) StreamKey(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + ":" + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.StreamKey(topic),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"key": key, "value": string(body)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.StreamKey(topic), err)
	}
	log.Debug().Str("topic", topic).Str("key", key).Str("id", id).Msg("event published")
	return nil
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }

type disabled struct{}

// Disabled returns a Publisher that rejects every message with ErrDisabled.
func Disabled() Publisher { return disabled{} }

func (disabled) Publish(context.Context, string, string, any) error { return ErrDisabled }
func (disabled) Close() error                                       { return nil }
