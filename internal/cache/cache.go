// Package cache provides the shared ephemeral store used for presence, playback snapshots and
// the cross-process publish/subscribe backplane.
//
// Every operation degrades to its zero value when the backend cannot be reached: callers run
// without caching rather than fail.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ComputeFunc produces the authoritative value for a cache-aside miss.
type ComputeFunc func(ctx context.Context) (any, error)

// Message is a payload received from a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Cache is the contract shared by the Redis-backed implementation and the disabled cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	GetJSON(ctx context.Context, key string, dest any) bool
	GetMany(ctx context.Context, keys ...string) []string
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...string) int64
	DeleteByPattern(ctx context.Context, pattern string) int64
	Increment(ctx context.Context, key string, delta int64) int64
	SetExpire(ctx context.Context, key string, ttl time.Duration) bool
	Exists(ctx context.Context, key string) bool
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error)

	SetAdd(ctx context.Context, key string, members ...string) bool
	SetRemove(ctx context.Context, key string, members ...string) bool
	SetMembers(ctx context.Context, key string) []string
	SetCount(ctx context.Context, key string) int64

	ListPushBounded(ctx context.Context, key string, value any, maxLength int64, ttl time.Duration) bool
	ListRange(ctx context.Context, key string, start, stop int64) []string

	Publish(ctx context.Context, channel string, payload []byte) bool
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, func())

	Ping(ctx context.Context) error
	Close() error
}

// Remember is a typed cache-aside read: the cached JSON is decoded into T, and on a miss compute
// runs once and its result is stored for ttl.
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
	if err != nil {
		return zero, err
	}
	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// A foreign or corrupted entry: drop it and serve from the source.
		c.Delete(ctx, key)
		return compute(ctx)
	}
	return decoded, nil
}

func encodeValue(value any) ([]byte, error) {
	switch typed := value.(type) {
	case nil:
		return nil, fmt.Errorf("cache: nil value")
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	case json.RawMessage:
		return typed, nil
	default:
		return json.Marshal(value)
	}
}
