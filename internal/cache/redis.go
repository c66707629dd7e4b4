package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	scanBatchSize       = 200
	subscriptionBuffer  = 256
	subscribeAckTimeout = 2 * time.Second
	sharedComputeLimit  = 10 * time.Second
)

var errMissingClient = errors.New("cache: redis client is required")

// RedisConfig describes how to reach the Redis backend.
type RedisConfig struct {
	Address         string
	Password        string
	DB              int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
}

// NewRedisClient builds a go-redis client with bounded retry/backoff for transient
// connection errors. It does not dial; unreachable backends surface lazily as degraded reads.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	minBackoff := cfg.MinRetryBackoff
	if minBackoff <= 0 {
		minBackoff = 8 * time.Millisecond
	}
	maxBackoff := cfg.MaxRetryBackoff
	if maxBackoff <= 0 {
		maxBackoff = 512 * time.Millisecond
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: minBackoff,
		MaxRetryBackoff: maxBackoff,
		DialTimeout:     dialTimeout,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
	})
}

// RedisCacheConfig wires a RedisCache.
type RedisCacheConfig struct {
	Client redis.UniversalClient
	Logger *zap.Logger
}

// RedisCache implements Cache on top of Redis.
type RedisCache struct {
	client      redis.UniversalClient
	logger      *zap.Logger
	flight      singleflight.Group
	unavailable atomic.Bool
}

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: cfg.Client, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.recordFailure("get", key, err)
		}
		return "", false
	}
	c.recordSuccess()
	return value, true
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.logger.Debug("cache value decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// GetMany returns one entry per key; missing keys yield an empty string.
func (c *RedisCache) GetMany(ctx context.Context, keys ...string) []string {
	out := make([]string, len(keys))
	if len(keys) == 0 {
		return out
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.recordFailure("mget", strings.Join(keys, ","), err)
		return out
	}
	c.recordSuccess()
	for index, value := range values {
		if text, ok := value.(string); ok {
			out[index] = text
		}
	}
	return out
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	payload, err := encodeValue(value)
	if err != nil {
		c.logger.Debug("cache value encode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.recordFailure("set", key, err)
		return false
	}
	c.recordSuccess()
	return true
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	removed, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		c.recordFailure("del", strings.Join(keys, ","), err)
		return 0
	}
	c.recordSuccess()
	return removed
}

// DeleteByPattern removes every key matching the glob, walking the keyspace with SCAN.
func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) int64 {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			c.recordFailure("scan", pattern, err)
			return removed
		}
		if len(keys) > 0 {
			count, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				c.recordFailure("del", pattern, err)
				return removed
			}
			removed += count
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.recordSuccess()
	return removed
}

func (c *RedisCache) Increment(ctx context.Context, key string, delta int64) int64 {
	value, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		c.recordFailure("incrby", key, err)
		return 0
	}
	c.recordSuccess()
	return value
}

func (c *RedisCache) SetExpire(ctx context.Context, key string, ttl time.Duration) bool {
	applied, err := c.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		c.recordFailure("expire", key, err)
		return false
	}
	c.recordSuccess()
	return applied
}

func (c *RedisCache) Exists(ctx context.Context, key string) bool {
	count, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.recordFailure("exists", key, err)
		return false
	}
	c.recordSuccess()
	return count > 0
}

// GetOrCompute returns the cached bytes for key, or runs compute once for all concurrent
// callers missing the same key in this process and stores the result for ttl.
// Only errors from compute are returned; cache failures are treated as misses.
// The shared compute outlives the caller that started it, up to sharedComputeLimit, so one
// cancelled caller does not fail the others waiting on the same key.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if cached, ok := c.Get(ctx, key); ok {
		return []byte(cached), nil
	}
	result := c.flight.DoChan(key, func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedComputeLimit)
		defer cancel()
		if cached, ok := c.Get(sharedCtx, key); ok {
			return []byte(cached), nil
		}
		computed, err := compute(sharedCtx)
		if err != nil {
			return nil, err
		}
		payload, err := encodeValue(computed)
		if err != nil {
			return nil, err
		}
		c.Set(sharedCtx, key, payload, ttl)
		return payload, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-result:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Val.([]byte), nil
	}
}

func (c *RedisCache) SetAdd(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return false
	}
	if err := c.client.SAdd(ctx, key, toInterfaces(members)...).Err(); err != nil {
		c.recordFailure("sadd", key, err)
		return false
	}
	c.recordSuccess()
	return true
}

func (c *RedisCache) SetRemove(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return false
	}
	if err := c.client.SRem(ctx, key, toInterfaces(members)...).Err(); err != nil {
		c.recordFailure("srem", key, err)
		return false
	}
	c.recordSuccess()
	return true
}

func (c *RedisCache) SetMembers(ctx context.Context, key string) []string {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		c.recordFailure("smembers", key, err)
		return nil
	}
	c.recordSuccess()
	return members
}

func (c *RedisCache) SetCount(ctx context.Context, key string) int64 {
	count, err := c.client.SCard(ctx, key).Result()
	if err != nil {
		c.recordFailure("scard", key, err)
		return 0
	}
	c.recordSuccess()
	return count
}

// ListPushBounded prepends value and trims the list to maxLength newest entries.
func (c *RedisCache) ListPushBounded(ctx context.Context, key string, value any, maxLength int64, ttl time.Duration) bool {
	payload, err := encodeValue(value)
	if err != nil {
		c.logger.Debug("cache value encode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	if maxLength > 0 {
		pipe.LTrim(ctx, key, 0, maxLength-1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.recordFailure("lpush", key, err)
		return false
	}
	c.recordSuccess()
	return true
}

func (c *RedisCache) ListRange(ctx context.Context, key string, start, stop int64) []string {
	values, err := c.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		c.recordFailure("lrange", key, err)
		return nil
	}
	c.recordSuccess()
	return values
}

func (c *RedisCache) Publish(ctx context.Context, channel string, payload []byte) bool {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		c.recordFailure("publish", channel, err)
		return false
	}
	c.recordSuccess()
	return true
}

// Subscribe pattern-subscribes to the given channels. The returned channel is closed once ctx
// is cancelled or the cleanup function runs. Lost connections are re-established by go-redis.
func (c *RedisCache) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, func()) {
	subscribeCtx, cancel := context.WithCancel(ctx)
	pubsub := c.client.PSubscribe(subscribeCtx, patterns...)

	ackCtx, ackCancel := context.WithTimeout(subscribeCtx, subscribeAckTimeout)
	if _, err := pubsub.Receive(ackCtx); err != nil {
		c.recordFailure("psubscribe", strings.Join(patterns, ","), err)
	}
	ackCancel()

	source := pubsub.Channel()
	out := make(chan Message, subscriptionBuffer)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		defer cleanup()
		for {
			select {
			case <-subscribeCtx.Done():
				return
			case received, ok := <-source:
				if !ok {
					return
				}
				message := Message{Channel: received.Channel, Payload: []byte(received.Payload)}
				select {
				case out <- message:
				case <-subscribeCtx.Done():
					return
				}
			}
		}
	}()

	return out, cleanup
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.recordFailure("ping", "", err)
		return err
	}
	c.recordSuccess()
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) recordFailure(operation, key string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if c.unavailable.CompareAndSwap(false, true) {
		c.logger.Warn("cache backend unavailable, degrading to defaults",
			zap.String("operation", operation),
			zap.Error(err))
	}
	c.logger.Debug("cache operation failed",
		zap.String("operation", operation),
		zap.String("key", key),
		zap.Error(err))
}

func (c *RedisCache) recordSuccess() {
	if c.unavailable.CompareAndSwap(true, false) {
		c.logger.Info("cache backend recovered")
	}
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for index, value := range values {
		out[index] = value
	}
	return out
}
