package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := NewRedisClient(RedisConfig{Address: server.Addr()})
	cache, err := NewRedisCache(RedisCacheConfig{Client: client})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(func() {
		_ = cache.Close()
	})
	return cache, server
}

func TestNewRedisCacheRequiresClient(t *testing.T) {
	if _, err := NewRedisCache(RedisCacheConfig{}); !errors.Is(err, errMissingClient) {
		t.Fatalf("expected errMissingClient, got %v", err)
	}
}

func TestRedisCacheSetStoresStringsRawAndValuesAsJSON(t *testing.T) {
	cache, server := newTestCache(t)
	ctx := context.Background()

	if !cache.Set(ctx, "plain", "hello", time.Minute) {
		t.Fatalf("expected set to succeed")
	}
	if !cache.Set(ctx, "structured", map[string]int{"count": 2}, time.Minute) {
		t.Fatalf("expected set to succeed")
	}

	raw, err := server.Get("plain")
	if err != nil || raw != "hello" {
		t.Fatalf("expected raw string, got %q (%v)", raw, err)
	}
	var decoded map[string]int
	if !cache.GetJSON(ctx, "structured", &decoded) || decoded["count"] != 2 {
		t.Fatalf("unexpected decoded value %#v", decoded)
	}
	if ttl := server.TTL("plain"); ttl != time.Minute {
		t.Fatalf("expected ttl of one minute, got %s", ttl)
	}

	server.FastForward(2 * time.Minute)
	if _, ok := cache.Get(ctx, "plain"); ok {
		t.Fatalf("expected key to expire")
	}
}

func TestRedisCacheGetManyKeepsPositions(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	cache.Set(ctx, "a", "1", 0)
	cache.Set(ctx, "c", "3", 0)

	values := cache.GetMany(ctx, "a", "b", "c")
	if len(values) != 3 || values[0] != "1" || values[1] != "" || values[2] != "3" {
		t.Fatalf("unexpected values %#v", values)
	}
}

func TestRedisCacheDeleteByPattern(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	for _, key := range []string{"presence:u1", "presence:u2", "activity:u1"} {
		cache.Set(ctx, key, "x", 0)
	}

	if removed := cache.DeleteByPattern(ctx, "presence:*"); removed != 2 {
		t.Fatalf("expected two keys removed, got %d", removed)
	}
	if !cache.Exists(ctx, "activity:u1") {
		t.Fatalf("expected unrelated key to survive")
	}
}

func TestRedisCacheCountersAndExpiry(t *testing.T) {
	cache, server := newTestCache(t)
	ctx := context.Background()

	cache.Increment(ctx, "counter", 2)
	if value := cache.Increment(ctx, "counter", 3); value != 5 {
		t.Fatalf("expected counter to be 5, got %d", value)
	}
	if !cache.SetExpire(ctx, "counter", 10*time.Second) {
		t.Fatalf("expected expire to apply")
	}
	if ttl := server.TTL("counter"); ttl != 10*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if cache.SetExpire(ctx, "missing", time.Second) {
		t.Fatalf("expected expire on a missing key to report false")
	}
}

func TestRedisCacheSets(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.SetAdd(ctx, "online", "u1", "u2", "u2")
	if count := cache.SetCount(ctx, "online"); count != 2 {
		t.Fatalf("expected two members, got %d", count)
	}
	cache.SetRemove(ctx, "online", "u1")
	members := cache.SetMembers(ctx, "online")
	if len(members) != 1 || members[0] != "u2" {
		t.Fatalf("unexpected members %#v", members)
	}
}

func TestRedisCacheListPushBoundedKeepsNewest(t *testing.T) {
	cache, server := newTestCache(t)
	ctx := context.Background()

	for _, value := range []string{"one", "two", "three", "four"} {
		if !cache.ListPushBounded(ctx, "recent", value, 3, time.Hour) {
			t.Fatalf("expected push to succeed")
		}
	}
	values := cache.ListRange(ctx, "recent", 0, -1)
	if len(values) != 3 || values[0] != "four" || values[2] != "two" {
		t.Fatalf("unexpected list %#v", values)
	}
	if ttl := server.TTL("recent"); ttl != time.Hour {
		t.Fatalf("expected list ttl of one hour, got %s", ttl)
	}
}

func TestRedisCacheGetOrComputeRunsComputeOnceForConcurrentMisses(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return map[string]string{"song": "s1"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			value, err := cache.GetOrCompute(ctx, "snapshot", time.Minute, compute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[slot] = value
		}(index)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected compute to run once, ran %d times", calls.Load())
	}
	for _, value := range results {
		if string(value) != `{"song":"s1"}` {
			t.Fatalf("unexpected value %q", value)
		}
	}

	if _, err := cache.GetOrCompute(ctx, "snapshot", time.Minute, func(context.Context) (any, error) {
		t.Fatalf("expected cached value to be served")
		return nil, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRedisCacheGetOrComputeSurvivesFirstCallerCancelling(t *testing.T) {
	cache, _ := newTestCache(t)
	started := make(chan struct{})
	finish := make(chan struct{})
	var calls atomic.Int32
	var startOnce sync.Once
	compute := func(ctx context.Context) (any, error) {
		calls.Add(1)
		startOnce.Do(func() { close(started) })
		select {
		case <-finish:
			return "fresh", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCompute(firstCtx, "snapshot", time.Minute, compute)
		firstDone <- err
	}()
	<-started

	secondDone := make(chan []byte, 1)
	go func() {
		value, err := cache.GetOrCompute(context.Background(), "snapshot", time.Minute, compute)
		if err != nil {
			t.Errorf("expected the waiting caller to succeed, got %v", err)
		}
		secondDone <- value
	}()

	cancelFirst()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to see context.Canceled, got %v", err)
	}
	close(finish)
	if value := <-secondDone; string(value) != "fresh" {
		t.Fatalf("expected the shared value, got %q", value)
	}
	if cached, ok := cache.Get(context.Background(), "snapshot"); !ok || cached != "fresh" {
		t.Fatalf("expected the value to be cached, got %q %v", cached, ok)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one compute, got %d", calls.Load())
	}
}

func TestRedisCacheGetOrComputeDoesNotCacheErrors(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	failure := errors.New("source down")

	if _, err := cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) (any, error) {
		return nil, failure
	}); !errors.Is(err, failure) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if cache.Exists(ctx, "k") {
		t.Fatalf("expected nothing cached after a failed compute")
	}
}

func TestRememberDecodesTypedValues(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	type queue struct {
		Songs []string `json:"songs"`
	}

	first, err := Remember(ctx, Cache(cache), "queue:ABC123", time.Minute, func(context.Context) (queue, error) {
		return queue{Songs: []string{"s1", "s2"}}, nil
	})
	if err != nil || len(first.Songs) != 2 {
		t.Fatalf("unexpected first result %#v (%v)", first, err)
	}
	second, err := Remember(ctx, Cache(cache), "queue:ABC123", time.Minute, func(context.Context) (queue, error) {
		return queue{}, errors.New("should not be called")
	})
	if err != nil || len(second.Songs) != 2 || second.Songs[1] != "s2" {
		t.Fatalf("unexpected cached result %#v (%v)", second, err)
	}
}

func TestRememberRecoversFromCorruptedEntry(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	cache.Set(ctx, "count", "not-json", time.Minute)

	value, err := Remember(ctx, Cache(cache), "count", time.Minute, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || value != 7 {
		t.Fatalf("expected recomputed value, got %d (%v)", value, err)
	}
}

func TestRedisCacheSubscribeReceivesPatternMessages(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, cleanup := cache.Subscribe(ctx, "party:room:*")
	defer cleanup()

	if !cache.Publish(ctx, "party:room:ABC123", []byte(`{"event":"x"}`)) {
		t.Fatalf("expected publish to succeed")
	}
	select {
	case message := <-messages:
		if message.Channel != "party:room:ABC123" || string(message.Payload) != `{"event":"x"}` {
			t.Fatalf("unexpected message %#v", message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}

	cleanup()
	select {
	case _, ok := <-messages:
		if ok {
			t.Fatalf("expected channel to close after cleanup")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestRedisCacheDegradesWhenBackendUnavailable(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	server := miniredis.RunT(t)
	client := NewRedisClient(RedisConfig{Address: server.Addr()})
	cache, err := NewRedisCache(RedisCacheConfig{Client: client, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()
	server.Close()

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatalf("expected miss on unavailable backend")
	}
	if cache.Set(ctx, "k", "v", time.Minute) {
		t.Fatalf("expected set to report failure")
	}
	if cache.SetMembers(ctx, "s") != nil {
		t.Fatalf("expected nil members")
	}
	if cache.Ping(ctx) == nil {
		t.Fatalf("expected ping to surface the failure")
	}
	value, err := cache.GetOrCompute(ctx, "k", time.Minute, func(context.Context) (any, error) {
		return "computed", nil
	})
	if err != nil || string(value) != "computed" {
		t.Fatalf("expected compute fallback, got %q (%v)", value, err)
	}

	if warnings := recorded.FilterMessage("cache backend unavailable, degrading to defaults").Len(); warnings != 1 {
		t.Fatalf("expected a single unavailability warning, got %d", warnings)
	}
}
