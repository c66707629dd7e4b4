package cache

import (
	"context"
	"time"
)

// NopCache is the cache used when no backend is configured. Reads miss, writes are dropped and
// subscriptions never deliver.
type NopCache struct{}

// NewNop returns a disabled cache.
func NewNop() NopCache {
	return NopCache{}
}

func (NopCache) Get(context.Context, string) (string, bool) { return "", false }

func (NopCache) GetJSON(context.Context, string, any) bool { return false }

func (NopCache) GetMany(_ context.Context, keys ...string) []string {
	return make([]string, len(keys))
}

func (NopCache) Set(context.Context, string, any, time.Duration) bool { return false }

func (NopCache) Delete(context.Context, ...string) int64 { return 0 }

func (NopCache) DeleteByPattern(context.Context, string) int64 { return 0 }

func (NopCache) Increment(context.Context, string, int64) int64 { return 0 }

func (NopCache) SetExpire(context.Context, string, time.Duration) bool { return false }

func (NopCache) Exists(context.Context, string) bool { return false }

func (NopCache) GetOrCompute(ctx context.Context, _ string, _ time.Duration, compute ComputeFunc) ([]byte, error) {
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	return encodeValue(value)
}

func (NopCache) SetAdd(context.Context, string, ...string) bool { return false }

func (NopCache) SetRemove(context.Context, string, ...string) bool { return false }

func (NopCache) SetMembers(context.Context, string) []string { return nil }

func (NopCache) SetCount(context.Context, string) int64 { return 0 }

func (NopCache) ListPushBounded(context.Context, string, any, int64, time.Duration) bool {
	return false
}

func (NopCache) ListRange(context.Context, string, int64, int64) []string { return nil }

func (NopCache) Publish(context.Context, string, []byte) bool { return false }

func (NopCache) Subscribe(context.Context, ...string) (<-chan Message, func()) {
	ch := make(chan Message)
	close(ch)
	return ch, func() {}
}

func (NopCache) Ping(context.Context) error { return nil }

func (NopCache) Close() error { return nil }
