package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache using dgraph-io/ristretto. Writes may be
// rejected by the admission policy, so a Set is not guaranteed to be
// readable afterwards.
type RistrettoCache[T any] struct {
	c    *ristretto.Cache
	cost func(T) int64
}

// RistrettoOption configures a RistrettoCache.
type RistrettoOption[T any] func(*ristretto.Config, *RistrettoCache[T])

// WithMaxCost bounds the total cost held by the cache.
func WithMaxCost[T any](n int64) RistrettoOption[T] {
	return func(cfg *ristretto.Config, _ *RistrettoCache[T]) {
		if n > 0 {
			cfg.MaxCost = n
			cfg.NumCounters = n * 10
		}
	}
}

// WithCost sets the function computing an entry's cost. By default every
// entry costs 1, so MaxCost is an entry count.
func WithCost[T any](fn func(T) int64) RistrettoOption[T] {
	return func(_ *ristretto.Config, c *RistrettoCache[T]) {
		if fn != nil {
			c.cost = fn
		}
	}
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption[T]) (*RistrettoCache[T], error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
		// costs are entry based, not byte based
		IgnoreInternalCost: true,
	}
	c := &RistrettoCache[T]{cost: func(T) int64 { return 1 }}
	for _, opt := range opts {
		opt(cfg, c)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	c.c = rc
	return c, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	r.c.SetWithTTL(key, value, r.cost(value), ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Clear drops every entry.
func (r *RistrettoCache[T]) Clear() {
	r.c.Clear()
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
