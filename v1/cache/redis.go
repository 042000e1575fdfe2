package cache

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

// RedisCache implements Cache using a Redis backend. Keys are stored as
// prefix+key.
type RedisCache[T any] struct {
	client redis.UniversalClient
	codec  Codec
	prefix string
}

// NewRedis returns a new RedisCache using the provided Redis client.
// If codec is nil, JSONCodec is used.
func NewRedis[T any](client redis.UniversalClient, codec Codec, prefix string) *RedisCache[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisCache[T]{client: client, codec: codec, prefix: prefix}
}

// Get implements Cache.Get. A value that cannot be decoded is reported as
// an error, not as a miss.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapRedisErr(err)
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Cache.Set. ttl <= 0 stores the value without expiry.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return mapRedisErr(c.client.Set(ctx, c.prefix+key, data, ttl).Err())
}

// Invalidate implements Cache.Invalidate.
func (c *RedisCache[T]) Invalidate(ctx context.Context, key string) error {
	return mapRedisErr(c.client.Del(ctx, c.prefix+key).Err())
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return solveserrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return solveserrors.ErrConnectionClosed
	default:
		return err
	}
}
