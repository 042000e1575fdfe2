package adapter

import (
	"context"
	stdErrors "errors"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/solveshq/solves/v1/cache"
	solveserrors "github.com/solveshq/solves/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend. Keys are stored as
// namespace+key and never expire.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	namespace string
	timeout   time.Duration
	codec     cache.Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout   time.Duration
	namespace string
	codec     cache.Codec
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) { o.timeout = d }
}

// WithNamespace prefixes every stored key.
func WithNamespace(ns string) RedisOption {
	return func(o *redisStoreOptions) { o.namespace = ns }
}

// WithRedisCodec sets the codec for serialization. JSON is the default.
func WithRedisCodec(c cache.Codec) RedisOption {
	return func(o *redisStoreOptions) { o.codec = c }
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client redis.UniversalClient, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, codec: cache.JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, namespace: o.namespace, timeout: o.timeout, codec: o.codec}
}

func redisErr(err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return solveserrors.ErrConnectionClosed
	}
	return ctxErr(err)
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.namespace+key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, redisErr(err)
	}
	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, s.namespace+key, data, 0).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, s.namespace+key).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

// Keys implements Store.Keys using SCAN to iterate over keys.
func (s *RedisStore[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	match := globEscape(s.namespace+prefix) + "*"
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, match, 100).Result()
		if err != nil {
			return nil, redisErr(err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.namespace))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Batch implements Batcher.Batch using a MULTI/EXEC pipeline.
func (s *RedisStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &pendingBatch[T]{commit: func(ctx context.Context, sets map[string]T, deletes []string) error {
		if err := ctx.Err(); err != nil {
			return ctxErr(err)
		}
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		pipe := s.client.TxPipeline()
		if len(deletes) > 0 {
			keys := make([]string, len(deletes))
			for i, k := range deletes {
				keys[i] = s.namespace + k
			}
			pipe.Del(cctx, keys...)
		}
		for k, v := range sets {
			data, err := s.codec.Marshal(v)
			if err != nil {
				return err
			}
			pipe.Set(cctx, s.namespace+k, data, 0)
		}
		if _, err := pipe.Exec(cctx); err != nil {
			return redisErr(err)
		}
		return nil
	}, sets: make(map[string]T)}, nil
}
