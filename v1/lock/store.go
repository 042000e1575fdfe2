package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

var tracer = otel.Tracer("github.com/solveshq/solves/v1/lock")

// Store is the slice of a cache client the lock needs.
type Store interface {
	// SetNX stores value under key only if key is absent. ttl <= 0 means
	// the key never expires.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store with SET NX PX and a compare-and-delete script.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "lock.SetNX")
	defer span.End()
	span.SetAttributes(attribute.String("solves.lock.key", key))
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, redisErr(err)
	}
	span.SetAttributes(attribute.Bool("solves.lock.acquired", ok))
	return ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	ctx, span := tracer.Start(ctx, "lock.CompareAndDelete")
	defer span.End()
	span.SetAttributes(attribute.String("solves.lock.key", key))
	n, err := delScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		span.RecordError(err)
		return false, redisErr(err)
	}
	return n == 1, nil
}

func redisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return solveserrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return solveserrors.ErrConnectionClosed
	default:
		return err
	}
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Share one instance between lockers
// that must exclude each other.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memEntry), now: time.Now}
}

// SetNX implements Store.SetNX.
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.items[key]; ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.items[key] = e
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		return false, nil
	}
	if e.value != value {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}
