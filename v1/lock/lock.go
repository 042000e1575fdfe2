package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/metrics"
	"github.com/solveshq/solves/v1/syncbus"
)

// ErrNotHeld is returned by Release when the key no longer holds this
// locker's token, typically because the TTL elapsed and another owner
// acquired it.
var ErrNotHeld = errors.New("lock: not held")

// Locker provides best-effort mutual exclusion on string keys.
type Locker interface {
	// TryLock makes a single attempt to acquire key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire blocks until key is acquired or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees key if this locker still holds it.
	Release(ctx context.Context, key string) error
}

// Option configures a DistributedLock.
type Option func(*DistributedLock)

// WithPrefix namespaces every key stored in the backing store.
func WithPrefix(prefix string) Option {
	return func(l *DistributedLock) { l.prefix = prefix }
}

// WithPollInterval sets how often Acquire retries when no release
// notification arrives. Retries are needed to notice TTL expiry.
func WithPollInterval(d time.Duration) Option {
	return func(l *DistributedLock) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithMetrics records acquisitions, contentions and releases.
func WithMetrics(m *metrics.LockMetrics) Option {
	return func(l *DistributedLock) { l.metrics = m }
}

// DistributedLock implements Locker on a Store. Tokens are tracked per
// instance, so a key locked through one DistributedLock can only be released
// through the same instance.
type DistributedLock struct {
	store   Store
	bus     syncbus.Bus
	prefix  string
	poll    time.Duration
	metrics *metrics.LockMetrics

	mu     sync.Mutex
	tokens map[string]string
}

// New returns a DistributedLock on store. bus may be nil, in which case
// Acquire only polls.
func New(store Store, bus syncbus.Bus, opts ...Option) *DistributedLock {
	l := &DistributedLock{
		store:  store,
		bus:    bus,
		prefix: "lock:",
		poll:   100 * time.Millisecond,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedis returns a DistributedLock backed by Redis.
func NewRedis(client redis.UniversalClient, bus syncbus.Bus, opts ...Option) *DistributedLock {
	return New(NewRedisStore(client), bus, opts...)
}

// NewInMemory returns a DistributedLock backed by a private MemoryStore.
func NewInMemory(bus syncbus.Bus, opts ...Option) *DistributedLock {
	return New(NewMemoryStore(), bus, opts...)
}

// TryLock implements Locker.TryLock. A ttl <= 0 never expires.
func (l *DistributedLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.prefix+key, token, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		l.metrics.Contended()
		return false, nil
	}
	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	l.metrics.Acquired()
	return true, nil
}

// Acquire implements Locker.Acquire.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	var notify chan struct{}
	if l.bus != nil {
		// subscribe before the first attempt so a release in between is seen
		ch, err := l.bus.Subscribe(ctx, unlockTopic(key))
		if err != nil {
			return err
		}
		notify = ch
		defer func() { _ = l.bus.Unsubscribe(context.Background(), unlockTopic(key), ch) }()
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-ticker.C:
		}
	}
}

// Release implements Locker.Release. Releasing a key this instance never
// locked is a no-op.
func (l *DistributedLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	if ok {
		delete(l.tokens, key)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.release(ctx, key, token)
}

func (l *DistributedLock) release(ctx context.Context, key, token string) error {
	deleted, err := l.store.CompareAndDelete(ctx, l.prefix+key, token)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotHeld
	}
	l.metrics.Released()
	if l.bus != nil {
		_ = l.bus.Publish(ctx, unlockTopic(key))
	}
	return nil
}

// Lease is a single acquisition of a key. Unlike Release on the locker, a
// Lease carries its own token, so several goroutines can share one
// DistributedLock.
type Lease struct {
	l     *DistributedLock
	key   string
	token string
	once  sync.Once
}

// Obtain makes one attempt to acquire key and returns a Lease on success.
// It returns solveserrors.ErrLockHeld when another owner holds the key.
func (l *DistributedLock) Obtain(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.prefix+key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.metrics.Contended()
		return nil, solveserrors.ErrLockHeld
	}
	l.metrics.Acquired()
	return &Lease{l: l, key: key, token: token}, nil
}

// Key returns the leased key without prefix.
func (le *Lease) Key() string { return le.key }

// Release frees the lease. Only the first call has an effect.
func (le *Lease) Release(ctx context.Context) error {
	err := error(nil)
	le.once.Do(func() { err = le.l.release(ctx, le.key, le.token) })
	return err
}

// WithLock runs fn while holding key. It does not wait: if the key is held
// elsewhere solveserrors.ErrLockHeld is returned and fn is not called.
func WithLock(ctx context.Context, l *DistributedLock, key string, ttl time.Duration, fn func(context.Context) error) error {
	lease, err := l.Obtain(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.Background()) }()
	return fn(ctx)
}

func unlockTopic(key string) string { return "unlock:" + key }

// Do waits for key, runs fn and releases key. Unlike WithLock it blocks until
// the key frees up or ctx is done.
func Do(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.Acquire(ctx, key, ttl); err != nil {
		if isCtxErr(err) {
			return solveserrors.ErrTimeout
		}
		return err
	}
	defer func() { _ = l.Release(context.Background(), key) }()
	return fn(ctx)
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
