package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	fanout
}

// RedisBus implements Bus on top of Redis PUB/SUB. One Redis subscription
// is opened per key and shared by every local subscriber of that key.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	published uint64
	delivered uint64
}

// NewRedisBus returns a RedisBus. Channel names are prefix+key.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	return &RedisBus{
		client:  client,
		prefix:  prefix,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[key] = struct{}{}
	b.mu.Unlock()

	err := b.client.Publish(ctx, b.prefix+key, "1").Err()
	if err == nil {
		atomic.AddUint64(&b.published, 1)
	}

	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	if stdErrors.Is(err, redis.ErrClosed) {
		return solveserrors.ErrConnectionClosed
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ps := b.client.Subscribe(context.Background(), b.prefix+key)
		// wait for the subscription to be confirmed so a publish issued
		// right after Subscribe returns is not lost
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps, fanout: fanout{delivered: &b.delivered}}
		b.subs[key] = sub
		go b.dispatch(key, sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		if b.subs[key] == sub {
			sub.deliver()
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	if sub.remove(ch) {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, c := range sub.chans {
			close(c)
		}
		delete(b.subs, key)
	}
	return nil
}
