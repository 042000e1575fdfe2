package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWatchBus uses Redis Streams to implement WatchBus, so watchers on
// any node see events published on any other node.
type RedisWatchBus struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	block  time.Duration

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithStreamPrefix sets the prefix of stream names. Default "watch:".
func WithStreamPrefix(p string) RedisOption {
	return func(b *RedisWatchBus) { b.prefix = p }
}

// WithMaxLen caps each stream at roughly n entries.
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisWatchBus) { b.maxLen = n }
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client redis.UniversalClient, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		prefix:  "watch:",
		maxLen:  1000,
		block:   time.Second,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends a message to the stream of key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.prefix + key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads new messages from the stream of key. Only messages added after
// Watch returns are delivered.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	stream := b.prefix + key
	lastID := "0-0"
	last, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(last) == 1 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, defaultBuffer)
	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer b.forget(key, ch)
		for ctx.Err() == nil {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   b.block,
				Count:   10,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.cancels[key]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
}

// Unwatch stops watching the given key and channel. The channel is closed
// asynchronously by the reader goroutine.
func (b *RedisWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	cancel, ok := b.cancels[key][ch]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
