// Package adapter persists small documents by key. It backs state that has
// no relational shape of its own, such as in-progress workbook answers.
package adapter

import (
	"context"
	stdErrors "errors"
	"sort"
	"strings"
	"sync"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

// Store is a durable key/value store.
//
// T represents the type of values stored in the adapter.
type Store[T any] interface {
	// Get retrieves the value for a key. The boolean reports whether the key
	// was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set upserts the value for a key.
	Set(ctx context.Context, key string, value T) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns the keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Batch allows grouping multiple operations before committing them to the
// underlying storage.
type Batch[T any] interface {
	Set(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by stores that support batch operations.
type Batcher[T any] interface {
	Batch(ctx context.Context) (Batch[T], error)
}

// ctxErr maps a done context to the package's timeout sentinel.
func ctxErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return solveserrors.ErrTimeout
	}
	return err
}

// InMemoryStore is a simple Store implementation backed by a map.
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[string]T)}
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, ctxErr(err)
	}
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys.
func (s *InMemoryStore[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Batch implements Batcher.Batch.
func (s *InMemoryStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &pendingBatch[T]{commit: func(ctx context.Context, sets map[string]T, deletes []string) error {
		if err := ctx.Err(); err != nil {
			return ctxErr(err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range deletes {
			delete(s.items, k)
		}
		for k, v := range sets {
			s.items[k] = v
		}
		return nil
	}, sets: make(map[string]T)}, nil
}

// pendingBatch buffers operations until Commit. Deletes are applied before
// sets, so deleting and setting the same key leaves it set.
type pendingBatch[T any] struct {
	sets    map[string]T
	deletes []string
	commit  func(ctx context.Context, sets map[string]T, deletes []string) error
}

func (b *pendingBatch[T]) Set(_ context.Context, key string, value T) error {
	b.sets[key] = value
	return nil
}

func (b *pendingBatch[T]) Delete(_ context.Context, key string) error {
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *pendingBatch[T]) Commit(ctx context.Context) error {
	return b.commit(ctx, b.sets, b.deletes)
}
