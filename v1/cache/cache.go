package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/solveshq/solves/v1/cache")

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean reports whether
	// the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	// A non-positive TTL keeps the value until it is evicted.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is a bounded LRU cache with per-entry TTL.
type InMemoryCache[T any] struct {
	mu            sync.Mutex
	items         map[string]*list.Element
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	now           func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.sweepInterval = d }
}

// WithMaxEntries bounds the number of entries. Non-positive means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.maxEntries = n }
}

// WithMetrics enables Prometheus metrics labelled with name.
func WithMetrics[T any](reg prometheus.Registerer, name string) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		labels := prometheus.Labels{"cache": name}
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "solves_cache_hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "solves_cache_misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "solves_cache_evictions_total",
			Help:        "Total number of cache evictions",
			ConstLabels: labels,
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "solves_cache_latency_seconds",
			Help:        "Latency of cache operations",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry spans for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.traceEnabled = true }
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache. A background sweeper runs every
// minute unless changed with WithSweepInterval; call Close to stop it.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:         make(map[string]*list.Element),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// instrument starts a span and latency measurement for op. The returned
// function must be called when op completes.
func (c *InMemoryCache[T]) instrument(ctx context.Context, op string) (context.Context, trace.Span, func()) {
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, nil, func() {}
	}
	start := time.Now()
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, op)
	}
	return ctx, span, func() {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(attribute.Int64("solves.cache.latency_us", latency.Microseconds()))
			span.End()
		}
	}
}

func (c *InMemoryCache[T]) miss(span trace.Span) {
	c.misses.Add(1)
	inc(c.missCounter)
	if span != nil {
		span.SetAttributes(attribute.String("solves.cache.result", "miss"))
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span, done := c.instrument(ctx, "Cache.Get")
	defer done()
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.miss(span)
		return zero, false, nil
	}
	e := el.Value.(*entry[T])
	if c.expired(e, c.now()) {
		c.removeElement(el)
		c.mu.Unlock()
		c.miss(span)
		return zero, false, nil
	}
	c.order.MoveToFront(el)
	value := e.value
	c.mu.Unlock()

	c.hits.Add(1)
	inc(c.hitCounter)
	if span != nil {
		span.SetAttributes(attribute.String("solves.cache.result", "hit"))
	}
	return value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, _, done := c.instrument(ctx, "Cache.Set")
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		e.value = value
		e.expiresAt = exp
		c.order.MoveToFront(el)
		return nil
	}
	c.items[key] = c.order.PushFront(&entry[T]{key: key, value: value, expiresAt: exp})
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			c.removeElement(tail)
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, _, done := c.instrument(ctx, "Cache.Invalidate")
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	return nil
}

func (c *InMemoryCache[T]) expired(e *entry[T], now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// removeElement must be called with c.mu held.
func (c *InMemoryCache[T]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[T])
	delete(c.items, e.key)
	inc(c.evictionCounter)
}

// sweeper samples entries from the LRU tail, where stale entries gather,
// and removes the expired ones.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	const batch = 64
	for {
		select {
		case <-ticker.C:
			for {
				if c.sweepBatch(batch) < batch {
					break
				}
			}
		case <-c.stop:
			return
		}
	}
}

// sweepBatch removes up to n expired entries and returns how many it removed.
func (c *InMemoryCache[T]) sweepBatch(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil && removed < n; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[T]), now) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Close stops the sweeper and drops every entry. It is safe to call twice.
func (c *InMemoryCache[T]) Close() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
