package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Set groups every collector the service exposes.
type Set struct {
	HTTP *HTTPMetrics
	Lock *LockMetrics
	AI   *AIMetrics
}

// Register creates all collectors and registers them on reg. It panics on
// duplicate registration.
func Register(reg prometheus.Registerer) *Set {
	return &Set{
		HTTP: NewHTTPMetrics(reg),
		Lock: NewLockMetrics(reg),
		AI:   NewAIMetrics(reg),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// HTTPMetrics tracks request counts and latency.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewHTTPMetrics registers the HTTP collectors on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solves_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solves_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

// Middleware records every request handled by a gin engine. Unmatched
// routes are reported as "unmatched" to keep label cardinality bounded.
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requests.WithLabelValues(c.Request.Method, route, status).Inc()
		m.latency.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// LockMetrics counts distributed lock outcomes. A nil *LockMetrics is valid
// and records nothing.
type LockMetrics struct {
	acquired  prometheus.Counter
	contended prometheus.Counter
	released  prometheus.Counter
}

// NewLockMetrics registers the lock collectors on reg.
func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	m := &LockMetrics{
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solves_lock_acquired_total",
			Help: "Total number of successful lock acquisitions",
		}),
		contended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solves_lock_contended_total",
			Help: "Total number of lock attempts that found the key held",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solves_lock_released_total",
			Help: "Total number of lock releases",
		}),
	}
	reg.MustRegister(m.acquired, m.contended, m.released)
	return m
}

func (m *LockMetrics) Acquired() {
	if m != nil {
		m.acquired.Inc()
	}
}

func (m *LockMetrics) Contended() {
	if m != nil {
		m.contended.Inc()
	}
}

func (m *LockMetrics) Released() {
	if m != nil {
		m.released.Inc()
	}
}

// AIMetrics tracks model token usage and cost. A nil *AIMetrics is valid.
type AIMetrics struct {
	tokens *prometheus.CounterVec
	cost   *prometheus.CounterVec
}

// NewAIMetrics registers the AI collectors on reg.
func NewAIMetrics(reg prometheus.Registerer) *AIMetrics {
	m := &AIMetrics{
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solves_ai_tokens_total",
			Help: "Total number of model tokens consumed",
		}, []string{"model", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solves_ai_cost_microdollars_total",
			Help: "Accumulated model cost in micro-dollars",
		}, []string{"model"}),
	}
	reg.MustRegister(m.tokens, m.cost)
	return m
}

// Observe adds one completion's usage.
func (m *AIMetrics) Observe(model string, input, output, costMicros int64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "input").Add(float64(input))
	m.tokens.WithLabelValues(model, "output").Add(float64(output))
	if costMicros > 0 {
		m.cost.WithLabelValues(model).Add(float64(costMicros))
	}
}
