package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics exposed by the resilience engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	poolConnections *prometheus.GaugeVec
	poolUtilization prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// engine metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptlane_request_duration_seconds",
				Help:    "Duration of tracked requests by endpoint.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlane_requests_total",
				Help: "Total tracked requests by status.",
			},
			[]string{"status"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlane_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlane_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		cacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlane_cache_evictions_total",
				Help: "Total cache evictions by tier.",
			},
			[]string{"tier"},
		),
		retryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlane_retry_attempts_total",
				Help: "Total retry attempts by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "promptlane_circuit_breaker_state",
				Help: "Circuit breaker state by operation (0=closed, 1=half-open, 2=open).",
			},
			[]string{"operation"},
		),
		poolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "promptlane_pool_connections",
				Help: "Connection pool size by state.",
			},
			[]string{"state"},
		),
		poolUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "promptlane_pool_utilization",
				Help: "Ratio of active to total pooled connections.",
			},
		),
	}
}

// RecordRequestDuration records the duration of a tracked request.
func (m *Metrics) RecordRequestDuration(endpoint string, d time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// IncrRequest increments the request counter with a status label.
func (m *Metrics) IncrRequest(status string) {
	m.requestsTotal.WithLabelValues(status).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrCacheEviction increments the eviction counter for a tier.
func (m *Metrics) IncrCacheEviction(tier string) {
	m.cacheEvictions.WithLabelValues(tier).Inc()
}

// IncrRetryAttempt increments the retry attempt counter.
func (m *Metrics) IncrRetryAttempt(operation, outcome string) {
	m.retryAttempts.WithLabelValues(operation, outcome).Inc()
}

// SetBreakerState records the circuit breaker state for an operation.
func (m *Metrics) SetBreakerState(operation string, state float64) {
	m.breakerState.WithLabelValues(operation).Set(state)
}

// SetPoolConnections records the active/idle connection counts.
func (m *Metrics) SetPoolConnections(active, idle int) {
	m.poolConnections.WithLabelValues("active").Set(float64(active))
	m.poolConnections.WithLabelValues("idle").Set(float64(idle))
}

// SetPoolUtilization records the pool utilization ratio.
func (m *Metrics) SetPoolUtilization(u float64) {
	m.poolUtilization.Set(u)
}

// CounterSummary is a read-back of the cumulative engine counters, used by
// the dashboard summary endpoint.
type CounterSummary struct {
	TotalRequests  float64 `json:"total_requests"`
	ErrorRequests  float64 `json:"error_requests"`
	ErrorRate      float64 `json:"error_rate"`
	CacheHits      float64 `json:"cache_hits"`
	CacheMisses    float64 `json:"cache_misses"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	CacheEvictions float64 `json:"cache_evictions"`
}

// Summary gathers cumulative counter values for the named cache.
func (m *Metrics) Summary(cache string) CounterSummary {
	success := getCounterValue(m.requestsTotal, "success")
	errs := getCounterValue(m.requestsTotal, "error")
	hits := getCounterValue(m.cacheHits, cache)
	misses := getCounterValue(m.cacheMisses, cache)
	evictions := getCounterValue(m.cacheEvictions, "cold") +
		getCounterValue(m.cacheEvictions, "warm") +
		getCounterValue(m.cacheEvictions, "hot")

	s := CounterSummary{
		TotalRequests:  success + errs,
		ErrorRequests:  errs,
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheEvictions: evictions,
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = errs / s.TotalRequests
	}
	if hits+misses > 0 {
		s.CacheHitRate = hits / (hits + misses)
	}
	return s
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
