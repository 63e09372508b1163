// Package monitor records request timings, cache and resource metrics into
// bounded time series, evaluates alert rules, and produces optimization
// recommendations. It is the reporting sink for the other engine components.
package monitor

import (
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptlane/promptlane-go/internal/clock"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/observability"
)

// MetricType identifies a time series tracked by the monitor.
type MetricType string

const (
	MetricRequestLatency   MetricType = "request_latency_ms"
	MetricCacheHitRate     MetricType = "cache_hit_rate"
	MetricMemoryUsage      MetricType = "memory_usage_bytes"
	MetricNetworkLatency   MetricType = "network_latency_ms"
	MetricPoolUtilization  MetricType = "pool_utilization"
	MetricRetrySuccessRate MetricType = "retry_success_rate"
	MetricErrorRate        MetricType = "error_rate"
)

// Sample is a single time-series data point.
type Sample struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

// RequestMetric describes one tracked request from start to completion.
type RequestMetric struct {
	ID            string        `json:"id"`
	Endpoint      string        `json:"endpoint"`
	Method        string        `json:"method"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	StatusCode    int           `json:"status_code,omitempty"`
	CacheHit      bool          `json:"cache_hit"`
	RetryCount    int           `json:"retry_count"`
	BytesSent     int64         `json:"bytes_sent"`
	BytesReceived int64         `json:"bytes_received"`
}

// CacheStats is the monitor's view of cache effectiveness.
type CacheStats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	HitRate       float64       `json:"hit_rate"`
	AvgAccessTime time.Duration `json:"avg_access_time"`
}

// MemoryMetrics samples process memory gauges.
type MemoryMetrics struct {
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64    `json:"heap_sys_bytes"`
	NumGC          uint32    `json:"num_gc"`
	Goroutines     int       `json:"goroutines"`
	SampledAt      time.Time `json:"sampled_at"`
}

// NetworkMetrics samples transport-level gauges reported by collaborators.
type NetworkMetrics struct {
	BytesSent         int64         `json:"bytes_sent"`
	BytesReceived     int64         `json:"bytes_received"`
	ActiveConnections int           `json:"active_connections"`
	AvgLatency        time.Duration `json:"avg_latency"`
	SampledAt         time.Time     `json:"sampled_at"`
}

// Stats aggregates a retained time series.
type Stats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Snapshot is an immutable point-in-time copy of all monitored state.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	PendingRequests   []RequestMetric  `json:"pending_requests"`
	CompletedRequests []RequestMetric  `json:"completed_requests"`
	Cache             CacheStats       `json:"cache"`
	Memory            MemoryMetrics    `json:"memory"`
	Network           NetworkMetrics   `json:"network"`
	Alerts            []Alert          `json:"alerts"`
	Recommendations   []Recommendation `json:"recommendations"`
}

// MemorySampler reads process memory gauges. Injectable for tests.
type MemorySampler func() (MemoryMetrics, error)

// Monitor owns all performance metrics for one engine instance.
type Monitor struct {
	cfg  config.PerformanceConfig
	log  *zap.Logger
	prom *observability.Metrics
	clk  clock.Clock

	memSampler MemorySampler

	mu          sync.Mutex
	pending     map[string]*RequestMetric
	completed   []RequestMetric
	series      map[MetricType][]Sample
	cacheHits   int64
	cacheMisses int64
	cacheAccess time.Duration
	memory      MemoryMetrics
	network     NetworkMetrics

	alerts   []*Alert
	alertCbs []AlertCallback

	recs         []Recommendation
	recCbs       []RecommendationCallback
	deliveredRec map[string]bool

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithMetrics mirrors counters into a Prometheus metrics set.
func WithMetrics(p *observability.Metrics) Option { return func(m *Monitor) { m.prom = p } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clk = c } }

// WithMemorySampler overrides the process memory gauge reader.
func WithMemorySampler(s MemorySampler) Option { return func(m *Monitor) { m.memSampler = s } }

// New creates a Monitor. It does not start the background tick; call Start.
func New(cfg config.PerformanceConfig, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		log:          zap.NewNop(),
		clk:          clock.Real{},
		memSampler:   runtimeMemorySampler,
		pending:      make(map[string]*RequestMetric),
		series:       make(map[MetricType][]Sample),
		deliveredRec: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func runtimeMemorySampler() (MemoryMetrics, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryMetrics{
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		NumGC:          ms.NumGC,
		Goroutines:     runtime.NumGoroutine(),
	}, nil
}

// TrackRequestStart registers a pending request and returns its id.
// When the sample rate excludes the request, the id is still returned and
// the matching TrackRequestEnd becomes a no-op.
func (m *Monitor) TrackRequestStart(endpoint, method string) string {
	id := uuid.NewString()
	if !m.cfg.Enabled {
		return id
	}
	if m.cfg.SampleRate < 1 && rand.Float64() >= m.cfg.SampleRate {
		return id
	}

	m.mu.Lock()
	m.pending[id] = &RequestMetric{
		ID:        id,
		Endpoint:  endpoint,
		Method:    method,
		StartTime: m.clk.Now(),
	}
	m.mu.Unlock()
	return id
}

// RequestOption attaches optional completion data to TrackRequestEnd.
type RequestOption func(*RequestMetric)

// WithCacheHit marks the request as served from cache.
func WithCacheHit(hit bool) RequestOption {
	return func(r *RequestMetric) { r.CacheHit = hit }
}

// WithRetryCount records how many retries the request needed.
func WithRetryCount(n int) RequestOption {
	return func(r *RequestMetric) { r.RetryCount = n }
}

// WithBytes records the request's transfer sizes.
func WithBytes(sent, received int64) RequestOption {
	return func(r *RequestMetric) {
		r.BytesSent = sent
		r.BytesReceived = received
	}
}

// TrackRequestEnd completes a pending request, moving it to the bounded
// completed buffer and recording a latency sample. Unknown ids are a no-op.
func (m *Monitor) TrackRequestEnd(id string, statusCode int, opts ...RequestOption) {
	now := m.clk.Now()

	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("track request end for unknown id", zap.String("request_id", id))
		return
	}
	delete(m.pending, id)

	req.EndTime = now
	req.Duration = now.Sub(req.StartTime)
	req.StatusCode = statusCode
	for _, opt := range opts {
		opt(req)
	}

	m.completed = append(m.completed, *req)
	if len(m.completed) > m.cfg.MetricsBufferSize {
		m.completed = m.completed[1:]
	}
	m.recordSampleLocked(MetricRequestLatency, float64(req.Duration.Milliseconds()), now)
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.RecordRequestDuration(req.Endpoint, req.Duration)
		if statusCode >= 400 {
			m.prom.IncrRequest("error")
		} else {
			m.prom.IncrRequest("success")
		}
	}

	if m.cfg.EnableAlerting {
		m.checkAlerts(now)
	}
}

// TrackCacheOperation records a cache hit or miss with its access latency.
func (m *Monitor) TrackCacheOperation(hit bool, latency time.Duration) {
	m.mu.Lock()
	if hit {
		m.cacheHits++
	} else {
		m.cacheMisses++
	}
	m.cacheAccess += latency
	total := m.cacheHits + m.cacheMisses
	rate := float64(m.cacheHits) / float64(total)
	m.recordSampleLocked(MetricCacheHitRate, rate, m.clk.Now())
	m.mu.Unlock()
}

// RecordSample appends a data point to the bounded series for the metric.
// Other components use this to report gauges (pool utilization, retry
// success rate).
func (m *Monitor) RecordSample(t MetricType, v float64) {
	m.mu.Lock()
	m.recordSampleLocked(t, v, m.clk.Now())
	m.mu.Unlock()
}

func (m *Monitor) recordSampleLocked(t MetricType, v float64, now time.Time) {
	s := m.series[t]
	s = append(s, Sample{Type: t, Value: v, Timestamp: now})
	if len(s) > m.cfg.TimeSeriesMaxPoints {
		s = s[1:]
	}
	m.series[t] = s
}

// UpdateMemoryMetrics samples process memory gauges. Sampler failures are
// logged and skipped.
func (m *Monitor) UpdateMemoryMetrics() {
	mm, err := m.memSampler()
	if err != nil {
		m.log.Warn("memory sampling failed", zap.Error(err))
		return
	}
	mm.SampledAt = m.clk.Now()

	m.mu.Lock()
	m.memory = mm
	m.recordSampleLocked(MetricMemoryUsage, float64(mm.HeapAllocBytes), mm.SampledAt)
	m.mu.Unlock()
}

// UpdateNetworkMetrics records transport gauges reported by a collaborator.
func (m *Monitor) UpdateNetworkMetrics(sent, received int64, activeConns int, avgLatency time.Duration) {
	now := m.clk.Now()
	m.mu.Lock()
	m.network = NetworkMetrics{
		BytesSent:         sent,
		BytesReceived:     received,
		ActiveConnections: activeConns,
		AvgLatency:        avgLatency,
		SampledAt:         now,
	}
	m.recordSampleLocked(MetricNetworkLatency, float64(avgLatency.Milliseconds()), now)
	m.mu.Unlock()
}

// Statistics aggregates the retained series for a metric type.
func (m *Monitor) Statistics(t MetricType) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.series[t]
	if len(s) == 0 {
		return Stats{}
	}
	st := Stats{Count: len(s), Min: s[0].Value, Max: s[0].Value}
	var sum float64
	for _, p := range s {
		if p.Value < st.Min {
			st.Min = p.Value
		}
		if p.Value > st.Max {
			st.Max = p.Value
		}
		sum += p.Value
	}
	st.Mean = sum / float64(len(s))
	return st
}

// Snapshot returns an immutable copy of all monitored state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Timestamp:         m.clk.Now(),
		PendingRequests:   make([]RequestMetric, 0, len(m.pending)),
		CompletedRequests: append([]RequestMetric(nil), m.completed...),
		Cache:             m.cacheStatsLocked(),
		Memory:            m.memory,
		Network:           m.network,
		Alerts:            make([]Alert, 0, len(m.alerts)),
		Recommendations:   append([]Recommendation(nil), m.recs...),
	}
	for _, r := range m.pending {
		snap.PendingRequests = append(snap.PendingRequests, *r)
	}
	for _, a := range m.alerts {
		if a.Enabled {
			snap.Alerts = append(snap.Alerts, *a)
		}
	}
	return snap
}

func (m *Monitor) cacheStatsLocked() CacheStats {
	cs := CacheStats{Hits: m.cacheHits, Misses: m.cacheMisses}
	if total := m.cacheHits + m.cacheMisses; total > 0 {
		cs.HitRate = float64(m.cacheHits) / float64(total)
		cs.AvgAccessTime = m.cacheAccess / time.Duration(total)
	}
	return cs
}

// CacheMetrics returns the current cache counters.
func (m *Monitor) CacheMetrics() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheStatsLocked()
}

// ResetStats zeroes the cache counters and all time series.
func (m *Monitor) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits = 0
	m.cacheMisses = 0
	m.cacheAccess = 0
	m.series = make(map[MetricType][]Sample)
}

// Start launches the background tick that refreshes gauges, evaluates
// alerts, and regenerates recommendations. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running || !m.cfg.Enabled || !m.cfg.EnableRealTimeMonitoring {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	go m.run(stopCh, done)
}

// Stop cancels the background tick. Stop is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
}

// run is the single maintenance goroutine; one tick at a time, so the
// update/check/generate steps never overlap.
func (m *Monitor) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor tick panicked", zap.Any("panic", r))
		}
	}()

	m.pruneSamples()
	m.UpdateMemoryMetrics()
	if m.cfg.EnableAlerting {
		m.checkAlerts(m.clk.Now())
	}
	if m.cfg.EnableRecommendations {
		m.generateRecommendations()
	}
}

// pruneSamples drops series points older than the retention window. A zero
// retention disables age-based pruning; series stay bounded by
// TimeSeriesMaxPoints either way.
func (m *Monitor) pruneSamples() {
	if m.cfg.MaxMetricsRetention <= 0 {
		return
	}
	cutoff := m.clk.Now().Add(-m.cfg.MaxMetricsRetention)

	m.mu.Lock()
	for t, s := range m.series {
		drop := 0
		for drop < len(s) && !s[drop].Timestamp.After(cutoff) {
			drop++
		}
		if drop == 0 {
			continue
		}
		if drop == len(s) {
			delete(m.series, t)
			continue
		}
		m.series[t] = append([]Sample(nil), s[drop:]...)
	}
	m.mu.Unlock()
}
