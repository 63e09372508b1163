// Package pool maintains a bounded pool of opaque connection handles built
// by an injected factory, with health pruning and adaptive sizing.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/promptlane/promptlane-go/internal/clock"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/monitor"
	"github.com/promptlane/promptlane-go/internal/observability"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// ErrPoolExhausted is returned when no connection frees up before the
// caller's context expires.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Factory creates a new connection handle.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer destroys a connection handle.
type Closer[T any] func(T) error

// HealthCheck reports whether a handle is still usable.
type HealthCheck[T any] func(T) bool

// Conn is a pooled connection. Handle is the opaque collaborator value.
type Conn[T any] struct {
	Handle T

	createdAt  time.Time
	lastUsed   time.Time
	acquiredAt time.Time
	uses       int64
}

// Metrics is a point-in-time view of the pool.
type Metrics struct {
	TotalConnections  int           `json:"total_connections"`
	ActiveConnections int           `json:"active_connections"`
	IdleConnections   int           `json:"idle_connections"`
	Utilization       float64       `json:"pool_utilization"`
	AvgResponseTime   time.Duration `json:"average_response_time"`
}

// Reporter is the monitor surface the pool reports into.
type Reporter interface {
	RecordSample(t monitor.MetricType, v float64)
}

// Pool is a bounded connection pool. active + idle never exceeds MaxSize;
// while running, the prune loop keeps total at or above MinSize.
type Pool[T any] struct {
	cfg     config.PoolConfig
	log     *zap.Logger
	mon     Reporter
	prom    *observability.Metrics
	clk     clock.Clock
	factory Factory[T]
	closer  Closer[T]
	health  HealthCheck[T]

	sem *semaphore.Weighted

	mu          sync.Mutex
	idle        []*Conn[T]
	total       int
	active      int
	closed      bool
	sizeTarget  int
	utilHistory []float64
	usageTotal  time.Duration
	usageCount  int64

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Option customizes a Pool.
type Option[T any] func(*Pool[T])

// WithLogger sets the logger.
func WithLogger[T any](l *zap.Logger) Option[T] { return func(p *Pool[T]) { p.log = l } }

// WithReporter wires the monitor collaborator.
func WithReporter[T any](r Reporter) Option[T] { return func(p *Pool[T]) { p.mon = r } }

// WithMetrics mirrors gauges into Prometheus.
func WithMetrics[T any](m *observability.Metrics) Option[T] { return func(p *Pool[T]) { p.prom = m } }

// WithClock overrides the time source.
func WithClock[T any](c clock.Clock) Option[T] { return func(p *Pool[T]) { p.clk = c } }

// WithCloser sets the destructor for connection handles.
func WithCloser[T any](c Closer[T]) Option[T] { return func(p *Pool[T]) { p.closer = c } }

// WithHealthCheck sets the liveness probe used while pruning.
func WithHealthCheck[T any](h HealthCheck[T]) Option[T] { return func(p *Pool[T]) { p.health = h } }

// New creates a Pool. The factory is required; Initialize pre-creates
// MinSize connections and starts the prune loop.
func New[T any](cfg config.PoolConfig, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, &config.ConfigError{Field: "pool.factory", Reason: "must not be nil"}
	}
	p := &Pool[T]{
		cfg:        cfg,
		log:        zap.NewNop(),
		clk:        clock.Real{},
		factory:    factory,
		sem:        semaphore.NewWeighted(int64(cfg.MaxSize)),
		sizeTarget: cfg.MinSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Initialize eagerly creates MinSize connections and starts health pruning.
func (p *Pool[T]) Initialize(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		if err := p.addIdle(ctx); err != nil {
			return fmt.Errorf("pool initialize: %w", err)
		}
	}

	p.mu.Lock()
	if !p.running && p.cfg.EnableHealthChecks {
		p.running = true
		p.stopCh = make(chan struct{})
		p.done = make(chan struct{})
		go p.pruneLoop(p.stopCh, p.done)
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool[T]) addIdle(ctx context.Context) error {
	h, err := p.factory(ctx)
	if err != nil {
		return err
	}
	now := p.clk.Now()

	p.mu.Lock()
	if p.closed || p.total >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.destroy(h)
		return nil
	}
	p.idle = append(p.idle, &Conn[T]{Handle: h, createdAt: now, lastUsed: now})
	p.total++
	p.reportLocked()
	p.mu.Unlock()
	return nil
}

// Acquire returns an idle connection, creates one while under MaxSize, or
// waits for a release. The caller's context bounds the wait; expiry yields
// ErrPoolExhausted.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}

	now := p.clk.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}

	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.stale(c, now) {
			p.total--
			h := c.Handle
			p.mu.Unlock()
			p.destroy(h)
			p.mu.Lock()
			continue
		}
		c.acquiredAt = now
		p.active++
		p.reportLocked()
		p.mu.Unlock()
		return c, nil
	}

	// Reserve a slot before the factory call so the bound holds even while
	// creation is in flight.
	p.total++
	p.active++
	p.mu.Unlock()

	h, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.active--
		p.reportLocked()
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("pool create connection: %w", err)
	}

	p.mu.Lock()
	p.reportLocked()
	p.mu.Unlock()
	return &Conn[T]{Handle: h, createdAt: now, lastUsed: now, acquiredAt: now}, nil
}

// Release returns a connection to the idle set and records its usage time.
func (p *Pool[T]) Release(c *Conn[T]) {
	if c == nil {
		return
	}
	now := p.clk.Now()

	p.mu.Lock()
	p.active--
	c.lastUsed = now
	c.uses++
	p.usageTotal += now.Sub(c.acquiredAt)
	p.usageCount++

	destroyAfter := p.closed
	if destroyAfter {
		p.total--
	} else {
		p.idle = append(p.idle, c)
	}
	p.reportLocked()
	p.mu.Unlock()

	p.sem.Release(1)
	if destroyAfter {
		p.destroy(c.Handle)
	}
}

func (p *Pool[T]) stale(c *Conn[T], now time.Time) bool {
	if p.cfg.MaxConnectionAge > 0 && now.Sub(c.createdAt) > p.cfg.MaxConnectionAge {
		return true
	}
	if p.cfg.MaxIdleTime > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
		return true
	}
	if p.health != nil && !p.health(c.Handle) {
		return true
	}
	return false
}

func (p *Pool[T]) destroy(h T) {
	if p.closer == nil {
		return
	}
	if err := p.closer(h); err != nil {
		p.log.Warn("closing pooled connection failed", zap.Error(err))
	}
}

func (p *Pool[T]) pruneLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

// prune removes stale idle connections, adjusts the adaptive size target,
// and tops the pool back up to its target.
func (p *Pool[T]) prune() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool prune panicked", zap.Any("panic", r))
		}
	}()

	now := p.clk.Now()
	var drop []T

	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.stale(c, now) {
			drop = append(drop, c.Handle)
			p.total--
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept

	if p.total > 0 {
		util := float64(p.active) / float64(p.total)
		p.utilHistory = append(p.utilHistory, util)
		if len(p.utilHistory) > 5 {
			p.utilHistory = p.utilHistory[1:]
		}
	}

	if p.cfg.Strategy == config.PoolAdaptive && p.cfg.EnableAdaptiveSizing && len(p.utilHistory) >= 3 {
		var sum float64
		for _, u := range p.utilHistory {
			sum += u
		}
		mean := sum / float64(len(p.utilHistory))
		if mean > p.cfg.GrowUtilization && p.sizeTarget < p.cfg.MaxSize {
			p.sizeTarget++
			p.log.Debug("pool growing", zap.Int("target", p.sizeTarget), zap.Float64("utilization", mean))
		} else if mean < p.cfg.ShrinkUtilization && p.sizeTarget > p.cfg.MinSize {
			p.sizeTarget--
			p.log.Debug("pool shrinking", zap.Int("target", p.sizeTarget), zap.Float64("utilization", mean))
		}
	}

	// Shrink surplus idle capacity above the target, but never below MinSize.
	for p.total > p.sizeTarget && p.total > p.cfg.MinSize && len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		drop = append(drop, c.Handle)
		p.total--
	}

	deficit := p.sizeTarget - p.total
	p.reportLocked()
	p.mu.Unlock()

	for _, h := range drop {
		p.destroy(h)
	}

	for i := 0; i < deficit; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.addIdle(ctx)
		cancel()
		if err != nil {
			p.log.Warn("pool top-up failed", zap.Error(err))
			return
		}
	}
}

func (p *Pool[T]) reportLocked() {
	util := 0.0
	if p.total > 0 {
		util = float64(p.active) / float64(p.total)
	}
	if p.prom != nil {
		p.prom.SetPoolConnections(p.active, len(p.idle))
		p.prom.SetPoolUtilization(util)
	}
	if p.mon != nil {
		p.mon.RecordSample(monitor.MetricPoolUtilization, util)
	}
}

// Metrics returns a point-in-time view of the pool.
func (p *Pool[T]) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalConnections:  p.total,
		ActiveConnections: p.active,
		IdleConnections:   len(p.idle),
	}
	if p.total > 0 {
		m.Utilization = float64(p.active) / float64(p.total)
	}
	if p.usageCount > 0 {
		m.AvgResponseTime = p.usageTotal / time.Duration(p.usageCount)
	}
	return m
}

// OptimizationRecommendations surfaces utilization-based resize hints.
func (p *Pool[T]) OptimizationRecommendations() []monitor.Recommendation {
	m := p.Metrics()

	var recs []monitor.Recommendation
	if m.Utilization > p.cfg.GrowUtilization {
		recs = append(recs, monitor.Recommendation{
			Strategy:    "pool_resize",
			Title:       "Pool near capacity",
			Description: "Sustained utilization above the grow threshold. Raise max_size to avoid acquisition waits.",
			Impact:      "high",
			Effort:      "low",
			Confidence:  0.75,
		})
	} else if m.TotalConnections > p.cfg.MinSize && m.Utilization < p.cfg.ShrinkUtilization {
		recs = append(recs, monitor.Recommendation{
			Strategy:    "pool_shrink",
			Title:       "Pool underutilized",
			Description: "Sustained utilization below the shrink threshold. Lower min_size to free idle connections.",
			Impact:      "low",
			Effort:      "low",
			Confidence:  0.6,
		})
	}
	return recs
}

// Close drains and destroys all connections and stops pruning. Subsequent
// Acquire calls fail with ErrPoolClosed. Idempotent.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	drop := make([]T, 0, len(p.idle))
	for _, c := range p.idle {
		drop = append(drop, c.Handle)
	}
	p.idle = nil
	p.total -= len(drop)

	var done chan struct{}
	if p.running {
		p.running = false
		close(p.stopCh)
		done = p.done
	}
	p.reportLocked()
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	for _, h := range drop {
		p.destroy(h)
	}
}
