// Package promptlane is a client-side resilience and performance engine for
// SDKs talking to a remote prompt-serving API. It bundles four components:
// a performance monitor, an adaptive retry manager with per-operation
// circuit breakers, a tiered smart cache, and a bounded connection pool.
// The engine is protocol-agnostic: callers inject the operations it wraps.
package promptlane

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/promptlane/promptlane-go/internal/cache"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/monitor"
	"github.com/promptlane/promptlane-go/internal/observability"
	"github.com/promptlane/promptlane-go/internal/pool"
	"github.com/promptlane/promptlane-go/internal/retry"
)

// Collaborators are the externally supplied operations the engine wraps.
// Fetch backs the cache's optional prefetch path; NewConnection feeds the
// pool. CloseConnection and CheckConnection are optional.
type Collaborators[T any] struct {
	Fetch           cache.Fetcher
	NewConnection   pool.Factory[T]
	CloseConnection pool.Closer[T]
	CheckConnection pool.HealthCheck[T]
}

// Engine wires the four resilience components for one client instance.
// Create it once, Start it, and Stop it on teardown; it does not
// auto-recover after Stop.
type Engine[T any] struct {
	cfg *config.Config
	log *zap.Logger

	Metrics *observability.Metrics
	Monitor *monitor.Monitor
	Retry   *retry.Manager
	Cache   *cache.Cache
	Pool    *pool.Pool[T]
}

// New builds an Engine from validated configuration.
func New[T any](cfg *config.Config, col Collaborators[T], logger *zap.Logger) (*Engine[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := observability.NewMetrics()
	mon := monitor.New(cfg.Performance,
		monitor.WithLogger(logger.Named("monitor")),
		monitor.WithMetrics(metrics),
	)
	mgr := retry.NewManager(cfg.Retry,
		retry.WithLogger(logger.Named("retry")),
		retry.WithReporter(mon),
		retry.WithMetrics(metrics),
	)
	cch := cache.New(cfg.Cache,
		cache.WithLogger(logger.Named("cache")),
		cache.WithReporter(mon),
		cache.WithMetrics(metrics),
		cache.WithFetcher(col.Fetch),
	)
	pl, err := pool.New(cfg.Pool, col.NewConnection,
		pool.WithLogger[T](logger.Named("pool")),
		pool.WithReporter[T](mon),
		pool.WithMetrics[T](metrics),
		pool.WithCloser[T](col.CloseConnection),
		pool.WithHealthCheck[T](col.CheckConnection),
	)
	if err != nil {
		return nil, err
	}

	return &Engine[T]{
		cfg:     cfg,
		log:     logger,
		Metrics: metrics,
		Monitor: mon,
		Retry:   mgr,
		Cache:   cch,
		Pool:    pl,
	}, nil
}

// Start launches the background maintenance of all components and
// pre-creates the pool's minimum connections.
func (e *Engine[T]) Start(ctx context.Context) error {
	e.Monitor.Start()
	e.Cache.Initialize()
	if err := e.Pool.Initialize(ctx); err != nil {
		e.Cache.Close()
		e.Monitor.Stop()
		return err
	}
	e.log.Info("engine started")
	return nil
}

// Stop tears down all components. Safe to call more than once.
func (e *Engine[T]) Stop() {
	e.Pool.Close()
	e.Cache.Close()
	e.Monitor.Stop()
	e.log.Info("engine stopped")
}

// Execute runs op through the retry manager while tracking the request in
// the monitor. The Outcome carries the result; Execute never returns an
// error itself.
func (e *Engine[T]) Execute(ctx context.Context, operationKey string, op retry.Operation) retry.Outcome {
	id := e.Monitor.TrackRequestStart(operationKey, "rpc")
	out := e.Retry.ExecuteWithRetry(ctx, operationKey, op)

	status := 200
	if !out.Success {
		status = 599
	}
	retries := out.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	e.Monitor.TrackRequestEnd(id, status, monitor.WithRetryCount(retries))
	return out
}

// Summary aggregates read-only health across all four components for an
// external reporting collaborator.
type Summary struct {
	Timestamp time.Time                    `json:"timestamp"`
	Cache     cache.Stats                  `json:"cache"`
	Pool      pool.Metrics                 `json:"pool"`
	Retry     retry.Summary                `json:"retry"`
	Counters  observability.CounterSummary `json:"counters"`
}

// GetSummary returns the aggregated component summaries.
func (e *Engine[T]) GetSummary() Summary {
	return Summary{
		Timestamp: time.Now(),
		Cache:     e.Cache.Stats(),
		Pool:      e.Pool.Metrics(),
		Retry:     e.Retry.PerformanceSummary(""),
		Counters:  e.Metrics.Summary("smart"),
	}
}

// GetPerformanceSnapshot returns the monitor's immutable snapshot.
func (e *Engine[T]) GetPerformanceSnapshot() monitor.Snapshot {
	return e.Monitor.Snapshot()
}

// SnapshotJSON serializes the performance snapshot for an external
// dashboard. Read-only, no side effects.
func (e *Engine[T]) SnapshotJSON() ([]byte, error) {
	return json.MarshalIndent(e.Monitor.Snapshot(), "", "  ")
}

// Recommendations merges the advisory hints of every component.
func (e *Engine[T]) Recommendations() []monitor.Recommendation {
	recs := e.Monitor.Recommendations()
	recs = append(recs, e.Retry.OptimizationRecommendations()...)
	recs = append(recs, e.Cache.OptimizationRecommendations()...)
	recs = append(recs, e.Pool.OptimizationRecommendations()...)
	return recs
}
