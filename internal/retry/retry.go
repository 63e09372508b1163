// Package retry executes operations with bounded retries, adaptive backoff,
// rate-limit detection, and a per-operation-key circuit breaker. Ordinary
// operation failure is reported through the returned Outcome, never as an
// error from ExecuteWithRetry itself.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/promptlane/promptlane-go/internal/clock"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/monitor"
	"github.com/promptlane/promptlane-go/internal/observability"
)

var tracer = otel.Tracer("retry")

// Operation is the unit of work wrapped by the retry manager.
type Operation func(ctx context.Context) (any, error)

// Outcome is the sole result channel of ExecuteWithRetry.
type Outcome struct {
	Success   bool
	Value     any
	Attempts  int
	TotalTime time.Duration
	Err       error
}

// Summary aggregates attempt history globally or per operation key.
type Summary struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	BreakerState  string  `json:"circuit_breaker_state,omitempty"`
}

// Reporter is the monitor surface the manager reports into.
type Reporter interface {
	RecordSample(t monitor.MetricType, v float64)
}

// keyState holds per-operation-key breaker, history, and rate-limit flag.
// All fields are guarded by the manager mutex except the breaker, which is
// internally synchronized.
type keyState struct {
	breaker *gobreaker.CircuitBreaker

	history []bool
	histPos int
	histLen int

	totalAttempts  int64
	totalSuccesses int64

	rateLimitedUntil time.Time
}

// Manager executes operations with retries and circuit breaking.
type Manager struct {
	cfg  config.AdaptiveRetryConfig
	log  *zap.Logger
	mon  Reporter
	prom *observability.Metrics
	clk  clock.Clock

	// sleep is injectable so tests do not wait for real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	keys map[string]*keyState
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithReporter wires the monitor collaborator.
func WithReporter(r Reporter) Option { return func(m *Manager) { m.mon = r } }

// WithMetrics mirrors attempt counters into Prometheus.
func WithMetrics(p *observability.Metrics) Option { return func(m *Manager) { m.prom = p } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithSleeper overrides the inter-attempt delay function.
func WithSleeper(s func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = s }
}

// NewManager creates a retry manager. Per-key state is created lazily on
// first use and discarded with the manager.
func NewManager(cfg config.AdaptiveRetryConfig, opts ...Option) *Manager {
	if cfg.RateLimitPenalty <= 1 {
		cfg.RateLimitPenalty = 3
	}
	if cfg.LowSuccessPenalty <= 1 {
		cfg.LowSuccessPenalty = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	m := &Manager{
		cfg:   cfg,
		log:   zap.NewNop(),
		clk:   clock.Real{},
		keys:  make(map[string]*keyState),
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) state(key string) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.keys[key]; ok {
		return st
	}
	st := &keyState{history: make([]bool, m.cfg.HistorySize)}
	if m.cfg.EnableCircuitBreaker {
		st.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1, // single half-open probe
			Timeout:     m.cfg.CircuitBreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(m.cfg.CircuitBreakerThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.log.Info("circuit breaker state change",
					zap.String("operation", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if m.prom != nil {
					m.prom.SetBreakerState(name, breakerStateValue(to))
				}
			},
		})
	}
	m.keys[key] = st
	return st
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// ExecuteWithRetry runs op under the key's circuit breaker with up to
// MaxAttempts attempts. While the breaker is open the call fails
// immediately without invoking op and without consuming an attempt.
func (m *Manager) ExecuteWithRetry(ctx context.Context, key string, op Operation) Outcome {
	ctx, span := tracer.Start(ctx, "retry.ExecuteWithRetry")
	defer span.End()
	span.SetAttributes(attribute.String("operation.key", key))

	start := m.clk.Now()
	st := m.state(key)

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		val, err := m.invoke(ctx, st, op)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Rejected without running the operation; no attempt consumed.
			span.SetAttributes(attribute.Int("retry.attempts", attempts))
			return Outcome{
				Attempts:  attempts,
				TotalTime: m.clk.Now().Sub(start),
				Err:       errors.Join(ErrCircuitOpen, err),
			}
		}

		attempts = attempt
		m.recordAttempt(key, st, err == nil)

		if err == nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempts))
			return Outcome{
				Success:   true,
				Value:     val,
				Attempts:  attempts,
				TotalTime: m.clk.Now().Sub(start),
			}
		}
		lastErr = err

		if m.cfg.EnableRateLimitDetection && isRateLimitSignature(err) {
			m.flagRateLimited(st)
		}
		if isTerminal(err) {
			break
		}
		if attempt == m.cfg.MaxAttempts {
			break
		}

		if serr := m.sleep(ctx, m.delay(st, attempt)); serr != nil {
			// A cancelled delay is terminal; keep the operation error as
			// the primary cause.
			lastErr = errors.Join(lastErr, serr)
			break
		}
	}

	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	return Outcome{
		Attempts:  attempts,
		TotalTime: m.clk.Now().Sub(start),
		Err:       lastErr,
	}
}

func (m *Manager) invoke(ctx context.Context, st *keyState, op Operation) (any, error) {
	if st.breaker == nil {
		return op(ctx)
	}
	return st.breaker.Execute(func() (any, error) {
		return op(ctx)
	})
}

func isTerminal(err error) bool {
	var term *TerminalError
	if errors.As(err, &term) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var rateLimitSignatures = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"429",
	"quota exceeded",
	"throttle",
}

func isRateLimitSignature(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (m *Manager) flagRateLimited(st *keyState) {
	m.mu.Lock()
	st.rateLimitedUntil = m.clk.Now().Add(m.cfg.RateLimitWindow)
	m.mu.Unlock()
}

func (m *Manager) recordAttempt(key string, st *keyState, success bool) {
	m.mu.Lock()
	st.history[st.histPos] = success
	st.histPos = (st.histPos + 1) % len(st.history)
	if st.histLen < len(st.history) {
		st.histLen++
	}
	st.totalAttempts++
	if success {
		st.totalSuccesses++
	}
	rate := windowRateLocked(st)
	m.mu.Unlock()

	if m.prom != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		m.prom.IncrRetryAttempt(key, outcome)
	}
	if m.mon != nil {
		m.mon.RecordSample(monitor.MetricRetrySuccessRate, rate)
	}
}

// windowRateLocked computes the recent success rate; 1.0 with no history so
// fresh keys are not penalized.
func windowRateLocked(st *keyState) float64 {
	if st.histLen == 0 {
		return 1
	}
	succ := 0
	for i := 0; i < st.histLen; i++ {
		if st.history[i] {
			succ++
		}
	}
	return float64(succ) / float64(st.histLen)
}

// delay computes the pre-attempt backoff for the configured strategy.
// Delays are monotonic in failure count and capped at MaxDelay.
func (m *Manager) delay(st *keyState, attempt int) time.Duration {
	if m.cfg.Strategy == config.RetryFixed {
		return m.cfg.BaseDelay
	}

	d := float64(m.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))

	if m.cfg.Strategy == config.RetryAdaptive {
		m.mu.Lock()
		rateLimited := m.clk.Now().Before(st.rateLimitedUntil)
		rate := windowRateLocked(st)
		m.mu.Unlock()

		if rateLimited {
			d *= m.cfg.RateLimitPenalty
		} else if rate < m.cfg.SuccessRateThreshold {
			d *= m.cfg.LowSuccessPenalty
		}
	}

	if max := float64(m.cfg.MaxDelay); max > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// BreakerState reports the circuit breaker state for a key. Keys without a
// breaker (or with breaking disabled) report closed.
func (m *Manager) BreakerState(key string) string {
	m.mu.Lock()
	st, ok := m.keys[key]
	m.mu.Unlock()

	if !ok || st.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return st.breaker.State().String()
}

// PerformanceSummary aggregates attempt history for one key, or across all
// keys when key is empty.
func (m *Manager) PerformanceSummary(key string) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != "" {
		st, ok := m.keys[key]
		if !ok {
			return Summary{BreakerState: gobreaker.StateClosed.String()}
		}
		s := Summary{TotalRequests: st.totalAttempts}
		if st.totalAttempts > 0 {
			s.SuccessRate = float64(st.totalSuccesses) / float64(st.totalAttempts)
		}
		if st.breaker != nil {
			s.BreakerState = st.breaker.State().String()
		} else {
			s.BreakerState = gobreaker.StateClosed.String()
		}
		return s
	}

	var total, succ int64
	for _, st := range m.keys {
		total += st.totalAttempts
		succ += st.totalSuccesses
	}
	s := Summary{TotalRequests: total}
	if total > 0 {
		s.SuccessRate = float64(succ) / float64(total)
	}
	return s
}

// OptimizationRecommendations flags operation keys whose recent success
// rate is below the configured threshold.
func (m *Manager) OptimizationRecommendations() []monitor.Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []monitor.Recommendation
	for key, st := range m.keys {
		if st.histLen < 5 {
			continue
		}
		if rate := windowRateLocked(st); rate < m.cfg.SuccessRateThreshold {
			recs = append(recs, monitor.Recommendation{
				Strategy:    "reliability",
				Title:       "Unreliable operation: " + key,
				Description: "Recent success rate is below the configured threshold. Check upstream health before retrying aggressively.",
				Impact:      "high",
				Effort:      "medium",
				Confidence:  1 - rate,
			})
		}
	}
	return recs
}
