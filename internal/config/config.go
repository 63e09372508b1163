package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RetryStrategy selects how inter-attempt delays are computed.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential_backoff"
	RetryAdaptive    RetryStrategy = "adaptive_backoff"
)

// CacheStrategy selects the eviction policy of the smart cache.
type CacheStrategy string

const (
	CacheLRU      CacheStrategy = "lru"
	CacheAdaptive CacheStrategy = "adaptive"
)

// PrefetchStrategy selects how the cache predicts upcoming keys.
type PrefetchStrategy string

const (
	PrefetchNone    PrefetchStrategy = "none"
	PrefetchPattern PrefetchStrategy = "pattern"
)

// PoolStrategy selects how the connection pool sizes itself.
type PoolStrategy string

const (
	PoolFixed    PoolStrategy = "fixed"
	PoolAdaptive PoolStrategy = "adaptive"
)

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// PerformanceConfig controls the performance monitor.
type PerformanceConfig struct {
	Enabled                  bool
	SampleRate               float64
	MaxMetricsRetention      time.Duration
	MetricsBufferSize        int
	TimeSeriesMaxPoints      int
	EnableRealTimeMonitoring bool
	EnableAlerting           bool
	EnableRecommendations    bool
	AlertCooldown            time.Duration
	TickInterval             time.Duration
	MaxRecommendations       int
}

// Validate checks the monitor parameters.
func (c PerformanceConfig) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return &ConfigError{Field: "performance.sample_rate", Reason: "must be in [0, 1]"}
	}
	if c.MetricsBufferSize <= 0 {
		return &ConfigError{Field: "performance.metrics_buffer_size", Reason: "must be positive"}
	}
	if c.TimeSeriesMaxPoints <= 0 {
		return &ConfigError{Field: "performance.time_series_max_points", Reason: "must be positive"}
	}
	if c.TickInterval <= 0 {
		return &ConfigError{Field: "performance.tick_interval", Reason: "must be positive"}
	}
	return nil
}

// AdaptiveRetryConfig controls the retry manager and its circuit breakers.
type AdaptiveRetryConfig struct {
	MaxAttempts              int
	BaseDelay                time.Duration
	MaxDelay                 time.Duration
	Strategy                 RetryStrategy
	EnableCircuitBreaker     bool
	CircuitBreakerThreshold  int
	CircuitBreakerCooldown   time.Duration
	EnableRateLimitDetection bool
	RateLimitWindow          time.Duration
	RateLimitPenalty         float64
	LowSuccessPenalty        float64
	SuccessRateThreshold     float64
	HistorySize              int
}

// Validate checks the retry parameters.
func (c AdaptiveRetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return &ConfigError{Field: "retry.max_attempts", Reason: "must be positive"}
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return &ConfigError{Field: "retry.base_delay", Reason: "delays must be non-negative"}
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return &ConfigError{Field: "retry.base_delay", Reason: "must not exceed max_delay"}
	}
	switch c.Strategy {
	case RetryFixed, RetryExponential, RetryAdaptive:
	default:
		return &ConfigError{Field: "retry.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	if c.EnableCircuitBreaker && c.CircuitBreakerThreshold <= 0 {
		return &ConfigError{Field: "retry.circuit_breaker_threshold", Reason: "must be positive"}
	}
	if c.SuccessRateThreshold < 0 || c.SuccessRateThreshold > 1 {
		return &ConfigError{Field: "retry.success_rate_threshold", Reason: "must be in [0, 1]"}
	}
	if c.HistorySize <= 0 {
		return &ConfigError{Field: "retry.history_size", Reason: "must be positive"}
	}
	return nil
}

// SmartCacheConfig controls the tiered cache.
type SmartCacheConfig struct {
	MaxSize               int
	MaxMemoryBytes        int64
	DefaultTTL            time.Duration
	Strategy              CacheStrategy
	EnableTiering         bool
	EnablePrefetching     bool
	PrefetchStrategy      PrefetchStrategy
	EnableCompression     bool
	CompressionThreshold  int
	EnablePatternAnalysis bool
	PromoteThreshold      int
	PromoteWindow         time.Duration
	DemoteAfter           time.Duration
	SweepInterval         time.Duration
}

// Validate checks the cache parameters.
func (c SmartCacheConfig) Validate() error {
	if c.MaxSize <= 0 {
		return &ConfigError{Field: "cache.max_size", Reason: "must be positive"}
	}
	if c.MaxMemoryBytes < 0 {
		return &ConfigError{Field: "cache.max_memory_bytes", Reason: "must be non-negative"}
	}
	if c.DefaultTTL <= 0 {
		return &ConfigError{Field: "cache.default_ttl", Reason: "must be positive"}
	}
	switch c.Strategy {
	case CacheLRU, CacheAdaptive:
	default:
		return &ConfigError{Field: "cache.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	if c.PromoteThreshold <= 0 {
		return &ConfigError{Field: "cache.promote_threshold", Reason: "must be positive"}
	}
	if c.SweepInterval <= 0 {
		return &ConfigError{Field: "cache.sweep_interval", Reason: "must be positive"}
	}
	return nil
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	MinSize              int
	MaxSize              int
	MaxIdleTime          time.Duration
	MaxConnectionAge     time.Duration
	HealthCheckInterval  time.Duration
	Strategy             PoolStrategy
	EnableAdaptiveSizing bool
	EnableHealthChecks   bool
	GrowUtilization      float64
	ShrinkUtilization    float64
}

// Validate checks the pool parameters.
func (c PoolConfig) Validate() error {
	if c.MinSize < 0 {
		return &ConfigError{Field: "pool.min_size", Reason: "must be non-negative"}
	}
	if c.MaxSize <= 0 {
		return &ConfigError{Field: "pool.max_size", Reason: "must be positive"}
	}
	if c.MinSize > c.MaxSize {
		return &ConfigError{Field: "pool.min_size", Reason: "must not exceed max_size"}
	}
	switch c.Strategy {
	case PoolFixed, PoolAdaptive:
	default:
		return &ConfigError{Field: "pool.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	if c.EnableHealthChecks && c.HealthCheckInterval <= 0 {
		return &ConfigError{Field: "pool.health_check_interval", Reason: "must be positive"}
	}
	if c.GrowUtilization <= c.ShrinkUtilization {
		return &ConfigError{Field: "pool.grow_utilization", Reason: "must exceed shrink_utilization"}
	}
	return nil
}

// Config holds all engine configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server (dashboard exporter)
	Port     int
	LogLevel string

	// Observability
	OTLPEndpoint  string
	EnableTracing bool

	Performance PerformanceConfig
	Retry       AdaptiveRetryConfig
	Cache       SmartCacheConfig
	Pool        PoolConfig
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		EnableTracing: getEnv("ENABLE_TRACING", "false") == "true",

		Performance: PerformanceConfig{
			Enabled:                  getEnv("PERF_ENABLED", "true") == "true",
			SampleRate:               getEnvFloat("PERF_SAMPLE_RATE", 1.0),
			MaxMetricsRetention:      getEnvDuration("PERF_METRICS_RETENTION", 24*time.Hour),
			MetricsBufferSize:        getEnvInt("PERF_METRICS_BUFFER_SIZE", 1000),
			TimeSeriesMaxPoints:      getEnvInt("PERF_TIME_SERIES_MAX_POINTS", 500),
			EnableRealTimeMonitoring: getEnv("PERF_REAL_TIME", "true") == "true",
			EnableAlerting:           getEnv("PERF_ALERTING", "true") == "true",
			EnableRecommendations:    getEnv("PERF_RECOMMENDATIONS", "true") == "true",
			AlertCooldown:            getEnvDuration("PERF_ALERT_COOLDOWN", 5*time.Minute),
			TickInterval:             getEnvDuration("PERF_TICK_INTERVAL", 30*time.Second),
			MaxRecommendations:       getEnvInt("PERF_MAX_RECOMMENDATIONS", 50),
		},

		Retry: AdaptiveRetryConfig{
			MaxAttempts:              getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:                getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:                 getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
			Strategy:                 RetryStrategy(getEnv("RETRY_STRATEGY", string(RetryAdaptive))),
			EnableCircuitBreaker:     getEnv("RETRY_CIRCUIT_BREAKER", "true") == "true",
			CircuitBreakerThreshold:  getEnvInt("RETRY_CB_THRESHOLD", 5),
			CircuitBreakerCooldown:   getEnvDuration("RETRY_CB_COOLDOWN", 30*time.Second),
			EnableRateLimitDetection: getEnv("RETRY_RATE_LIMIT_DETECTION", "true") == "true",
			RateLimitWindow:          getEnvDuration("RETRY_RATE_LIMIT_WINDOW", 30*time.Second),
			RateLimitPenalty:         getEnvFloat("RETRY_RATE_LIMIT_PENALTY", 3.0),
			LowSuccessPenalty:        getEnvFloat("RETRY_LOW_SUCCESS_PENALTY", 2.0),
			SuccessRateThreshold:     getEnvFloat("RETRY_SUCCESS_RATE_THRESHOLD", 0.5),
			HistorySize:              getEnvInt("RETRY_HISTORY_SIZE", 50),
		},

		Cache: SmartCacheConfig{
			MaxSize:               getEnvInt("CACHE_MAX_SIZE", 1000),
			MaxMemoryBytes:        int64(getEnvInt("CACHE_MAX_MEMORY_BYTES", 64<<20)),
			DefaultTTL:            getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
			Strategy:              CacheStrategy(getEnv("CACHE_STRATEGY", string(CacheAdaptive))),
			EnableTiering:         getEnv("CACHE_TIERING", "true") == "true",
			EnablePrefetching:     getEnv("CACHE_PREFETCHING", "false") == "true",
			PrefetchStrategy:      PrefetchStrategy(getEnv("CACHE_PREFETCH_STRATEGY", string(PrefetchPattern))),
			EnableCompression:     getEnv("CACHE_COMPRESSION", "false") == "true",
			CompressionThreshold:  getEnvInt("CACHE_COMPRESSION_THRESHOLD", 1024),
			EnablePatternAnalysis: getEnv("CACHE_PATTERN_ANALYSIS", "false") == "true",
			PromoteThreshold:      getEnvInt("CACHE_PROMOTE_THRESHOLD", 3),
			PromoteWindow:         getEnvDuration("CACHE_PROMOTE_WINDOW", time.Minute),
			DemoteAfter:           getEnvDuration("CACHE_DEMOTE_AFTER", 5*time.Minute),
			SweepInterval:         getEnvDuration("CACHE_SWEEP_INTERVAL", 30*time.Second),
		},

		Pool: PoolConfig{
			MinSize:              getEnvInt("POOL_MIN_SIZE", 2),
			MaxSize:              getEnvInt("POOL_MAX_SIZE", 10),
			MaxIdleTime:          getEnvDuration("POOL_MAX_IDLE_TIME", 5*time.Minute),
			MaxConnectionAge:     getEnvDuration("POOL_MAX_CONNECTION_AGE", 30*time.Minute),
			HealthCheckInterval:  getEnvDuration("POOL_HEALTH_CHECK_INTERVAL", 30*time.Second),
			Strategy:             PoolStrategy(getEnv("POOL_STRATEGY", string(PoolAdaptive))),
			EnableAdaptiveSizing: getEnv("POOL_ADAPTIVE_SIZING", "true") == "true",
			EnableHealthChecks:   getEnv("POOL_HEALTH_CHECKS", "true") == "true",
			GrowUtilization:      getEnvFloat("POOL_GROW_UTILIZATION", 0.8),
			ShrinkUtilization:    getEnvFloat("POOL_SHRINK_UTILIZATION", 0.3),
		},
	}
}

// Validate checks every component config.
func (c *Config) Validate() error {
	if err := c.Performance.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return c.Pool.Validate()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
