// Package cache provides a tiered, TTL-aware in-memory key/value cache with
// adaptive eviction and optional pattern-based prefetching.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/promptlane/promptlane-go/internal/clock"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/monitor"
	"github.com/promptlane/promptlane-go/internal/observability"
)

var tracer = otel.Tracer("cache")

// Tier is the eviction priority bucket of an entry. Eviction drains COLD
// before WARM before HOT.
type Tier int

const (
	TierCold Tier = iota
	TierWarm
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	default:
		return "cold"
	}
}

// Fetcher loads a value for a key; used only by the optional prefetch path.
type Fetcher func(ctx context.Context, key string) (any, error)

// Reporter is the monitor surface the cache reports hits and misses into.
type Reporter interface {
	TrackCacheOperation(hit bool, latency time.Duration)
}

type entry struct {
	key         string
	value       any
	compressed  bool
	wasString   bool
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	windowStart time.Time
	windowCount int
	tier        Tier
	ttl         time.Duration
	size        int64
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Stats is the cache's own counter view.
type Stats struct {
	TotalItems    int           `json:"total_items"`
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	HitRate       float64       `json:"hit_rate"`
	AvgAccessTime time.Duration `json:"avg_access_time"`
	Efficiency    float64       `json:"cache_efficiency"`
	MemoryBytes   int64         `json:"memory_bytes"`
	Evictions     int64         `json:"evictions"`
}

// Cache is a tiered TTL cache. All primitive operations are atomic with
// respect to their key; a single per-instance mutex linearizes tier and
// size accounting.
type Cache struct {
	cfg   config.SmartCacheConfig
	log   *zap.Logger
	mon   Reporter
	prom  *observability.Metrics
	clk   clock.Clock
	name  string
	fetch Fetcher

	// victimLess orders eviction candidates; chosen from cfg.Strategy in New.
	victimLess func(a, b *entry) bool

	mu          sync.Mutex
	items       map[string]*entry
	memBytes    int64
	hits        int64
	misses      int64
	accessTotal time.Duration
	evictions   int64

	pf *prefetcher

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

// WithReporter wires the monitor collaborator.
func WithReporter(r Reporter) Option { return func(c *Cache) { c.mon = r } }

// WithMetrics mirrors counters into Prometheus.
func WithMetrics(p *observability.Metrics) Option { return func(c *Cache) { c.prom = p } }

// WithClock overrides the time source.
func WithClock(cl clock.Clock) Option { return func(c *Cache) { c.clk = cl } }

// WithFetcher injects the fetch collaborator used for prefetching.
func WithFetcher(f Fetcher) Option { return func(c *Cache) { c.fetch = f } }

// WithName labels the cache in exported metrics.
func WithName(n string) Option { return func(c *Cache) { c.name = n } }

// New creates a Cache. Call Initialize to start the background sweep.
func New(cfg config.SmartCacheConfig, opts ...Option) *Cache {
	c := &Cache{
		cfg:   cfg,
		log:   zap.NewNop(),
		clk:   clock.Real{},
		name:  "smart",
		items: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.Strategy {
	case config.CacheLRU:
		c.victimLess = func(a, b *entry) bool {
			return a.lastAccess.Before(b.lastAccess)
		}
	default:
		c.victimLess = func(a, b *entry) bool {
			if a.tier != b.tier {
				return a.tier < b.tier
			}
			return a.lastAccess.Before(b.lastAccess)
		}
	}

	if cfg.PrefetchStrategy == config.PrefetchPattern &&
		(cfg.EnablePrefetching || cfg.EnablePatternAnalysis) {
		c.pf = newPrefetcher(c)
	}
	return c
}

// Get returns the live value for key. Expired entries are purged on access
// and reported as misses.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	_, span := tracer.Start(ctx, "cache.Get")
	span.SetAttributes(attribute.String("cache.key", key))
	defer span.End()

	start := c.clk.Now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expired(start) {
		c.removeLocked(e)
		ok = false
	}
	var value any
	var wasString, compressed bool
	if ok {
		e.lastAccess = start
		e.accessCount++
		c.bumpWindowLocked(e, start)
		value, compressed, wasString = e.value, e.compressed, e.wasString
	}
	c.mu.Unlock()

	// An undeliverable value is a miss, so counting waits until the value
	// is known to decode.
	if ok && compressed {
		decoded, err := decompress(value.([]byte), wasString)
		if err != nil {
			c.log.Warn("cache decompression failed", zap.String("key", key), zap.Error(err))
			c.Delete(key)
			ok = false
			value = nil
		} else {
			value = decoded
		}
	}

	elapsed := c.clk.Now().Sub(start)
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.accessTotal += elapsed
	c.mu.Unlock()

	span.SetAttributes(attribute.Bool("cache.hit", ok))
	c.reportAccess(ok, elapsed)

	if c.pf != nil {
		c.pf.observe(key)
	}

	if !ok {
		return nil, false
	}
	return value, true
}

func (c *Cache) reportAccess(hit bool, latency time.Duration) {
	if c.mon != nil {
		c.mon.TrackCacheOperation(hit, latency)
	}
	if c.prom != nil {
		if hit {
			c.prom.IncrCacheHit(c.name)
		} else {
			c.prom.IncrCacheMiss(c.name)
		}
	}
}

// bumpWindowLocked maintains the sliding access window that drives tier
// promotion.
func (c *Cache) bumpWindowLocked(e *entry, now time.Time) {
	if now.Sub(e.windowStart) > c.cfg.PromoteWindow {
		e.windowStart = now
		e.windowCount = 0
	}
	e.windowCount++

	if !c.cfg.EnableTiering {
		return
	}
	if e.windowCount >= c.cfg.PromoteThreshold && e.tier < TierHot {
		e.tier++
		e.windowCount = 0
		e.windowStart = now
	}
}

// Set inserts or overwrites key. A ttl of 0 uses the default. The size
// invariant (max_size, max_memory_bytes) is restored before Set returns.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	_, span := tracer.Start(ctx, "cache.Set")
	span.SetAttributes(attribute.String("cache.key", key))
	defer span.End()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clk.Now()

	stored, compressed, wasString := c.maybeCompress(value)
	size := estimateSize(stored)

	c.mu.Lock()
	if old, ok := c.items[key]; ok {
		c.memBytes -= old.size
	}
	c.items[key] = &entry{
		key:         key,
		value:       stored,
		compressed:  compressed,
		wasString:   wasString,
		createdAt:   now,
		lastAccess:  now,
		windowStart: now,
		tier:        TierCold,
		ttl:         ttl,
		size:        size,
	}
	c.memBytes += size
	c.evictLocked()
	c.mu.Unlock()
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.memBytes = 0
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.items, e.key)
	c.memBytes -= e.size
}

// evictLocked restores the size invariants. The adaptive strategy drains
// COLD entries first (oldest last access first), then WARM, then HOT;
// plain LRU ignores tiers and removes the least recently used entry.
func (c *Cache) evictLocked() {
	for len(c.items) > c.cfg.MaxSize ||
		(c.cfg.MaxMemoryBytes > 0 && c.memBytes > c.cfg.MaxMemoryBytes) {
		victim := c.victimLocked()
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evictions++
		if c.prom != nil {
			c.prom.IncrCacheEviction(victim.tier.String())
		}
	}
}

func (c *Cache) victimLocked() *entry {
	var victim *entry
	for _, e := range c.items {
		if victim == nil {
			victim = e
			continue
		}
		if c.victimLess(e, victim) {
			victim = e
		}
	}
	return victim
}

// Initialize starts the background cleanup loop that purges expired entries
// independent of Get calls. Idempotent.
func (c *Cache) Initialize() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	if c.pf != nil {
		c.pf.start()
	}
	go c.sweepLoop(stopCh, done)
}

// Close stops the cleanup loop and the prefetcher. Idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	<-done
	if c.pf != nil {
		c.pf.stop()
	}
}

func (c *Cache) sweepLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep purges expired entries and demotes entries idle past DemoteAfter.
func (c *Cache) sweep() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cache sweep panicked", zap.Any("panic", r))
		}
	}()

	now := c.clk.Now()
	purged := 0

	c.mu.Lock()
	for _, e := range c.items {
		if e.expired(now) {
			c.removeLocked(e)
			purged++
			continue
		}
		if c.cfg.EnableTiering && e.tier > TierCold && now.Sub(e.lastAccess) > c.cfg.DemoteAfter {
			e.tier--
			e.windowCount = 0
			e.windowStart = now
		}
	}
	c.mu.Unlock()

	if purged > 0 {
		c.log.Debug("cache sweep purged expired entries", zap.Int("purged", purged))
	}
}

// Stats returns the cache counters. Efficiency discounts the hit rate by
// eviction pressure.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalItems:  len(c.items),
		Hits:        c.hits,
		Misses:      c.misses,
		MemoryBytes: c.memBytes,
		Evictions:   c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
		s.AvgAccessTime = c.accessTotal / time.Duration(total)
		s.Efficiency = float64(c.hits) / float64(total+c.evictions)
	}
	return s
}

// ResetStats zeroes the hit/miss/eviction counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	c.hits = 0
	c.misses = 0
	c.accessTotal = 0
	c.evictions = 0
	c.mu.Unlock()
}

// OptimizationRecommendations suggests tuning based on the counters.
func (c *Cache) OptimizationRecommendations() []monitor.Recommendation {
	s := c.Stats()

	var recs []monitor.Recommendation
	if s.Hits+s.Misses >= 10 && s.HitRate < 0.3 {
		recs = append(recs, monitor.Recommendation{
			Strategy:    "cache_tuning",
			Title:       "Low cache hit rate",
			Description: "Raise max_size or default_ttl, or enable prefetching for predictable access patterns.",
			Impact:      "high",
			Effort:      "low",
			Confidence:  0.8,
		})
	}
	if s.Evictions > int64(c.cfg.MaxSize) {
		recs = append(recs, monitor.Recommendation{
			Strategy:    "cache_capacity",
			Title:       "Heavy eviction churn",
			Description: "Evictions exceed the cache capacity; the working set does not fit. Raise max_size or max_memory_bytes.",
			Impact:      "medium",
			Effort:      "low",
			Confidence:  0.7,
		})
	}
	return recs
}

// maybeCompress applies s2 compression to byte and string values above the
// configured threshold.
func (c *Cache) maybeCompress(value any) (stored any, compressed, wasString bool) {
	if !c.cfg.EnableCompression {
		return value, false, false
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
		wasString = true
	default:
		return value, false, false
	}
	if len(raw) < c.cfg.CompressionThreshold {
		return value, false, false
	}
	return s2.Encode(nil, raw), true, wasString
}

func decompress(data []byte, wasString bool) (any, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	if wasString {
		return string(raw), nil
	}
	return raw, nil
}

// estimateSize approximates the in-memory footprint of a value for the
// max_memory_bytes accounting.
func estimateSize(value any) int64 {
	switch v := value.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return 8
	case bool:
		return 1
	default:
		return 128
	}
}
