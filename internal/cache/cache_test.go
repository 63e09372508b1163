package cache_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptlane/promptlane-go/internal/cache"
	"github.com/promptlane/promptlane-go/internal/clock"
	"github.com/promptlane/promptlane-go/internal/config"
)

func testConfig() config.SmartCacheConfig {
	return config.SmartCacheConfig{
		MaxSize:          3,
		DefaultTTL:       time.Minute,
		Strategy:         config.CacheAdaptive,
		EnableTiering:    true,
		PromoteThreshold: 3,
		PromoteWindow:    time.Minute,
		DemoteAfter:      5 * time.Minute,
		SweepInterval:    time.Second,
	}
}

func TestCache_RoundTripAndClear(t *testing.T) {
	c := cache.New(testConfig())
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", 0)
	val, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "v1" {
		t.Errorf("expected 'v1', got %v", val)
	}

	c.Clear()
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected key to be absent after clear")
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New(testConfig())
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", 0)
	c.Delete("k1")

	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected key to be deleted")
	}
}

func TestCache_TTLBoundary(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	c := cache.New(testConfig(), cache.WithClock(clk))
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", 10*time.Second)

	clk.Advance(9 * time.Second)
	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Fatal("expected value to be present before ttl elapses")
	}

	clk.Advance(2 * time.Second)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected value to be absent after ttl elapses")
	}
}

func TestCache_CapacityEvictsExactlyOneColdEntry(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	c := cache.New(testConfig(), cache.WithClock(clk))
	ctx := context.Background()

	for _, k := range []string{"k1", "k2", "k3"} {
		c.Set(ctx, k, "v", 0)
		clk.Advance(time.Millisecond)
	}

	c.Set(ctx, "k4", "v", 0)
	if n := c.Len(); n != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", n)
	}
	if ev := c.Stats().Evictions; ev != 1 {
		t.Fatalf("expected exactly 1 eviction, got %d", ev)
	}

	// k1 has the oldest last access among the COLD entries.
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected oldest cold entry k1 to be evicted")
	}
}

func TestCache_TierProtectsHotEntriesFromEviction(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	c := cache.New(testConfig(), cache.WithClock(clk))
	ctx := context.Background()

	c.Set(ctx, "k1", "v", 0)
	clk.Advance(time.Millisecond)
	c.Set(ctx, "k2", "v", 0)
	clk.Advance(time.Millisecond)
	c.Set(ctx, "k3", "v", 0)
	clk.Advance(time.Millisecond)

	// Promote k1 out of COLD despite being the oldest entry.
	for i := 0; i < 3; i++ {
		if _, ok := c.Get(ctx, "k1"); !ok {
			t.Fatal("expected k1 to be present")
		}
	}

	c.Set(ctx, "k4", "v", 0)

	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Error("promoted entry must not be evicted while cold entries exist")
	}
	if _, ok := c.Get(ctx, "k2"); ok {
		t.Error("expected oldest cold entry k2 to be evicted")
	}
}

func TestCache_LRUStrategyEvictsByRecencyOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = config.CacheLRU

	clk := clock.NewMock(time.Time{})
	c := cache.New(cfg, cache.WithClock(clk))
	ctx := context.Background()

	c.Set(ctx, "k1", "v", 0)
	// Promote k1 so it would be protected under the adaptive strategy.
	for i := 0; i < 3; i++ {
		if _, ok := c.Get(ctx, "k1"); !ok {
			t.Fatal("expected k1 to be present")
		}
	}
	clk.Advance(time.Millisecond)
	c.Set(ctx, "k2", "v", 0)
	clk.Advance(time.Millisecond)
	c.Set(ctx, "k3", "v", 0)
	clk.Advance(time.Millisecond)

	c.Set(ctx, "k4", "v", 0)

	// Pure LRU ignores tiers: k1 has the oldest last access and goes first.
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected least recently used entry k1 to be evicted")
	}
	if _, ok := c.Get(ctx, "k2"); !ok {
		t.Error("expected more recently used entry k2 to survive")
	}
}

func TestCache_PrefetchNoneStrategyNeverFetches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 10
	cfg.EnablePrefetching = true
	cfg.PrefetchStrategy = config.PrefetchNone

	fetched := make(chan string, 4)
	c := cache.New(cfg, cache.WithFetcher(func(_ context.Context, key string) (any, error) {
		fetched <- key
		return "fetched:" + key, nil
	}))
	c.Initialize()
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Get(ctx, "a")
		c.Get(ctx, "b")
	}

	select {
	case key := <-fetched:
		t.Fatalf("fetcher must stay idle with prefetching set to none, fetched %q", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCache_HitRateArithmeticAndReset(t *testing.T) {
	c := cache.New(testConfig())
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", 0)
	for i := 0; i < 3; i++ {
		c.Get(ctx, "k1")
	}
	c.Get(ctx, "missing")

	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", s)
	}
	if s.HitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %v", s.HitRate)
	}

	c.ResetStats()
	s = c.Stats()
	if s.Hits != 0 || s.Misses != 0 || s.HitRate != 0 {
		t.Errorf("expected zeroed stats after reset, got %+v", s)
	}
}

func TestCache_EndToEndScenario(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	c := cache.New(testConfig(), cache.WithClock(clk))
	ctx := context.Background()

	for _, k := range []string{"k1", "k2", "k3"} {
		c.Set(ctx, k, "v", 0)
		clk.Advance(time.Millisecond)
	}

	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Fatal("expected hit on k1")
	}
	clk.Advance(time.Millisecond)

	// k2 is now the oldest cold entry and gets evicted.
	c.Set(ctx, "k4", "v", 0)
	if _, ok := c.Get(ctx, "k2"); ok {
		t.Fatal("expected k2 to be evicted")
	}

	s := c.Stats()
	if s.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5 after one hit and one miss, got %v", s.HitRate)
	}
}

func TestCache_MemoryBoundTriggersEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 100
	cfg.MaxMemoryBytes = 40
	clk := clock.NewMock(time.Time{})
	c := cache.New(cfg, cache.WithClock(clk))
	ctx := context.Background()

	c.Set(ctx, "k1", strings.Repeat("a", 30), 0)
	clk.Advance(time.Millisecond)
	c.Set(ctx, "k2", strings.Repeat("b", 30), 0)

	if n := c.Len(); n != 1 {
		t.Errorf("expected memory bound to evict down to 1 entry, got %d", n)
	}
	if _, ok := c.Get(ctx, "k2"); !ok {
		t.Error("expected the newest entry to survive")
	}
}

func TestCache_CompressionRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCompression = true
	cfg.CompressionThreshold = 8
	c := cache.New(cfg)
	ctx := context.Background()

	long := strings.Repeat("prompt text ", 64)
	c.Set(ctx, "str", long, 0)
	if val, ok := c.Get(ctx, "str"); !ok || val != long {
		t.Error("expected compressed string to round-trip")
	}

	raw := bytes.Repeat([]byte{1, 2, 3, 4}, 64)
	c.Set(ctx, "bytes", raw, 0)
	val, ok := c.Get(ctx, "bytes")
	if !ok || !bytes.Equal(val.([]byte), raw) {
		t.Error("expected compressed bytes to round-trip")
	}
}

func TestCache_SweepPurgesExpiredEntries(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	clk := clock.NewMock(time.Time{})
	c := cache.New(cfg, cache.WithClock(clk))
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", 10*time.Second)
	c.Initialize()
	defer c.Close()

	clk.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not purge the expired entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCache_PrefetchesPredictedKey(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 10
	cfg.EnablePrefetching = true
	cfg.EnablePatternAnalysis = true
	cfg.PrefetchStrategy = config.PrefetchPattern

	fetched := make(chan string, 4)
	c := cache.New(cfg, cache.WithFetcher(func(_ context.Context, key string) (any, error) {
		fetched <- key
		return "fetched:" + key, nil
	}))
	c.Initialize()
	defer c.Close()

	ctx := context.Background()

	// Teach the pattern a -> b twice, then touch a again.
	c.Get(ctx, "a")
	c.Get(ctx, "b")
	c.Get(ctx, "a")
	c.Get(ctx, "b")
	c.Get(ctx, "a")

	select {
	case key := <-fetched:
		if key != "b" {
			t.Fatalf("expected prefetch of 'b', got %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prefetch")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if val, ok := c.Get(ctx, "b"); ok {
			if val != "fetched:b" {
				t.Fatalf("unexpected prefetched value %v", val)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("prefetched value never landed in the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 100
	c := cache.New(cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				c.Set(ctx, key, j, 0)
				c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if n := c.Len(); n != 10 {
		t.Errorf("expected 10 entries, got %d", n)
	}
}
