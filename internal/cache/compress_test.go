package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/promptlane/promptlane-go/internal/config"
)

func TestGet_CorruptCompressedEntryCountsAsMiss(t *testing.T) {
	cfg := config.SmartCacheConfig{
		MaxSize:              4,
		DefaultTTL:           time.Minute,
		Strategy:             config.CacheAdaptive,
		PromoteThreshold:     3,
		PromoteWindow:        time.Minute,
		SweepInterval:        time.Second,
		EnableCompression:    true,
		CompressionThreshold: 8,
	}
	c := New(cfg)
	ctx := context.Background()

	c.Set(ctx, "k1", strings.Repeat("x", 64), 0)

	// Truncated s2 header, guaranteed to fail decoding.
	c.mu.Lock()
	c.items["k1"].value = []byte{0xff}
	c.mu.Unlock()

	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("expected corrupted entry to be undeliverable")
	}

	s := c.Stats()
	if s.Hits != 0 || s.Misses != 1 {
		t.Errorf("undeliverable value must count as a miss, got %+v", s)
	}
	if c.Len() != 0 {
		t.Errorf("expected corrupted entry to be dropped, %d entries remain", c.Len())
	}
}
