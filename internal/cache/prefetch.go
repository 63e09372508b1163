package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// prefetcher learns follower frequencies from the recent access sequence
// and speculatively loads the most likely next key through the injected
// fetch collaborator. Concurrent predictions for the same key are collapsed
// with singleflight; a cancelled prefetch is simply discarded.
type prefetcher struct {
	cache *Cache
	group singleflight.Group

	mu        sync.Mutex
	lastKey   string
	followers map[string]map[string]int

	ctx    context.Context
	cancel context.CancelFunc
}

// minFollowerCount is how often a transition must repeat before it is
// trusted enough to prefetch.
const minFollowerCount = 2

func newPrefetcher(c *Cache) *prefetcher {
	return &prefetcher{
		cache:     c,
		followers: make(map[string]map[string]int),
	}
}

func (p *prefetcher) start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
}

func (p *prefetcher) stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// observe records the access transition and, when prefetching is enabled,
// launches a speculative fetch for the predicted next key.
func (p *prefetcher) observe(key string) {
	p.mu.Lock()
	if p.lastKey != "" && p.lastKey != key {
		m := p.followers[p.lastKey]
		if m == nil {
			m = make(map[string]int)
			p.followers[p.lastKey] = m
		}
		m[key]++
	}
	p.lastKey = key

	var predicted string
	best := 0
	for next, count := range p.followers[key] {
		if count > best {
			best = count
			predicted = next
		}
	}
	ctx := p.ctx
	p.mu.Unlock()

	if !p.cache.cfg.EnablePrefetching || p.cache.fetch == nil || ctx == nil {
		return
	}
	if best < minFollowerCount || predicted == "" {
		return
	}

	go p.prefetch(ctx, predicted)
}

func (p *prefetcher) prefetch(ctx context.Context, key string) {
	defer func() {
		if r := recover(); r != nil {
			p.cache.log.Error("prefetch panicked", zap.Any("panic", r))
		}
	}()

	// Already live; nothing to do. Peek without touching hit/miss counters.
	now := p.cache.clk.Now()
	p.cache.mu.Lock()
	e, present := p.cache.items[key]
	live := present && !e.expired(now)
	p.cache.mu.Unlock()
	if live {
		return
	}

	value, err, _ := p.group.Do(key, func() (any, error) {
		return p.cache.fetch(ctx, key)
	})
	if err != nil || ctx.Err() != nil {
		if err != nil && ctx.Err() == nil {
			p.cache.log.Debug("prefetch failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	p.cache.Set(ctx, key, value, 0)
	p.cache.log.Debug("prefetched key", zap.String("key", key))
}
