// Package pricecache implements the shared short-TTL best bid/ask store.
// It is warmed by depth fetches during executor pre-flight and consumed by
// order pricing, eliminating the duplicate round-trip between the two.
package pricecache

import (
	"context"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"
)

// SourceLiquidityCheck tags entries inserted by pre-flight depth fetches.
const SourceLiquidityCheck = "liquidity_check"

// Cache stores CachedPrice entries keyed by (venue, symbol) with
// last-writer-wins semantics. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]core.CachedPrice

	clock func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]core.CachedPrice),
		clock:   time.Now,
	}
}

// NewWithClock creates a cache with an injectable clock for tests.
func NewWithClock(clock func() time.Time) *Cache {
	return &Cache{
		entries: make(map[string]core.CachedPrice),
		clock:   clock,
	}
}

func key(venue, symbol string) string {
	return venue + "|" + symbol
}

// CacheDepth inserts the top-of-book of a depth snapshot.
func (c *Cache) CacheDepth(venue, symbol string, depth *core.DepthSnapshot, source string) {
	if depth == nil || len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return
	}

	observedAt := depth.ObservedAt
	if observedAt.IsZero() {
		observedAt = c.clock()
	}

	c.Put(core.CachedPrice{
		Venue:      venue,
		Symbol:     symbol,
		BestBid:    depth.BestBid().Price,
		BestAsk:    depth.BestAsk().Price,
		ObservedAt: observedAt,
		Source:     source,
	})
}

// Put stores a price entry, replacing any previous entry for the key.
func (c *Cache) Put(price core.CachedPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(price.Venue, price.Symbol)] = price
}

// GetBBO returns the cached quote iff it is younger than ttl.
func (c *Cache) GetBBO(venue, symbol string, ttl time.Duration) (core.CachedPrice, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key(venue, symbol)]
	c.mu.RUnlock()

	if !ok || c.clock().Sub(entry.ObservedAt) >= ttl {
		telemetry.GetGlobalMetrics().RecordCacheMiss(context.Background())
		return core.CachedPrice{}, false
	}

	telemetry.GetGlobalMetrics().RecordCacheHit(context.Background())
	return entry, true
}

// Len returns the number of entries regardless of freshness.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
