package pricecache

import (
	"sync"
	"testing"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depth(venue, symbol string, bid, ask string, at time.Time) *core.DepthSnapshot {
	return &core.DepthSnapshot{
		Venue:  venue,
		Symbol: symbol,
		Bids: []core.DepthLevel{
			{Price: decimal.RequireFromString(bid), Size: decimal.NewFromInt(1)},
		},
		Asks: []core.DepthLevel{
			{Price: decimal.RequireFromString(ask), Size: decimal.NewFromInt(1)},
		},
		ObservedAt: at,
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	now := time.Now()
	c := NewWithClock(func() time.Time { return now })

	c.CacheDepth("v1", "BTC", depth("v1", "BTC", "49999", "50001", now), SourceLiquidityCheck)

	price, ok := c.GetBBO("v1", "BTC", 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "49999", price.BestBid.String())
	assert.Equal(t, "50001", price.BestAsk.String())
	assert.Equal(t, SourceLiquidityCheck, price.Source)
	assert.Equal(t, "50000", price.Mid().String())
}

func TestCacheMissAfterTTL(t *testing.T) {
	now := time.Now()
	c := NewWithClock(func() time.Time { return now })

	c.CacheDepth("v1", "BTC", depth("v1", "BTC", "49999", "50001", now), SourceLiquidityCheck)

	now = now.Add(5 * time.Second)
	_, ok := c.GetBBO("v1", "BTC", 5*time.Second)
	assert.False(t, ok, "entry at exactly TTL age must be stale")
}

func TestCacheMissUnknownKey(t *testing.T) {
	c := New()
	_, ok := c.GetBBO("v1", "ETH", time.Second)
	assert.False(t, ok)
}

func TestLastWriterWins(t *testing.T) {
	now := time.Now()
	c := NewWithClock(func() time.Time { return now })

	c.CacheDepth("v1", "BTC", depth("v1", "BTC", "49999", "50001", now), SourceLiquidityCheck)
	c.CacheDepth("v1", "BTC", depth("v1", "BTC", "50000", "50002", now), SourceLiquidityCheck)

	price, ok := c.GetBBO("v1", "BTC", 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "50000", price.BestBid.String())
	assert.Equal(t, 1, c.Len())
}

func TestEmptyDepthIgnored(t *testing.T) {
	c := New()
	c.CacheDepth("v1", "BTC", &core.DepthSnapshot{}, SourceLiquidityCheck)
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	now := time.Now()
	c := NewWithClock(func() time.Time { return now })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.CacheDepth("v1", "BTC", depth("v1", "BTC", "49999", "50001", now), SourceLiquidityCheck)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.GetBBO("v1", "BTC", time.Second)
			}
		}()
	}
	wg.Wait()

	price, ok := c.GetBBO("v1", "BTC", time.Second)
	require.True(t, ok)
	assert.True(t, price.BestBid.LessThan(price.BestAsk))
}
