package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

func testConfig() *config.CacheConfig {
	cfg := config.Default().Cache
	cfg.FreshDataThreshold = 2 * time.Second
	cfg.MaxEntries = 4
	cfg.EvictFraction = 0.5
	return &cfg
}

func TestCache_GetMissesWhenAbsent(t *testing.T) {
	c := New(testConfig())
	_, ok := c.Get("crypto:BTC/USD", time.Now())
	assert.False(t, ok)
}

func TestCache_GetHitsWithinFreshness(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Set("crypto:BTC/USD", domain.AggregatedPrice{Price: 100, Timestamp: now.UnixMilli()}, now)

	price, ok := c.Get("crypto:BTC/USD", now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 100.0, price.Price)
}

func TestCache_GetMissesWhenStale(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Set("crypto:BTC/USD", domain.AggregatedPrice{Price: 100, Timestamp: now.UnixMilli()}, now)

	_, ok := c.Get("crypto:BTC/USD", now.Add(3*time.Second))
	assert.False(t, ok)
}

func TestCache_SetIsMonotonicOnTimestamp(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Set("crypto:BTC/USD", domain.AggregatedPrice{Price: 100, Timestamp: now.UnixMilli()}, now)
	c.Set("crypto:BTC/USD", domain.AggregatedPrice{Price: 999, Timestamp: now.Add(-time.Minute).UnixMilli()}, now)

	price, ok := c.Get("crypto:BTC/USD", now)
	require.True(t, ok)
	assert.Equal(t, 100.0, price.Price, "older write must not overwrite newer entry")
}

func TestCache_InvalidateOnPriceUpdateDropsOlderEntry(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Set("crypto:BTC/USD", domain.AggregatedPrice{Price: 100, Timestamp: now.UnixMilli()}, now)

	c.InvalidateOnPriceUpdate("crypto:BTC/USD", now.Add(time.Second).UnixMilli())
	_, ok := c.Get("crypto:BTC/USD", now)
	assert.False(t, ok)
}

func TestCache_EvictsLRUWhenFull(t *testing.T) {
	c := New(testConfig()) // MaxEntries = 4
	base := time.Now().Add(-time.Hour)

	for i, feed := range []string{"a", "b", "c", "d"} {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		c.Set(feed, domain.AggregatedPrice{Price: float64(i), Timestamp: ts.UnixMilli()}, ts)
	}
	// Access "d" so it's not the least-recently-used.
	c.Get("d", base.Add(10*time.Millisecond))

	// Adding a 5th entry a minute later, when all four are past
	// FreshDataThreshold and so eligible, evicts the least recently
	// accessed half (EvictFraction 0.5): "a" and "b".
	later := base.Add(time.Minute)
	c.Set("e", domain.AggregatedPrice{Price: 5, Timestamp: later.UnixMilli()}, later)

	// Inspect entries directly: every surviving old entry is stale to Get.
	_, aOk := c.entries["a"]
	assert.False(t, aOk, "least recently accessed entry should be evicted")
	_, dOk := c.entries["d"]
	assert.True(t, dOk, "recently accessed entry should survive eviction")
}

type fakeRefresher struct {
	prices map[string]domain.AggregatedPrice
}

func (f *fakeRefresher) Refresh(feedKey string) (domain.AggregatedPrice, bool) {
	p, ok := f.prices[feedKey]
	return p, ok
}

func TestWarmer_WarmsStaleTopAccessedFeeds(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Get("crypto:BTC/USD", now) // record an access so it's top-ranked

	refresher := &fakeRefresher{prices: map[string]domain.AggregatedPrice{
		"crypto:BTC/USD": {Price: 42, Timestamp: now.UnixMilli()},
	}}
	cfg := testConfig()
	w := NewWarmer(c, refresher, cfg)
	w.warmPass()

	price, ok := c.Get("crypto:BTC/USD", now)
	require.True(t, ok)
	assert.Equal(t, 42.0, price.Price)
}
