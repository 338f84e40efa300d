package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

func testFeedSet() *config.FeedSet {
	return &config.FeedSet{
		Feeds: []domain.FeedConfig{
			{
				Feed: domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"},
				Primaries: []domain.SourceRef{
					{Exchange: "binance", Symbol: "BTCUSDT"},
					{Exchange: "coinbase", Symbol: "BTC-USD"},
					{Exchange: "kraken", Symbol: "XBT/USD"},
				},
			},
		},
	}
}

// newTestOrchestrator builds an Orchestrator without calling Initialize
// (which would dial real exchanges); the symbolIndex is populated by
// hand the way buildSymbolIndex would once adapters existed, and the
// emission throttle is disabled so every Accept call is observable.
func newTestOrchestrator() *Orchestrator {
	cfg := config.Default()
	cfg.Aggregator.MinEmitInterval = 0

	o := New(cfg, testFeedSet())
	o.symbolIndex = map[string]domain.FeedId{
		"binance|BTC/USD":  {Category: domain.Crypto, Name: "BTC/USD"},
		"coinbase|BTC/USD": {Category: domain.Crypto, Name: "BTC/USD"},
		"kraken|BTC/USD":   {Category: domain.Crypto, Name: "BTC/USD"},
	}
	return o
}

func TestOrchestrator_GetCurrentPriceReturnsCacheHit(t *testing.T) {
	o := newTestOrchestrator()
	feedId := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}
	key := config.FeedKey(feedId)
	now := time.Now()
	price := domain.AggregatedPrice{
		Symbol:    "BTC/USD",
		Price:     50000,
		Timestamp: now.UnixMilli(),
		Sources:   map[string]struct{}{"binance": {}, "coinbase": {}, "kraken": {}},
	}
	o.cache.Set(key, price, now)

	got, err := o.GetCurrentPrice(context.Background(), feedId)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, got.Price)
}

func TestOrchestrator_GetCurrentPriceReturnsNotFoundWhenNeverEmitted(t *testing.T) {
	o := newTestOrchestrator()
	feedId := domain.FeedId{Category: domain.Crypto, Name: "ETH/USD"}

	_, err := o.GetCurrentPrice(context.Background(), feedId)
	assert.Error(t, err)
}

func TestOrchestrator_GetCurrentPriceFallsBackToAggregatorCurrent(t *testing.T) {
	o := newTestOrchestrator()
	feedId := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}
	key := config.FeedKey(feedId)
	now := time.Now()

	for _, src := range []string{"binance", "coinbase", "kraken"} {
		u := domain.PriceUpdate{Symbol: "BTC/USD", Price: 50000, Timestamp: now.UnixMilli(), Source: src, Confidence: 1}
		o.aggregator.Accept(key, feedId, u, domain.TierNative, 1, now, true)
	}

	got, err := o.GetCurrentPrice(context.Background(), feedId)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, got.Price)
}

func TestOrchestrator_GetCurrentPriceReturnsStaleWhenTooOld(t *testing.T) {
	o := newTestOrchestrator()
	feedId := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}
	key := config.FeedKey(feedId)
	old := time.Now().Add(-time.Hour)

	for _, src := range []string{"binance", "coinbase", "kraken"} {
		u := domain.PriceUpdate{Symbol: "BTC/USD", Price: 50000, Timestamp: old.UnixMilli(), Source: src, Confidence: 1}
		o.aggregator.Accept(key, feedId, u, domain.TierNative, 1, old, true)
	}

	_, err := o.GetCurrentPrice(context.Background(), feedId)
	assert.Error(t, err)
}

func TestOrchestrator_HandleUpdateEstablishesConsensusThenFlagsDeviation(t *testing.T) {
	o := newTestOrchestrator()
	ch := o.bus.Subscribe()
	now := time.Now()

	for _, src := range []string{"binance", "coinbase", "kraken"} {
		o.handleUpdate(domain.PriceUpdate{Symbol: "BTC/USD", Price: 50000, Timestamp: now.UnixMilli(), Source: src, Confidence: 1})
	}

	key := config.FeedKey(domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"})
	price, ok := o.aggregator.Current(key)
	require.True(t, ok)
	assert.Equal(t, 50000.0, price.Price)

	// The 1-source update published an insufficientSources alert (the
	// 2-source one fell inside that rule's cooldown); consume it first.
	select {
	case a := <-ch:
		assert.Equal(t, "insufficientSources", a.RuleID)
	case <-time.After(time.Second):
		t.Fatal("expected an insufficient sources alert")
	}

	o.handleUpdate(domain.PriceUpdate{Symbol: "BTC/USD", Price: 51000, Timestamp: time.Now().UnixMilli(), Source: "binance", Confidence: 1})

	select {
	case a := <-ch:
		assert.Equal(t, "consensusDeviation", a.RuleID)
	case <-time.After(time.Second):
		t.Fatal("expected a consensus deviation alert")
	}
}

func TestOrchestrator_HandleUpdateIgnoresUnknownSymbol(t *testing.T) {
	o := newTestOrchestrator()
	// No feed configured for this pair; handleUpdate must not panic or
	// otherwise treat it as belonging to any feed.
	o.handleUpdate(domain.PriceUpdate{Symbol: "DOGE/USD", Price: 1, Timestamp: time.Now().UnixMilli(), Source: "binance", Confidence: 1})

	_, ok := o.aggregator.Current(config.FeedKey(domain.FeedId{Category: domain.Crypto, Name: "DOGE/USD"}))
	assert.False(t, ok)
}

func TestOrchestrator_FailoverKeyFallsBackToRawKeyForUnknownFeed(t *testing.T) {
	o := newTestOrchestrator()
	assert.Equal(t, "unknown", o.failoverKey("unknown"))
}

func TestOrchestrator_FailoverKeyTranslatesNormalizedKeyToFeedIdString(t *testing.T) {
	o := newTestOrchestrator()
	feedId := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}
	key := config.FeedKey(feedId)
	assert.Equal(t, feedId.String(), o.failoverKey(key))
}

func TestOrchestrator_GetSystemHealthReportsAggregationStats(t *testing.T) {
	o := newTestOrchestrator()
	now := time.Now()
	for _, src := range []string{"binance", "coinbase", "kraken"} {
		o.handleUpdate(domain.PriceUpdate{Symbol: "BTC/USD", Price: 50000, Timestamp: now.UnixMilli(), Source: src, Confidence: 1})
	}

	h := o.GetSystemHealth()
	assert.Equal(t, int64(2), h.Aggregation.ErrorCount) // the 1- and 2-source updates fall short of crypto's 3-source minimum
	assert.GreaterOrEqual(t, h.Aggregation.SuccessRate, 0.0)
	assert.LessOrEqual(t, h.Aggregation.SuccessRate, 1.0)
}
