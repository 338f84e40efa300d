package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

func testAgg(minSources int) *Aggregator {
	cfg := config.Default().Aggregator
	cfg.MinEmitInterval = 0 // tests control elapsed time explicitly
	reliability := func(source string) float64 { return 1.0 }
	minFor := func(domain.FeedId) int { return minSources }
	return New(&cfg, reliability, minFor)
}

func TestAggregator_InsufficientSourcesDoesNotEmit(t *testing.T) {
	a := testAgg(3)
	now := time.Now()
	update := domain.PriceUpdate{Symbol: "BTC/USD", Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	res := a.Accept("crypto:BTC/USD", feed, update, domain.TierNative, 0.9, now, true)
	assert.True(t, res.Insufficient)
}

func TestAggregator_EmitsOnceMinSourcesReached(t *testing.T) {
	a := testAgg(2)
	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	res := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 101, Timestamp: now.UnixMilli(), Source: "kraken", Confidence: 0.9}, domain.TierNative, 0.9, now, true)

	require.False(t, res.Insufficient)
	assert.True(t, res.Emitted)
	assert.InDelta(t, 100.5, res.Price.Price, 1.0) // weighted median between 100 and 101
	assert.Len(t, res.Price.Sources, 2)
}

func TestAggregator_IneligibleSourceDroppedOnCircuitOpen(t *testing.T) {
	a := testAgg(2)
	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 101, Timestamp: now.UnixMilli(), Source: "kraken", Confidence: 0.9}, domain.TierNative, 0.9, now, true)

	// binance's circuit opens: its contribution should be dropped,
	// taking the feed back below minSources.
	res := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 999, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, false)
	assert.True(t, res.Insufficient)
}

func TestAggregator_StaleUpdateIsIneligible(t *testing.T) {
	a := testAgg(1)
	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}
	staleTS := now.Add(-time.Hour).UnixMilli()

	res := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: staleTS, Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	assert.True(t, res.Insufficient)
}

func TestAggregator_SilentSourceAgesOutOfEligibility(t *testing.T) {
	a := testAgg(2)
	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 101, Timestamp: now.UnixMilli(), Source: "kraken", Confidence: 0.9}, domain.TierNative, 0.9, now, true)

	// binance goes silent: no further update ever names it, but kraken
	// keeps emitting fresh prices past binance's staleness horizon.
	// binance's stale slot must age out on its own, dropping the feed
	// back below minSources even though the incoming update is from
	// (and only from) the still-healthy source.
	later := now.Add(2 * a.cfg.MaxStaleness)
	res := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 102, Timestamp: later.UnixMilli(), Source: "kraken", Confidence: 0.9}, domain.TierNative, 0.9, later, true)

	assert.True(t, res.Insufficient)
	if !res.Insufficient {
		_, stillThere := res.Price.Sources["binance"]
		assert.False(t, stillThere, "stale binance slot must not still be voting")
	}
}

func TestAggregator_NativeTierOutweighsBridgedTier(t *testing.T) {
	a := testAgg(2)
	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	res := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 200, Timestamp: now.UnixMilli(), Source: "bridged-ex", Confidence: 0.9}, domain.TierBridged, 0.9, now, true)

	// Native tier (1.4x) should pull the weighted median closer to 100
	// than a simple unweighted average (150) would.
	assert.Less(t, res.Price.Price, 150.0)
}

func TestAggregator_EmissionThrottledWithinMinInterval(t *testing.T) {
	cfg := config.Default().Aggregator
	cfg.MinEmitInterval = time.Minute
	reliability := func(string) float64 { return 1.0 }
	minFor := func(domain.FeedId) int { return 1 }
	a := New(&cfg, reliability, minFor)

	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	first := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	require.True(t, first.Emitted)

	// A one-ULP price change a second later should not re-emit: the
	// change does not exceed 1 ULP and the 1-minute interval has not
	// elapsed.
	second := a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: math.Nextafter(100, math.Inf(1)), Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now.Add(time.Second), true)
	assert.False(t, second.Emitted)
}

func TestAggregator_LastConsensusTracksLastEmission(t *testing.T) {
	a := testAgg(1)
	now := time.Now()
	feed := domain.FeedId{Category: domain.Crypto, Name: "BTC/USD"}

	assert.Equal(t, 0.0, a.LastConsensus("crypto:BTC/USD"))
	a.Accept("crypto:BTC/USD", feed, domain.PriceUpdate{Price: 100, Timestamp: now.UnixMilli(), Source: "binance", Confidence: 0.9}, domain.TierNative, 0.9, now, true)
	assert.InDelta(t, 100, a.LastConsensus("crypto:BTC/USD"), 1e-9)
}
