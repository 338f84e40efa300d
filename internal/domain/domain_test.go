package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryMinSources(t *testing.T) {
	assert.Equal(t, 3, Crypto.MinSources())
	assert.Equal(t, 2, Forex.MinSources())
	assert.Equal(t, 2, Commodity.MinSources())
	assert.Equal(t, 2, Stock.MinSources())
}

func TestFeedIdString(t *testing.T) {
	f := FeedId{Category: Crypto, Name: "BTC/USD"}
	assert.Equal(t, "crypto:BTC/USD", f.String())
}

func TestErrorCodeCountsTowardBreaker(t *testing.T) {
	assert.True(t, ErrConnection.CountsTowardBreaker())
	assert.True(t, ErrTimeout.CountsTowardBreaker())
	assert.True(t, ErrParse.CountsTowardBreaker())
	assert.True(t, ErrExchange.CountsTowardBreaker())
	assert.False(t, ErrRateLimit.CountsTowardBreaker())
	assert.False(t, ErrAuth.CountsTowardBreaker())
}

func TestClassifiedErrorWrapsAndTags(t *testing.T) {
	inner := errors.New("boom")
	err := NewError(ErrParse, "adapter", "Parse", inner).WithSource("binance").WithFeed("crypto:BTC/USD")

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "ParseError")
	assert.Contains(t, err.Error(), "source=binance")
	assert.Contains(t, err.Error(), "feed=crypto:BTC/USD")
}

func TestSeverityConfidenceMultiplier(t *testing.T) {
	assert.Equal(t, 0.1, SevCritical.ConfidenceMultiplier())
	assert.Equal(t, 0.3, SevHigh.ConfidenceMultiplier())
	assert.Equal(t, 0.6, SevMedium.ConfidenceMultiplier())
	assert.Equal(t, 0.95, SevLow.ConfidenceMultiplier())
}

func TestAggregatedPriceSourceListSortedAndDeterministic(t *testing.T) {
	p := AggregatedPrice{
		Sources: map[string]struct{}{"kraken": {}, "binance": {}, "okx": {}},
	}
	assert.Equal(t, []string{"binance", "kraken", "okx"}, p.SourceList())
}
