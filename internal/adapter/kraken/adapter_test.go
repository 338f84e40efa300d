package kraken

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolRoundTrip(t *testing.T) {
	a := NewAdapter(nil)
	for _, sym := range []string{"BTC/USD", "ETH/USD", "DOGE/USD", "BTC/EUR"} {
		got := a.NormalizeSymbol(a.ToExchangeSymbol(sym))
		assert.Equal(t, sym, got, "round-trip failed for %s", sym)
	}
}

func TestToExchangeSymbolUsesAssetAliases(t *testing.T) {
	a := NewAdapter(nil)
	assert.Equal(t, "XBT/USD", a.ToExchangeSymbol("BTC/USD"))
	assert.Equal(t, "XDG/USD", a.ToExchangeSymbol("DOGE/USD"))
}

func TestNormalizeSymbolUsesReverseAliases(t *testing.T) {
	a := NewAdapter(nil)
	assert.Equal(t, "BTC/USD", a.NormalizeSymbol("XBT/USD"))
}
