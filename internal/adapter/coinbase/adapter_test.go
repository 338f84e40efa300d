package coinbase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolRoundTrip(t *testing.T) {
	a := NewAdapter(nil)
	for _, sym := range []string{"BTC/USD", "ETH/USD", "BTC/USDT"} {
		got := a.NormalizeSymbol(a.ToExchangeSymbol(sym))
		assert.Equal(t, sym, got, "round-trip failed for %s", sym)
	}
}

func TestToExchangeSymbol(t *testing.T) {
	a := NewAdapter(nil)
	assert.Equal(t, "BTC-USD", a.ToExchangeSymbol("BTC/USD"))
}
