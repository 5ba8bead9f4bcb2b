package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTCUSDT",
		"BTC-USDT-SWAP": "BTCUSDT",
		"BTC_USDT_PERP": "BTCUSDT",
		"BTC/USDT":      "BTCUSDT",
		" btcusdt ":     "BTCUSDT",
	}
	for in, want := range cases {
		assert.Equal(t, want, Canonical(in), "input %q", in)
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	inputs := []string{"BTC-USDT-SWAP", "ETH_USDC_PERP", "SOLUSDT"}
	for _, in := range inputs {
		once := Canonical(in)
		twice := Canonical(once)
		assert.Equal(t, once, twice)
	}
}

func TestVenueRenderers(t *testing.T) {
	assert.Equal(t, "BTC-USDT-SWAP", ToOKX("btc", "usdt"))
	assert.Equal(t, "BTC_USDT_PERP", ToApex("btc", "usdt"))
	assert.Equal(t, "BTCUSDT", ToBinance("btc", "usdt"))
}

func TestSplit(t *testing.T) {
	base, quote, ok := Split("BTCUSDT", []string{"USDT", "USDC", "USD"})
	assert.True(t, ok)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	_, _, ok = Split("BTC", []string{"USDT"})
	assert.False(t, ok)
}

func TestSplitLongestMatchFirst(t *testing.T) {
	// "USDT" must not be shadowed by a quote list ordered so that a
	// shorter suffix would otherwise match first.
	base, quote, ok := Split("BTCUSDT", []string{"USD", "USDT"})
	assert.True(t, ok)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)
}

func TestRoundPriceRoundsToNearest(t *testing.T) {
	assert.InDelta(t, 100.07, RoundPrice(100.074, 0.01), 1e-9)
	assert.InDelta(t, 100.02, RoundPrice(100.019, 0.01), 1e-9)
}

func TestRoundQuantityFloors(t *testing.T) {
	assert.InDelta(t, 1.234, RoundQuantity(1.2349, 0.001), 1e-9)
}

func TestRoundToStepZeroStepIsNoop(t *testing.T) {
	assert.InDelta(t, 123.456, RoundPrice(123.456, 0), 1e-9)
	assert.InDelta(t, 1.5, RoundQuantity(1.5, 0), 1e-9)
}
