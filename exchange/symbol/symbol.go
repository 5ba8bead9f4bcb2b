// Package symbol canonicalizes perpetual-futures symbols across venue
// spellings (spec §4.A, §8 invariant 6) and rounds order quantities and
// prices to a market's tick/lot precision.
package symbol

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical returns the BASEQUOTE form (e.g. "BTCUSDT") for any of the
// accepted venue spellings:
//
//	BTCUSDT          (binance style, already canonical)
//	BTC-USDT-SWAP    (okx style)
//	BTC_USDT_PERP    (apex style)
//	BTC/USDT         (display style)
//
// Canonicalize is idempotent: Canonical(Canonical(s)) == Canonical(s).
func Canonical(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.TrimSuffix(s, "_PERP")
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

// ToOKX renders the canonical symbol in OKX's BASE-QUOTE-SWAP form.
// Canonical must already have a known quote suffix for this to split
// correctly; quote is passed explicitly since the canonical form has
// no separator.
func ToOKX(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote) + "-SWAP"
}

// ToApex renders the canonical symbol in APEX's BASE_QUOTE_PERP form.
func ToApex(base, quote string) string {
	return strings.ToUpper(base) + "_" + strings.ToUpper(quote) + "_PERP"
}

// ToBinance renders the canonical symbol in Binance's BASEQUOTE form.
func ToBinance(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

// Split attempts to split a canonical symbol into base/quote given a
// known set of quote assets, longest match first whatever the order of
// knownQuotes.
func Split(canonical string, knownQuotes []string) (base, quote string, ok bool) {
	for _, q := range knownQuotes {
		q = strings.ToUpper(q)
		if strings.HasSuffix(canonical, q) && len(canonical) > len(q) && len(q) > len(quote) {
			base, quote, ok = canonical[:len(canonical)-len(q)], q, true
		}
	}
	return base, quote, ok
}

// RoundPrice rounds price to the nearest multiple of tick using decimal
// arithmetic to avoid binary float drift at the boundary (spec §4.A,
// "precision rounding").
func RoundPrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	v := decimal.NewFromFloat(price)
	st := decimal.NewFromFloat(tick)
	quotient := v.DivRound(st, 0)
	result := quotient.Mul(st)
	f, _ := result.Float64()
	return f
}

// RoundQuantity floors quantity down to the nearest multiple of
// lotSize. Flooring (never rounding up) prevents a venue rejecting an
// order for exceeding requested notional.
func RoundQuantity(quantity, lotSize float64) float64 {
	return roundToStep(quantity, lotSize)
}

func roundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	st := decimal.NewFromFloat(step)
	// Truncate toward zero on the quotient before re-scaling so we
	// never round up past the requested tick/lot.
	quotient := v.Div(st).Truncate(0)
	result := quotient.Mul(st)
	f, _ := result.Float64()
	return f
}
