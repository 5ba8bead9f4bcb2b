// Package grid implements the Grid Strategy Engine (spec §4.F): a
// fixed-price ladder of BUY/SELL rungs, each advancing through its own
// state machine as fills occur and paired closing orders are placed.
// Ladder construction and boundary-protection shapes are grounded on
// the teacher's trader/auto_trader_grid.go (initializeGridLevels,
// checkBreakout/checkMaxDrawdown/checkDailyLossLimit, emergencyExit),
// adapted from the teacher's AI-decided weighted/direction-biased
// levels into the spec's fixed linear-spacing, formula-sized ladder.
package grid

import (
	"time"

	"tradecore/exchange"
	"tradecore/exchange/symbol"
)

// Mode selects which rungs are BUYs vs SELLs (spec §4.F ladder
// construction).
type Mode string

const (
	LongOnly  Mode = "long_only"
	ShortOnly Mode = "short_only"
	LongShort Mode = "long_short"
)

// RungState is a single rung's position in its state machine (spec
// §4.F "State machine per rung").
type RungState string

const (
	RungIdle         RungState = "idle"
	RungPlacing      RungState = "placing"
	RungPending      RungState = "pending"
	RungHandlingFill RungState = "handling_fill"
	RungClosing      RungState = "closing"
)

// Rung is one ladder price level.
type Rung struct {
	Index         int
	Price         float64
	Side          exchange.Side
	Quantity      float64
	State         RungState
	OrderID       string
	CooldownUntil time.Time
}

// ClosingOrder is a registered paired-close order awaiting fulfillment
// (spec §4.F "Fill → paired close" step 5).
type ClosingOrder struct {
	VenueOrderID   string
	RungIndex      int
	OpenLevelPrice float64
	Side           exchange.Side
	Quantity       float64
	OpenPrice      float64
}

// Ladder is the full rung set for one grid instance.
type Ladder struct {
	Lower float64
	Upper float64
	N     int
	Mode  Mode
	Rungs []Rung
}

// BuildLadder generates N+1 rungs at price_i = lower + i*(upper-lower)/N,
// each sized investment_per_grid*leverage/price, rounded to venue
// precision once at start time (spec §4.F ladder construction).
func BuildLadder(lower, upper float64, n int, investmentPerGrid, leverage, currentPrice float64, mode Mode, priceTick, lotSize float64) Ladder {
	if n < 1 {
		n = 1
	}
	spacing := (upper - lower) / float64(n)

	rungs := make([]Rung, 0, n+1)
	for i := 0; i <= n; i++ {
		price := lower + float64(i)*spacing
		if priceTick > 0 {
			price = symbol.RoundPrice(price, priceTick)
		}
		quantity := investmentPerGrid * leverage / price
		if lotSize > 0 {
			quantity = symbol.RoundQuantity(quantity, lotSize)
		}

		side := rungSide(mode, price, currentPrice)
		rungs = append(rungs, Rung{
			Index: i, Price: price, Side: side, Quantity: quantity, State: RungIdle,
		})
	}

	return Ladder{Lower: lower, Upper: upper, N: n, Mode: mode, Rungs: rungs}
}

func rungSide(mode Mode, price, currentPrice float64) exchange.Side {
	switch mode {
	case LongOnly:
		return exchange.Buy
	case ShortOnly:
		return exchange.Sell
	default: // long_short
		if price < currentPrice {
			return exchange.Buy
		}
		return exchange.Sell
	}
}

// AdjacentRung returns the index of the rung one step above (for a
// BUY fill) or below (for a SELL fill), or false if the ladder has no
// such neighbor (spec §4.F "Fill → paired close" step 3).
func (l *Ladder) AdjacentRung(filledIndex int, filledSide exchange.Side) (int, bool) {
	if filledSide == exchange.Buy {
		next := filledIndex + 1
		if next >= len(l.Rungs) {
			return 0, false
		}
		return next, true
	}
	prev := filledIndex - 1
	if prev < 0 {
		return 0, false
	}
	return prev, true
}

// CooldownActive reports whether the rung is still within its ~2
// second re-arm cooldown (spec §4.F "idle with a cooldown timestamp
// set within the last 2 seconds is skipped"). CooldownUntil is set to
// now+window when a rung is re-armed.
func (r *Rung) CooldownActive(now time.Time) bool {
	return !r.CooldownUntil.IsZero() && now.Before(r.CooldownUntil)
}
