// Package strategy holds concrete engine.Strategy implementations.
// MeanReversion is the sample strategy of spec §8 concrete scenario 1,
// exercised by this package's tests: a z-score mean reversion signal
// over a rolling close-price window.
package strategy

import (
	"fmt"
	"math"

	"tradecore/engine"
)

const (
	defaultWindow          = 20
	defaultZThreshold      = 1.0
	defaultCapitalFraction = 0.03
	defaultStopLossPct     = 0.02
	defaultTakeProfitPct   = 0.03
)

// MeanReversion computes a rolling mean/stddev of closes per symbol
// and signals against the z-score: buy when price dips threshold
// standard deviations below the mean, sell when it rises the same
// distance above, hold otherwise.
type MeanReversion struct {
	Window          int
	ZThreshold      float64
	AccountCapital  float64 // USDC, used to size the signal quantity
	CapitalFraction float64 // fraction of capital risked per signal
	LotSize         float64 // caps the signal quantity (no rounding); 0 disables the cap
	StopLossPct     float64
	TakeProfitPct   float64
}

// NewMeanReversion constructs a strategy with the scenario's defaults.
func NewMeanReversion(accountCapital, lotSize float64) *MeanReversion {
	return &MeanReversion{
		Window: defaultWindow, ZThreshold: defaultZThreshold,
		AccountCapital: accountCapital, CapitalFraction: defaultCapitalFraction,
		LotSize: lotSize, StopLossPct: defaultStopLossPct, TakeProfitPct: defaultTakeProfitPct,
	}
}

// CalculateSignal implements engine.Strategy.
func (m *MeanReversion) CalculateSignal(marketData map[string]*engine.SymbolSeries) []engine.Signal {
	window := m.Window
	if window <= 0 {
		window = defaultWindow
	}
	threshold := m.ZThreshold
	if threshold <= 0 {
		threshold = defaultZThreshold
	}

	var signals []engine.Signal
	for symbol, series := range marketData {
		n := series.Len()
		if n < window {
			continue
		}
		closes := series.Close[n-window:]
		mean, std := meanStd(closes)
		if std == 0 {
			continue
		}
		last := closes[len(closes)-1]
		z := (last - mean) / std

		action := "hold"
		switch {
		case z <= -threshold:
			action = "buy"
		case z >= threshold:
			action = "sell"
		}
		if action == "hold" {
			continue
		}

		signals = append(signals, m.buildSignal(symbol, action, last, z))
	}
	return signals
}

func (m *MeanReversion) buildSignal(symbol, action string, price, z float64) engine.Signal {
	fraction := m.CapitalFraction
	if fraction <= 0 {
		fraction = defaultCapitalFraction
	}
	quantity := fraction * m.AccountCapital / price
	if m.LotSize > 0 && quantity > m.LotSize {
		quantity = m.LotSize
	}

	stopPct := m.StopLossPct
	if stopPct <= 0 {
		stopPct = defaultStopLossPct
	}
	takePct := m.TakeProfitPct
	if takePct <= 0 {
		takePct = defaultTakeProfitPct
	}

	var stopLoss, takeProfit float64
	if action == "buy" {
		stopLoss = price * (1 - stopPct)
		takeProfit = price * (1 + takePct)
	} else {
		stopLoss = price * (1 + stopPct)
		takeProfit = price * (1 - takePct)
	}

	priceCopy := price
	return engine.Signal{
		Symbol: symbol, Action: action, Quantity: quantity, Price: &priceCopy,
		StopLoss: &stopLoss, TakeProfit: &takeProfit, Confidence: math.Min(math.Abs(z)/(2*m.ZThreshold), 1.0),
		Rationale: fmt.Sprintf("z-score %.2f against %d-bar window", z, m.Window),
	}
}

// ShouldExitPosition implements engine.Strategy; this strategy has no
// backtest-time early-exit rule beyond the engine's own stop/take.
func (m *MeanReversion) ShouldExitPosition(position *engine.Position, currentClose float64) bool {
	return false
}

func meanStd(values []float64) (mean, std float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

var _ engine.Strategy = (*MeanReversion)(nil)
