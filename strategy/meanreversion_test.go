package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/engine"
)

func buildSeries(symbol string, closes []float64) *engine.SymbolSeries {
	s := &engine.SymbolSeries{Symbol: symbol}
	for i, c := range closes {
		s.Append(engine.Kline{OpenTimeMs: int64(i), Open: c, High: c, Low: c, Close: c, Volume: 1})
	}
	return s
}

// scenarioCloses reproduces spec §8 concrete scenario 1: 30 bars with
// close = 100 + 5*sin(i).
func scenarioCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 5*math.Sin(float64(i))
	}
	return closes
}

func TestMeanReversionHoldsBelowThreshold(t *testing.T) {
	s := NewMeanReversion(10000, 1.0)
	s.Window = 20
	data := map[string]*engine.SymbolSeries{"BTCUSDT": buildSeries("BTCUSDT", scenarioCloses(30))}

	// Closes 10..29 give z ≈ -0.90, inside the ±1.0 threshold: no signal.
	signals := s.CalculateSignal(data)
	assert.Empty(t, signals)
}

func TestMeanReversionSignalSizingAndOffsets(t *testing.T) {
	// Force a clear buy: last close far below the window mean.
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	closes[len(closes)-1] = 95 // depressed final close -> negative z-score

	s := NewMeanReversion(10000, 1.0)
	data := map[string]*engine.SymbolSeries{"BTCUSDT": buildSeries("BTCUSDT", closes)}

	signals := s.CalculateSignal(data)
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, "buy", sig.Action)
	require.NotNil(t, sig.Price)
	assert.InDelta(t, 95.0, *sig.Price, 1e-9)

	// quantity = min(0.03*10000/95, lot_size=1.0) = min(3.157..., 1.0) = 1.0
	assert.InDelta(t, 1.0, sig.Quantity, 1e-9)

	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.InDelta(t, 95*0.98, *sig.StopLoss, 1e-6)
	assert.InDelta(t, 95*1.03, *sig.TakeProfit, 1e-6)
}

func TestMeanReversionInsufficientHistory(t *testing.T) {
	s := NewMeanReversion(10000, 1.0)
	data := map[string]*engine.SymbolSeries{"BTCUSDT": buildSeries("BTCUSDT", scenarioCloses(5))}
	assert.Empty(t, s.CalculateSignal(data))
}

func TestShouldExitPositionAlwaysFalse(t *testing.T) {
	s := NewMeanReversion(10000, 1.0)
	assert.False(t, s.ShouldExitPosition(&engine.Position{}, 100))
}
