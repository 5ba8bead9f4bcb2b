package grid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/exchange"
)

func TestBuildLadderRungCountAndSpacing(t *testing.T) {
	l := BuildLadder(90, 110, 4, 100, 1, 100, LongShort, 0, 0)
	require.Len(t, l.Rungs, 5) // N+1 rungs

	for i, r := range l.Rungs {
		want := 90 + float64(i)*5 // spacing = (110-90)/4 = 5
		assert.InDelta(t, want, r.Price, 1e-9)
	}
}

func TestBuildLadderQuantityFormula(t *testing.T) {
	l := BuildLadder(100, 100, 0, 50, 10, 100, LongOnly, 0, 0)
	// quantity = investment_per_grid*leverage/price = 50*10/100 = 5
	assert.InDelta(t, 5.0, l.Rungs[0].Quantity, 1e-9)
}

func TestBuildLadderModeSideAssignment(t *testing.T) {
	longOnly := BuildLadder(90, 110, 2, 10, 1, 100, LongOnly, 0, 0)
	for _, r := range longOnly.Rungs {
		assert.Equal(t, exchange.Buy, r.Side)
	}

	shortOnly := BuildLadder(90, 110, 2, 10, 1, 100, ShortOnly, 0, 0)
	for _, r := range shortOnly.Rungs {
		assert.Equal(t, exchange.Sell, r.Side)
	}

	longShort := BuildLadder(90, 110, 2, 10, 1, 100, LongShort, 0, 0)
	// rungs below current price buy, at/above sell
	assert.Equal(t, exchange.Buy, longShort.Rungs[0].Side)  // price 90 < 100
	assert.Equal(t, exchange.Sell, longShort.Rungs[2].Side) // price 110 >= 100
}

func TestAdjacentRung(t *testing.T) {
	l := BuildLadder(90, 110, 4, 10, 1, 100, LongShort, 0, 0)

	idx, ok := l.AdjacentRung(1, exchange.Buy)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = l.AdjacentRung(1, exchange.Sell)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	_, ok = l.AdjacentRung(4, exchange.Buy) // top edge, no rung above
	assert.False(t, ok)

	_, ok = l.AdjacentRung(0, exchange.Sell) // bottom edge, no rung below
	assert.False(t, ok)
}

func TestRungCooldownActive(t *testing.T) {
	now := time.Now()
	r := Rung{}
	assert.False(t, r.CooldownActive(now))

	r.CooldownUntil = now.Add(time.Second)
	assert.True(t, r.CooldownActive(now))
	assert.False(t, r.CooldownActive(now.Add(2*time.Second)))
}
