package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/config"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		Leverage:          10,
		MaxPositionSize:   0.05,
		MaxDailyLoss:      1000,
		MaxDrawdown:       0.20,
		StopLossPercent:   1.0,
		TakeProfitPercent: 1.0,
	}
}

func TestCheckOrderRiskApprovesWithinLimits(t *testing.T) {
	m := NewManager(testConfig())
	capital := 10000.0

	result := m.CheckOrderRisk("BTCUSDT", Buy, 0.01, 50000, &capital)
	require.True(t, result.Approved)
	assert.Empty(t, result.Violations)
}

func TestCheckOrderRiskRejectsOversizedPosition(t *testing.T) {
	m := NewManager(testConfig())
	capital := 10000.0

	// margin = qty*price/leverage = 1*50000/10 = 5000, far above 5% of 10000 = 500
	result := m.CheckOrderRisk("BTCUSDT", Buy, 1, 50000, &capital)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Violations, "position size exceeds max_position_size")
}

func TestCheckOrderRiskRejectsWithoutCapital(t *testing.T) {
	m := NewManager(testConfig())
	result := m.CheckOrderRisk("BTCUSDT", Buy, 0.01, 50000, nil)
	assert.False(t, result.Approved)
}

func TestCheckOrderRiskStopLossTakeProfitSides(t *testing.T) {
	m := NewManager(testConfig())
	capital := 10000.0

	buy := m.CheckOrderRisk("BTCUSDT", Buy, 0.01, 100, &capital)
	assert.Less(t, buy.StopLossPrice, 100.0)
	assert.Greater(t, buy.TakeProfitPrice, 100.0)

	sell := m.CheckOrderRisk("BTCUSDT", Sell, 0.01, 100, &capital)
	assert.Greater(t, sell.StopLossPrice, 100.0)
	assert.Less(t, sell.TakeProfitPrice, 100.0)
}

// TestCheckOrderRiskStopLossTakeProfitValues reproduces spec §8 concrete
// scenario 1: price=95, stop_loss_percent=0.02, take_profit_percent=0.03,
// leverage=5. The offset applies directly to price with no leverage term.
func TestCheckOrderRiskStopLossTakeProfitValues(t *testing.T) {
	cfg := testConfig()
	cfg.Leverage = 5
	cfg.StopLossPercent = 0.02
	cfg.TakeProfitPercent = 0.03
	m := NewManager(cfg)
	capital := 10000.0

	buy := m.CheckOrderRisk("BTCUSDT", Buy, 0.01, 95, &capital)
	assert.InDelta(t, 95*0.98, buy.StopLossPrice, 1e-9)
	assert.InDelta(t, 95*1.03, buy.TakeProfitPrice, 1e-9)
}

func TestUpdateAndClosePositionTracksPnL(t *testing.T) {
	m := NewManager(testConfig())
	m.UpdatePosition("BTCUSDT", Buy, 0.1, 50000)
	m.ClosePosition("BTCUSDT", 51000, 100, 5000)

	assert.InDelta(t, 100.0, m.DailyPnL(), 1e-9)
}

func TestJournalRecordsRejections(t *testing.T) {
	m := NewManager(testConfig())
	capital := 10000.0
	m.CheckOrderRisk("BTCUSDT", Buy, 1, 50000, &capital)

	events := m.Journal()
	require.NotEmpty(t, events)
	assert.Equal(t, "order_rejected", events[len(events)-1].Kind)
}

func TestReportRunsWithoutSamples(t *testing.T) {
	m := NewManager(testConfig())
	report := m.Report(map[string]float64{"BTCUSDT": 1000}, 10000)
	// fewer than minVaRSamples returns recorded -> conservative placeholder
	assert.Equal(t, 1.0, report.Historical.VaR95)
	assert.NotEmpty(t, report.Stress)
}
