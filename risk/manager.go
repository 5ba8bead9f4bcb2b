// Package risk implements the engine's pre-trade checks, portfolio
// bookkeeping, and VaR/stress reporting (spec §4.C). Drawdown tracking
// is grounded on the teacher's backtest/metrics.go (running
// peak/drawdown), adapted from post-hoc backtest analytics into live,
// continuously updated bookkeeping. No Sharpe ratio is computed.
package risk

import (
	"math"
	"sync"
	"time"

	"tradecore/config"
	"tradecore/logger"
)

// Side mirrors exchange.Side without importing the exchange package,
// keeping risk free of the adapter layer.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// CheckResult is the pre-trade check's full result record (spec §4.C).
type CheckResult struct {
	Approved          bool
	RiskScore         float64
	Violations        []string
	Warnings          []string
	MaxPositionSize   float64
	SuggestedQuantity float64
	StopLossPrice     float64
	TakeProfitPrice   float64
}

type positionMargin struct {
	Symbol string
	Margin float64
}

// Manager owns per-instance risk state: daily counters, portfolio
// peak/drawdown, and the position-margin ledger used for pre-trade
// aggregation.
type Manager struct {
	cfg config.RiskConfig

	mu             sync.Mutex
	positionMargin map[string]float64 // symbol -> margin currently committed
	dailyDate      string
	dailyPnL       float64
	dailyTrades    int
	dailyVolume    float64
	cumulativePnL  float64
	peakEquity     float64
	drawdown       float64
	dailyReturns   []float64 // closed daily PnL / equity-at-close, newest last

	journalMu sync.Mutex
	journal   []Event
}

const dailyReturnsCapacity = 500

// RiskReport is the VaR/ES and stress-test snapshot produced for the
// portfolio snapshot loop (spec §4.C "VaR/stress reporting").
type RiskReport struct {
	Historical VaRResult
	Parametric VaRResult
	MonteCarlo VaRResult
	Stress     []StressImpact
}

// RecordDailyReturn appends one day's closed fractional return to the
// rolling window used by the VaR estimators, called once per UTC day
// rollover.
func (m *Manager) RecordDailyReturn(fractionalReturn float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyReturns = append(m.dailyReturns, fractionalReturn)
	if len(m.dailyReturns) > dailyReturnsCapacity {
		m.dailyReturns = m.dailyReturns[len(m.dailyReturns)-dailyReturnsCapacity:]
	}
}

// Report runs all three VaR estimators plus a fixed stress scenario
// set against the current return history and position notionals.
func (m *Manager) Report(positionNotional map[string]float64, portfolioValue float64) RiskReport {
	m.mu.Lock()
	returns := append([]float64(nil), m.dailyReturns...)
	m.mu.Unlock()

	return RiskReport{
		Historical: HistoricalVaR(returns),
		Parametric: ParametricVaR(returns),
		MonteCarlo: MonteCarloVaR(returns, 10000),
		Stress:     RunStress(defaultStressScenarios(), positionNotional, portfolioValue),
	}
}

// defaultStressScenarios are the fixed shock set applied on every
// report (spec §4.C stress testing).
func defaultStressScenarios() []StressScenario {
	return []StressScenario{
		{Name: "flash_crash_10pct", PriceChanges: map[string]float64{"BTCUSDT": -0.10, "ETHUSDT": -0.12}},
		{Name: "flash_crash_20pct", PriceChanges: map[string]float64{"BTCUSDT": -0.20, "ETHUSDT": -0.25}},
		{Name: "vol_spike_up_15pct", PriceChanges: map[string]float64{"BTCUSDT": 0.15, "ETHUSDT": 0.18}},
	}
}

// Event is one ring-buffered risk journal entry (spec §3.1 RiskEvent).
type Event struct {
	Timestamp time.Time
	Kind      string // "risk_warning" | "order_rejected"
	Symbol    string
	Detail    string
}

const journalCapacity = 1000

// NewManager constructs a risk manager for one instance.
func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{
		cfg:            cfg,
		positionMargin: make(map[string]float64),
		dailyDate:      time.Now().UTC().Format("2006-01-02"),
	}
}

func (m *Manager) resetDailyIfRolled() {
	today := time.Now().UTC().Format("2006-01-02")
	if today != m.dailyDate {
		m.dailyDate = today
		m.dailyPnL = 0
		m.dailyTrades = 0
		m.dailyVolume = 0
	}
}

// CheckOrderRisk runs the fixed-order pre-trade check (spec §4.C).
func (m *Manager) CheckOrderRisk(symbol string, side Side, quantity, price float64, accountCapital *float64) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetDailyIfRolled()

	leverage := m.cfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	marginNeeded := quantity * price / leverage

	existingTotal := 0.0
	for _, v := range m.positionMargin {
		existingTotal += v
	}
	totalMarginAfter := existingTotal - m.positionMargin[symbol]
	if side == Buy {
		totalMarginAfter += marginNeeded
	}

	result := CheckResult{}

	if accountCapital == nil {
		result.Warnings = append(result.Warnings, "account capital unavailable")
		result.Approved = false
		m.logEvent("order_rejected", symbol, "account capital unavailable")
		return result
	}
	capital := *accountCapital

	maxPositionSize := m.cfg.MaxPositionSize
	if maxPositionSize <= 0 {
		maxPositionSize = 0.05
	}
	maxMargin := capital * maxPositionSize
	result.MaxPositionSize = maxMargin

	if totalMarginAfter > maxMargin {
		result.Violations = append(result.Violations, "position size exceeds max_position_size")
	}

	if m.dailyPnL < 0 && math.Abs(m.dailyPnL) > m.cfg.MaxDailyLoss && m.cfg.MaxDailyLoss > 0 {
		result.Violations = append(result.Violations, "daily loss limit exceeded")
	}

	if m.cfg.MaxDrawdown > 0 && m.drawdown > 0.8*m.cfg.MaxDrawdown {
		result.Warnings = append(result.Warnings, "drawdown approaching limit")
	}

	stopPct := m.cfg.StopLossPercent
	takePct := m.cfg.TakeProfitPercent
	if side == Buy {
		result.StopLossPrice = price * (1 - stopPct)
		result.TakeProfitPrice = price * (1 + takePct)
	} else {
		result.StopLossPrice = price * (1 + stopPct)
		result.TakeProfitPrice = price * (1 - takePct)
	}

	result.SuggestedQuantity = quantity
	result.RiskScore = totalMarginAfter / math.Max(maxMargin, 1e-9)
	result.Approved = len(result.Violations) == 0

	if result.Approved && len(result.Warnings) > 0 {
		for _, w := range result.Warnings {
			m.logEvent("risk_warning", symbol, w)
		}
	}
	if !result.Approved {
		for _, v := range result.Violations {
			m.logEvent("order_rejected", symbol, v)
		}
	}

	return result
}

// UpdatePosition maintains the committed-margin ledger used by
// CheckOrderRisk. It does not track an average entry price.
func (m *Manager) UpdatePosition(symbol string, side Side, quantity, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leverage := m.cfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	margin := quantity * price / leverage
	if side == Sell {
		margin = -margin
	}
	m.positionMargin[symbol] += margin
	if m.positionMargin[symbol] <= 0 {
		delete(m.positionMargin, symbol)
	}
}

// ClosePosition records realised PnL and daily trade/volume counters,
// then releases the symbol's committed margin.
func (m *Manager) ClosePosition(symbol string, exitPrice, pnl, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetDailyIfRolled()
	m.cumulativePnL += pnl
	m.dailyPnL += pnl
	m.dailyTrades++
	m.dailyVolume += notional
	delete(m.positionMargin, symbol)
	m.updateDrawdown()
}

// UpdateEquity feeds the latest portfolio value into the
// peak/drawdown tracker (called from the snapshot loop).
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	m.updateDrawdown()
	_ = equity
}

func (m *Manager) updateDrawdown() {
	if m.peakEquity <= 0 {
		m.drawdown = 0
		return
	}
	dd := (m.peakEquity - (m.peakEquity + m.cumulativePnL)) / m.peakEquity
	if dd < 0 {
		dd = 0
	}
	m.drawdown = dd
}

// DailyPnL returns the running daily PnL (for snapshot reporting).
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyIfRolled()
	return m.dailyPnL
}

// Drawdown returns the current drawdown fraction.
func (m *Manager) Drawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdown
}

func (m *Manager) logEvent(kind, symbol, detail string) {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	m.journal = append(m.journal, Event{Timestamp: time.Now(), Kind: kind, Symbol: symbol, Detail: detail})
	if len(m.journal) > journalCapacity {
		m.journal = m.journal[len(m.journal)-journalCapacity:]
	}
	logger.Risk(kind, symbol, kind == "risk_warning", 0, detail)
}

// Journal returns a copy of the current risk event ring buffer.
func (m *Manager) Journal() []Event {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	out := make([]Event, len(m.journal))
	copy(out, m.journal)
	return out
}
