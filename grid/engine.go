package grid

import (
	"context"
	"strings"
	"sync"
	"time"

	"tradecore/config"
	"tradecore/exchange"
	"tradecore/logger"
	"tradecore/store"
)

const (
	monitorTick      = 3 * time.Second
	cooldownWindow   = 2 * time.Second
	retryCount       = 3
	retryBaseDelay   = 120 * time.Millisecond
	freezeWindow     = 60 * time.Second
	halfSpacingScale = 0.5
)

// Instance is one grid strategy instance: a ladder, its closing-order
// registry, and the accumulated performance/boundary state (spec
// §4.F). Grounded on the teacher's GridState (trader/auto_trader_grid.go)
// — mutex-guarded level/order-book bookkeeping — generalized from
// AI-decided actions to the spec's deterministic fill→paired-close
// state machine.
type Instance struct {
	InstanceID string
	Symbol     string
	adapter    exchange.Adapter
	sink       store.Sink
	cfg        config.GridDefaults

	investment float64
	leverage   float64

	mu          sync.Mutex
	ladder      Ladder
	closing     map[string]ClosingOrder // venue order id -> closing order
	totalProfit float64
	dailyPnL    float64
	totalFees   float64
	totalTrades int
	peakEquity  float64
	maxDrawdown float64
	dailyDate   string
	frozenUntil time.Time
	paused      bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInstance constructs a grid instance with its ladder already built
// (spec §4.F, "rounded to venue precision at start time, once").
func NewInstance(instanceID, symbol string, adapter exchange.Adapter, sink store.Sink, cfg config.GridDefaults,
	lower, upper float64, n int, investmentPerGrid, leverage, currentPrice float64, mode Mode, priceTick, lotSize float64) *Instance {

	return &Instance{
		InstanceID: instanceID, Symbol: symbol, adapter: adapter, sink: sink, cfg: cfg,
		investment: investmentPerGrid, leverage: leverage,
		ladder:    BuildLadder(lower, upper, n, investmentPerGrid, leverage, currentPrice, mode, priceTick, lotSize),
		closing:   make(map[string]ClosingOrder),
		dailyDate: time.Now().UTC().Format("2006-01-02"),
	}
}

// Start spawns the single monitor task that drives placement, fill
// handling, closing-order fulfillment, and boundary protection (spec
// §4.F, §5 — one supervised task group per grid instance).
func (inst *Instance) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel

	inst.wg.Add(1)
	go func() {
		defer inst.wg.Done()
		ticker := time.NewTicker(monitorTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				inst.safeCycle(runCtx)
			}
		}
	}()
}

func (inst *Instance) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("grid[%s]: monitor panic: %v", inst.InstanceID, r)
		}
	}()
	inst.runCycle(ctx)
}

// Stop cancels the monitor task (2s grace), cancels every closing and
// pending order (ignoring 404s), liquidates residual positions, and
// returns (spec §4.F "Stop procedure").
func (inst *Instance) Stop(ctx context.Context) {
	if inst.cancel != nil {
		inst.cancel()
	}
	done := make(chan struct{})
	go func() { inst.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Warnf("grid[%s]: stop grace period exceeded", inst.InstanceID)
	}

	inst.mu.Lock()
	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)
	for orderID := range inst.closing {
		if err := inst.adapter.CancelOrder(ctx, venueSymbol, orderID); err != nil && !isNotFoundErr(err) {
			logger.Warnf("grid[%s]: cancel closing order %s: %v", inst.InstanceID, orderID, err)
		}
	}
	inst.closing = make(map[string]ClosingOrder)
	for i := range inst.ladder.Rungs {
		r := &inst.ladder.Rungs[i]
		if r.State == RungPending && r.OrderID != "" {
			if err := inst.adapter.CancelOrder(ctx, venueSymbol, r.OrderID); err != nil && !isNotFoundErr(err) {
				logger.Warnf("grid[%s]: cancel rung %d order: %v", inst.InstanceID, r.Index, err)
			}
		}
		r.State = RungIdle
		r.OrderID = ""
	}
	inst.mu.Unlock()

	inst.liquidateResidual(ctx)
}

func (inst *Instance) liquidateResidual(ctx context.Context) {
	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)
	positions, err := inst.adapter.GetPositions(ctx, venueSymbol)
	if err != nil {
		logger.Warnf("grid[%s]: liquidate: get positions: %v", inst.InstanceID, err)
		return
	}
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		side := exchange.Sell
		if p.Side == exchange.Short {
			side = exchange.Buy
		}
		if _, err := inst.adapter.ExecuteOrder(ctx, exchange.OrderRequest{
			Symbol: venueSymbol, Side: side, Quantity: p.Quantity, Type: exchange.Market, ReduceOnly: true,
		}); err != nil {
			logger.Errorf("grid[%s]: liquidate residual position: %v", inst.InstanceID, err)
		}
	}
}

func isNotFoundErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// runCycle is one monitor pass: boundary checks, closing-order
// fulfillment, fill detection, then placement (spec §4.F).
func (inst *Instance) runCycle(ctx context.Context) {
	inst.resetDailyIfRolled()

	if inst.checkBoundaries(ctx) {
		return
	}

	inst.mu.Lock()
	paused := inst.paused
	frozen := time.Now().Before(inst.frozenUntil)
	inst.mu.Unlock()
	if paused {
		return
	}

	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)
	openOrders, err := inst.adapter.GetOpenOrders(ctx, venueSymbol)
	if err != nil {
		if isRateLimited(err) {
			inst.freeze()
		}
		logger.Warnf("grid[%s]: get open orders: %v", inst.InstanceID, err)
		return
	}
	openSet := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		openSet[o.VenueOrderID] = true
	}

	inst.processClosingOrders(ctx, openSet)
	inst.detectRungFills(ctx, openSet)

	if !frozen {
		inst.placeIdleRungs(ctx)
	}
}

func isRateLimited(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "rate limit") || strings.Contains(err.Error(), "429")
}

func (inst *Instance) freeze() {
	inst.mu.Lock()
	inst.frozenUntil = time.Now().Add(freezeWindow)
	inst.mu.Unlock()
}

// resetDailyIfRolled resets daily_realized_pnl at the midnight
// wall-clock boundary (spec §4.F "Boundary protection").
func (inst *Instance) resetDailyIfRolled() {
	today := time.Now().UTC().Format("2006-01-02")
	inst.mu.Lock()
	if today != inst.dailyDate {
		inst.dailyDate = today
		inst.dailyPnL = 0
	}
	inst.mu.Unlock()
}

// checkBoundaries enforces the daily-loss and total-loss ceilings,
// self-stopping the instance when either is breached (spec §4.F
// "Boundary protection"), grounded on the teacher's checkDailyLossLimit
// / checkMaxDrawdown / emergencyExit.
func (inst *Instance) checkBoundaries(ctx context.Context) bool {
	inst.mu.Lock()
	dailyPnL := inst.dailyPnL
	totalProfit := inst.totalProfit
	totalInvested := inst.investment * float64(len(inst.ladder.Rungs))
	inst.mu.Unlock()

	dailyLimit := inst.cfg.DailyLossLimitPct
	if dailyLimit <= 0 {
		dailyLimit = 0.30
	}
	stopPct := inst.cfg.StopLossPct
	if stopPct <= 0 {
		stopPct = 0.50
	}

	if totalInvested > 0 && dailyPnL < -dailyLimit*totalInvested {
		logger.Errorf("grid[%s]: daily loss limit breached (%.2f), stopping", inst.InstanceID, dailyPnL)
		inst.Stop(ctx)
		return true
	}
	if totalInvested > 0 && totalProfit < -stopPct*totalInvested {
		logger.Errorf("grid[%s]: total stop-loss breached (%.2f), stopping", inst.InstanceID, totalProfit)
		inst.Stop(ctx)
		return true
	}
	return false
}
