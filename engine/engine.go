package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"tradecore/config"
	"tradecore/exchange"
	"tradecore/logger"
	"tradecore/market"
	"tradecore/risk"
	"tradecore/store"
)

const (
	statusPollInterval    = 2 * time.Second
	positionMonitorTick   = 30 * time.Second
	snapshotTick          = 60 * time.Second
	heartbeatTick         = 60 * time.Second
	klineInterval         = "15m"
	maxNotFoundStrikes    = 3
	dispatchMarginCapPct  = 0.10
	quantityPrecision     = 4
)

// Engine is one instance's Live Trading Engine (spec §4.E). It owns
// the order/position/balance state, supervises exactly five
// background goroutines, and mediates between the market-data fan-in,
// the risk manager, the adapter, and the persistence sink.
type Engine struct {
	instanceID string
	adapter    exchange.Adapter
	risk       *risk.Manager
	sink       store.Sink
	cfg        config.RiskConfig

	market   *market.Client
	strategy Strategy

	state *state

	seriesMu sync.Mutex
	series   map[string]*SymbolSeries

	onOrder    OrderUpdateFunc
	onPosition PositionUpdateFunc
	onTrade    TradeFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickerCache sync.Map // symbol -> exchange.Ticker

	lastRiskReportDate string // UTC yyyy-mm-dd of the last VaR/stress report
}

// New constructs an Engine for one instance.
func New(instanceID string, adapter exchange.Adapter, riskMgr *risk.Manager, sink store.Sink, cfg config.RiskConfig) *Engine {
	return &Engine{
		instanceID: instanceID,
		adapter:    adapter,
		risk:       riskMgr,
		sink:       sink,
		cfg:        cfg,
		state:      newState(10 * time.Second),
		series:     make(map[string]*SymbolSeries),
	}
}

// RegisterStrategy installs the strategy this engine drives (spec
// §4.E, "exposes register_strategy/start/stop").
func (e *Engine) RegisterStrategy(s Strategy) { e.strategy = s }

// OnOrderUpdate, OnPositionUpdate, OnTrade install the engine's
// notification callbacks (spec §4.D step 6 / fill handling step 4).
func (e *Engine) OnOrderUpdate(f OrderUpdateFunc) { e.onOrder = f }
func (e *Engine) OnPositionUpdate(f PositionUpdateFunc) { e.onPosition = f }
func (e *Engine) OnTrade(f TradeFunc) { e.onTrade = f }

// Start registers symbols, preloads kline history, loads open
// orders/positions, and spawns exactly five supervised background
// tasks (spec §5).
func (e *Engine) Start(ctx context.Context, symbols []string) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.loadOpenState(); err != nil {
		logger.Errorf("engine[%s]: load open state: %v", e.instanceID, err)
	}

	e.market = market.New(e.streamURL(), e.onKlineFrame)
	for _, sym := range symbols {
		e.seriesMu.Lock()
		e.series[sym] = &SymbolSeries{Symbol: sym}
		e.seriesMu.Unlock()

		if err := e.preload(runCtx, sym); err != nil {
			logger.Warnf("engine[%s]: preload %s: %v", e.instanceID, sym, err)
		}
		if err := e.market.Subscribe(runCtx, sym, klineInterval); err != nil {
			logger.Warnf("engine[%s]: subscribe %s: %v", e.instanceID, sym, err)
		}
	}

	e.wg.Add(5)
	go e.runLoop(runCtx, "order-status-poller", statusPollInterval, e.pollOrderStatus)
	go func() {
		defer e.wg.Done()
		e.market.Run(runCtx)
	}()
	go e.runLoop(runCtx, "position-monitor", positionMonitorTick, e.monitorPositions)
	go e.runLoop(runCtx, "snapshot-writer", snapshotTick, e.writeSnapshot)
	go e.runLoop(runCtx, "heartbeat", heartbeatTick, e.heartbeat)

	return nil
}

// streamURL is overridable per-adapter in a full deployment; a single
// combined-stream endpoint is assumed here (spec §4.B).
func (e *Engine) streamURL() string { return "wss://fstream.binance.com/stream" }

// Stop cancels each monitor task and awaits with a 2-second grace
// (spec §5 cancellation semantics).
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	if e.market != nil {
		e.market.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Warnf("engine[%s]: stop grace period exceeded", e.instanceID)
	}
}

// runLoop is the shared supervised-task shape (spec §5: yield on each
// iteration's tail so cancellation propagates within one second), with
// every panic/error caught at the loop boundary, logged, and retried
// after ~1s (spec §7 propagation policy).
func (e *Engine) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeRun(name, func() { fn(ctx) })
		}
	}
}

func (e *Engine) safeRun(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine[%s]: %s panic: %v", e.instanceID, name, r)
			time.Sleep(1 * time.Second)
		}
	}()
	fn()
}

// loadOpenState reconstructs local order/position state from the
// persistence sink on start (spec §5 cancellation note: "the next
// start() will re-discover it via load_open_orders").
func (e *Engine) loadOpenState() error {
	orders, err := e.sink.LoadOpenOrders(e.instanceID)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	for _, r := range orders {
		e.state.putOrder(&Order{
			OrderID: r.OrderID, VenueOrderID: r.VenueOrderID.String, Symbol: r.Symbol,
			Side: exchange.Side(r.Side), Type: exchange.OrderType(r.Type),
			Quantity: r.Quantity, Price: r.Price, Status: exchange.OrderStatus(r.Status),
			FilledQuantity: r.FilledQuantity, Commission: r.Commission,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		})
	}

	positions, err := e.sink.LoadPositions(e.instanceID)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, r := range positions {
		e.state.putPosition(&Position{
			Symbol: r.Symbol, Side: exchange.PositionSide(r.Side), Quantity: r.Quantity,
			EntryPrice: r.EntryPrice, MarkPrice: r.MarkPrice,
			UnrealizedPnL: r.UnrealizedPnL, RealizedPnL: r.RealizedPnL, UpdatedAt: r.UpdatedAt,
		})
	}
	return nil
}

// preload fetches up to 1000 recent klines via REST and feeds the
// strategy's series, invoking CalculateSignal once 50+ rows exist so
// the first signals can fire before any WS frame arrives (spec §4.E
// "Data preload").
func (e *Engine) preload(ctx context.Context, symbol string) error {
	klines, err := e.adapter.GetKlines(ctx, symbol, klineInterval, 0, 0, 1000)
	if err != nil {
		return err
	}
	e.seriesMu.Lock()
	series := e.series[symbol]
	for _, k := range klines {
		series.Append(k)
	}
	ready := series.Len() >= 50
	e.seriesMu.Unlock()

	if ready {
		e.invokeStrategy()
	}
	return nil
}

// onKlineFrame is the per-symbol dispatch path (spec §4.E).
func (e *Engine) onKlineFrame(venueSymbol, interval string, payload []byte) {
	symbol := e.adapter.Canonicalize(venueSymbol)

	k, closed, err := decodeKlineFrame(payload)
	if err != nil || !closed {
		return
	}

	e.seriesMu.Lock()
	series, ok := e.series[symbol]
	if ok {
		series.Append(k)
	}
	e.seriesMu.Unlock()
	if !ok {
		return
	}

	capital, err := e.state.cachedAccountCapital(func() (map[string]float64, error) {
		return e.fetchBalances()
	})
	if err != nil {
		logger.Warnf("engine[%s]: capital unavailable for dispatch: %v", e.instanceID, err)
	}

	if e.state.hasOpenOrder(symbol) {
		return
	}
	usedMargin := e.state.totalUsedMargin(e.cfg.Leverage)
	if usedMargin > capital*dispatchMarginCapPct {
		return
	}

	e.invokeStrategy()
}

func (e *Engine) invokeStrategy() {
	if e.strategy == nil {
		return
	}
	e.seriesMu.Lock()
	snapshot := make(map[string]*SymbolSeries, len(e.series))
	for k, v := range e.series {
		snapshot[k] = v
	}
	e.seriesMu.Unlock()

	signals := e.strategy.CalculateSignal(snapshot)
	for _, sig := range signals {
		if sig.Action == "hold" {
			continue
		}
		logger.Signal(sig.Symbol, sig.Action, sig.Quantity, sig.Confidence, sig.Rationale)
		if err := e.submitFromSignal(sig); err != nil {
			logger.Warnf("engine[%s]: signal dropped for %s: %v", e.instanceID, sig.Symbol, err)
		}
	}
}

func (e *Engine) fetchBalances() (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	balances, err := e.adapter.GetBalance(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(balances))
	for _, b := range balances {
		out[b.Asset] = b.Available
	}
	return out, nil
}

// submitFromSignal is the submission path (spec §4.D place_order).
func (e *Engine) submitFromSignal(sig Signal) error {
	side := exchange.Buy
	if strings.EqualFold(sig.Action, "sell") {
		side = exchange.Sell
	}

	venueSymbol := e.adapter.Canonicalize(sig.Symbol)
	quantity := roundQuantity(sig.Quantity, quantityPrecision)

	price := 0.0
	if sig.Price != nil {
		price = *sig.Price
	} else if t, err := e.adapter.GetTicker(context.Background(), venueSymbol); err == nil {
		price = t.LastPrice
		e.tickerCache.Store(sig.Symbol, t)
	} else if t, ok := e.cachedTicker(sig.Symbol); ok {
		price = t.LastPrice
	}

	capital, _ := e.state.cachedAccountCapital(e.fetchBalances)
	check := e.risk.CheckOrderRisk(sig.Symbol, risk.Side(side), quantity, price, &capital)
	if !check.Approved {
		return fmt.Errorf("risk check rejected: %v", check.Violations)
	}

	orderID := e.state.nextOrderID()
	order := &Order{
		OrderID: orderID, Symbol: sig.Symbol, Side: side, Type: exchange.Market,
		Quantity: quantity, Price: price, Signal: &sig, Status: exchange.StatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := e.adapter.ExecuteOrder(ctx, exchange.OrderRequest{
		Symbol: venueSymbol, Side: side, Quantity: quantity, Type: exchange.Market,
	})
	if err != nil {
		return err
	}

	order.VenueOrderID = resp.VenueOrderID
	order.Status = exchange.StatusOpen
	order.UpdatedAt = time.Now()
	e.state.putOrder(order)

	logger.Order("submitted", order.OrderID, order.Symbol, string(order.Side), string(order.Status), order.Quantity, order.Price)
	e.persistOrder(order)
	if e.onOrder != nil {
		e.onOrder(order)
	}
	return nil
}

func (e *Engine) cachedTicker(symbol string) (exchange.Ticker, bool) {
	v, ok := e.tickerCache.Load(symbol)
	if !ok {
		return exchange.Ticker{}, false
	}
	return v.(exchange.Ticker), true
}

func (e *Engine) persistOrder(o *Order) {
	err := e.sink.SaveOrder(store.OrderRecord{
		InstanceID: e.instanceID, OrderID: o.OrderID, VenueOrderID: nullableString(o.VenueOrderID),
		Symbol: o.Symbol, Side: string(o.Side), Type: string(o.Type), Quantity: o.Quantity,
		Price: o.Price, Status: string(o.Status), FilledQuantity: o.FilledQuantity,
		Commission: o.Commission, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	})
	if err != nil {
		logger.Errorf("engine[%s]: persist order %s: %v", e.instanceID, o.OrderID, err)
	}
}

func roundQuantity(qty float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	return math.Floor(qty*scale) / scale
}

// decodeKlineFrame and nullableString live in fill.go, which also
// implements the status poll loop, fill handling, position monitor,
// snapshot writer, and heartbeat tasks spawned by Start.
