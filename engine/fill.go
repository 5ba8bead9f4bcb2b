package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/exchange"
	"tradecore/logger"
	"tradecore/risk"
	"tradecore/store"
)

// decodeKlineFrame parses a Binance-shaped combined-stream kline
// payload ({"k": {"t":...,"o":"...",...,"x":bool}}), returning the bar
// and whether it is closed (x == true). Unclosed bars are dropped by
// the caller (spec §4.E, "invoked once per newly-closed kline").
func decodeKlineFrame(payload []byte) (exchange.Kline, bool, error) {
	var frame struct {
		K struct {
			T      int64  `json:"t"`
			Open   string `json:"o"`
			High   string `json:"h"`
			Low    string `json:"l"`
			Close  string `json:"c"`
			Volume string `json:"v"`
			Closed bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return exchange.Kline{}, false, fmt.Errorf("decode kline frame: %w", err)
	}
	if !frame.K.Closed {
		return exchange.Kline{}, false, nil
	}
	o, _ := strconv.ParseFloat(frame.K.Open, 64)
	h, _ := strconv.ParseFloat(frame.K.High, 64)
	l, _ := strconv.ParseFloat(frame.K.Low, 64)
	c, _ := strconv.ParseFloat(frame.K.Close, 64)
	v, _ := strconv.ParseFloat(frame.K.Volume, 64)
	return exchange.Kline{OpenTimeMs: frame.K.T, Open: o, High: h, Low: l, Close: c, Volume: v}, true, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// pollOrderStatus is the status poll loop (spec §4.D): every
// non-terminal order is re-read from the venue; three consecutive
// "not found" responses are imputed as a fill rather than left stuck
// forever (spec §4.A failure model, §7).
func (e *Engine) pollOrderStatus(ctx context.Context) {
	for _, o := range e.state.nonTerminalOrders() {
		if o.VenueOrderID == "" {
			continue
		}
		resp, err := e.adapter.GetOrder(ctx, o.VenueOrderID, o.Symbol)
		if err != nil && !isNotFound(err) {
			logger.Warnf("engine[%s]: poll order %s: %v", e.instanceID, o.OrderID, err)
			continue
		}
		if err != nil || resp.Status == exchange.StatusNotFound {
			o.NotFoundCount++
			if o.NotFoundCount >= maxNotFoundStrikes {
				logger.Warnf("engine[%s]: order %s not found %dx, imputing fill", e.instanceID, o.OrderID, o.NotFoundCount)
				e.handleFill(ctx, o, o.Price, o.Quantity-o.FilledQuantity, 0)
				o.UpdatedAt = time.Now()
				if o.Terminal() {
					e.state.removeOrder(o.OrderID)
				}
				e.persistOrder(o)
			}
			continue
		}
		o.NotFoundCount = 0

		if resp.Status == o.Status && resp.FilledQty == o.FilledQuantity {
			continue
		}

		if resp.Status == exchange.StatusFilled || resp.FilledQty > o.FilledQuantity {
			delta := resp.FilledQty - o.FilledQuantity
			e.handleFill(ctx, o, resp.Price, delta, resp.Commission)
		}

		o.Status = resp.Status
		o.UpdatedAt = time.Now()
		if o.Terminal() {
			e.state.removeOrder(o.OrderID)
		}
		e.persistOrder(o)
	}
}

func isNotFound(err error) bool {
	var unreachable *exchange.ExchangeUnreachableError
	if errors.As(err, &unreachable) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// handleFill applies a (partial or full) fill to local position state
// under the position lock, updates the risk manager, persists the
// trade, and notifies callbacks — always, even when a downstream call
// errors, the order bookkeeping above still removes the order on
// terminal status (spec §4.D fill handling).
func (e *Engine) handleFill(ctx context.Context, o *Order, fillPrice, fillQty, commission float64) {
	if fillQty <= 0 {
		return
	}
	if fillPrice <= 0 {
		if t, ok := e.cachedTicker(o.Symbol); ok {
			fillPrice = t.LastPrice
		} else if pos, ok := e.state.getPosition(o.Symbol); ok {
			fillPrice = pos.EntryPrice
		}
	}

	o.FilledQuantity += fillQty
	o.Commission += commission
	if o.FilledQuantity >= o.Quantity {
		o.Status = exchange.StatusFilled
		o.FilledAt = time.Now()
	}

	e.applyFillToPosition(o, fillPrice, fillQty)

	trade := &Trade{
		TradeID: uuid.NewString(), OrderID: o.OrderID, Symbol: o.Symbol, Side: o.Side,
		Quantity: fillQty, Price: fillPrice, Commission: commission, Timestamp: time.Now(),
	}
	if err := e.sink.SaveTrade(store.TradeRecord{
		InstanceID: e.instanceID, TradeID: trade.TradeID, OrderID: trade.OrderID, Symbol: trade.Symbol,
		Side: string(trade.Side), Quantity: trade.Quantity, Price: trade.Price, Commission: trade.Commission,
		Timestamp: trade.Timestamp,
	}); err != nil {
		logger.Errorf("engine[%s]: persist trade %s: %v", e.instanceID, trade.TradeID, err)
	}
	logger.Trade(trade.TradeID, trade.OrderID, trade.Symbol, string(trade.Side), trade.Quantity, trade.Price, trade.Commission)
	if e.onTrade != nil {
		e.onTrade(trade)
	}
}

// applyFillToPosition updates or closes the position under its lock
// (spec §3.1 atomic position update; closed positions are deleted,
// never left zeroed).
func (e *Engine) applyFillToPosition(o *Order, fillPrice, fillQty float64) {
	existing, hadPosition := e.state.getPosition(o.Symbol)

	closes := hadPosition && ((existing.Side == exchange.Long && o.Side == exchange.Sell) ||
		(existing.Side == exchange.Short && o.Side == exchange.Buy))

	if closes {
		closeQty := fillQty
		if closeQty > existing.Quantity {
			closeQty = existing.Quantity
		}
		var pnl float64
		if existing.Side == exchange.Long {
			pnl = (fillPrice - existing.EntryPrice) * closeQty
		} else {
			pnl = (existing.EntryPrice - fillPrice) * closeQty
		}
		notional := existing.EntryPrice * closeQty

		remaining := existing.Quantity - closeQty
		if remaining <= 1e-9 {
			e.state.deletePosition(o.Symbol)
			if err := e.sink.DeletePosition(e.instanceID, o.Symbol); err != nil {
				logger.Warnf("engine[%s]: delete position row %s: %v", e.instanceID, o.Symbol, err)
			}
		} else {
			existing.Quantity = remaining
			existing.RealizedPnL += pnl
			existing.UpdatedAt = time.Now()
			e.state.putPosition(existing)
			e.persistPosition(existing)
		}

		e.risk.ClosePosition(o.Symbol, fillPrice, pnl, notional)
		if e.onPosition != nil {
			e.onPosition(existing)
		}
		return
	}

	side := exchange.Long
	if o.Side == exchange.Sell {
		side = exchange.Short
	}

	if hadPosition && existing.Side == side {
		totalQty := existing.Quantity + fillQty
		existing.EntryPrice = (existing.EntryPrice*existing.Quantity + fillPrice*fillQty) / totalQty
		existing.Quantity = totalQty
		existing.MarkPrice = fillPrice
		existing.UpdatedAt = time.Now()
		e.state.putPosition(existing)
		e.persistPosition(existing)
		e.risk.UpdatePosition(o.Symbol, risk.Side(o.Side), fillQty, fillPrice)
		if e.onPosition != nil {
			e.onPosition(existing)
		}
		return
	}

	newPos := &Position{
		Symbol: o.Symbol, Side: side, Quantity: fillQty, EntryPrice: fillPrice,
		MarkPrice: fillPrice, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	e.state.putPosition(newPos)
	e.persistPosition(newPos)
	e.risk.UpdatePosition(o.Symbol, risk.Side(o.Side), fillQty, fillPrice)
	if e.onPosition != nil {
		e.onPosition(newPos)
	}
}

func (e *Engine) persistPosition(p *Position) {
	err := e.sink.SavePosition(store.PositionRecord{
		InstanceID: e.instanceID, Symbol: p.Symbol, Side: string(p.Side), Quantity: p.Quantity,
		EntryPrice: p.EntryPrice, MarkPrice: p.MarkPrice, UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL: p.RealizedPnL, UpdatedAt: p.UpdatedAt,
	})
	if err != nil {
		logger.Errorf("engine[%s]: persist position %s: %v", e.instanceID, p.Symbol, err)
	}
}

// monitorPositions refreshes mark prices, recomputes leveraged PnL,
// and triggers a reduce-only close when stop-loss/take-profit is
// crossed (spec §4.D position monitor, ~30s tick).
func (e *Engine) monitorPositions(ctx context.Context) {
	leverage := e.cfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	for _, p := range e.state.allPositions() {
		venuePositions, err := e.adapter.GetPositions(ctx, e.adapter.Canonicalize(p.Symbol))
		if err != nil {
			logger.Warnf("engine[%s]: refresh position %s: %v", e.instanceID, p.Symbol, err)
			continue
		}
		if len(venuePositions) == 0 {
			e.state.deletePosition(p.Symbol)
			continue
		}
		vp := venuePositions[0]
		p.MarkPrice = vp.MarkPrice

		var pnlFrac float64
		if p.Side == exchange.Long {
			pnlFrac = ((p.MarkPrice - p.EntryPrice) / p.EntryPrice) * leverage
		} else {
			pnlFrac = ((p.EntryPrice - p.MarkPrice) / p.EntryPrice) * leverage
		}
		p.UnrealizedPnL = pnlFrac * p.EntryPrice * p.Quantity / leverage
		p.UpdatedAt = time.Now()
		e.state.putPosition(p)
		e.persistPosition(p)

		stopPct := e.cfg.StopLossPercent
		takePct := e.cfg.TakeProfitPercent
		shouldClose := (stopPct > 0 && pnlFrac <= -stopPct) || (takePct > 0 && pnlFrac >= takePct)
		if shouldClose {
			e.closePosition(ctx, p)
		}
	}
}

func (e *Engine) closePosition(ctx context.Context, p *Position) {
	side := exchange.Sell
	if p.Side == exchange.Short {
		side = exchange.Buy
	}
	venueSymbol := e.adapter.Canonicalize(p.Symbol)
	_, err := e.adapter.ExecuteOrder(ctx, exchange.OrderRequest{
		Symbol: venueSymbol, Side: side, Quantity: p.Quantity, Type: exchange.Market, ReduceOnly: true,
	})
	if err != nil {
		logger.Errorf("engine[%s]: reduce-only close %s: %v", e.instanceID, p.Symbol, err)
		return
	}
	logger.Infof("engine[%s]: stop/take-profit close submitted for %s", e.instanceID, p.Symbol)
}

// writeSnapshot persists a portfolio snapshot every ~60s (spec §4.D).
func (e *Engine) writeSnapshot(ctx context.Context) {
	capital, err := e.state.cachedAccountCapital(e.fetchBalances)
	if err != nil {
		logger.Warnf("engine[%s]: snapshot capital fetch: %v", e.instanceID, err)
	}

	positionsValue := 0.0
	for _, p := range e.state.allPositions() {
		positionsValue += p.MarkPrice * p.Quantity
	}
	portfolioValue := capital + positionsValue

	e.risk.UpdateEquity(portfolioValue)
	dailyPnL := e.risk.DailyPnL()

	snap := SnapshotRecord{
		Timestamp: time.Now(), PortfolioValue: portfolioValue, CashBalance: capital,
		PositionsValue: positionsValue, DailyPnL: dailyPnL,
	}
	if portfolioValue > 0 {
		snap.DailyReturnPct = dailyPnL / portfolioValue
	}

	if err := e.sink.SavePortfolioSnapshot(store.SnapshotRecord{
		InstanceID: e.instanceID, Timestamp: snap.Timestamp, PortfolioValue: snap.PortfolioValue,
		CashBalance: snap.CashBalance, PositionsValue: snap.PositionsValue,
		DailyPnL: snap.DailyPnL, DailyReturnPct: snap.DailyReturnPct,
	}); err != nil {
		logger.Errorf("engine[%s]: persist snapshot: %v", e.instanceID, err)
	}

	e.reportRiskIfRolled(snap.DailyReturnPct, positionsValue, portfolioValue)
}

// reportRiskIfRolled records the prior day's closed return into the
// risk manager's VaR window at UTC rollover and logs a fresh
// VaR/ES/stress report (spec §4.C "VaR/stress reporting").
func (e *Engine) reportRiskIfRolled(dailyReturnPct, positionsValue, portfolioValue float64) {
	today := time.Now().UTC().Format("2006-01-02")
	if e.lastRiskReportDate == today {
		return
	}
	e.lastRiskReportDate = today
	e.risk.RecordDailyReturn(dailyReturnPct)

	notional := map[string]float64{}
	for _, p := range e.state.allPositions() {
		notional[p.Symbol] = p.MarkPrice * p.Quantity
	}
	report := e.risk.Report(notional, portfolioValue)
	logger.Infof("engine[%s]: risk report historical_var95=%.4f parametric_var95=%.4f stress=%v",
		e.instanceID, report.Historical.VaR95, report.Parametric.VaR95, report.Stress)
}

// SnapshotRecord mirrors PortfolioSnapshot for the local write path.
type SnapshotRecord = PortfolioSnapshot

// heartbeat pings the venue's server-time endpoint roughly every 60s,
// conditional on at least one open position, and logs — without
// marking the engine unhealthy — on failure (spec §4.D).
func (e *Engine) heartbeat(ctx context.Context) {
	if len(e.state.allPositions()) == 0 {
		return
	}
	if _, err := e.adapter.GetServerTime(ctx); err != nil {
		logger.Warnf("engine[%s]: heartbeat failed: %v", e.instanceID, err)
	}
}
