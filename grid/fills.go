package grid

import (
	"context"
	"math"
	"time"

	"tradecore/exchange"
	"tradecore/logger"
	"tradecore/store"
)

// placeIdleRungs places a LIMIT order for every idle, non-cooldown
// rung, honouring placement discipline (spec §4.F "Placement
// discipline"): never crossing the book and respecting minimum
// notional. Existing open orders are not reused: findReusableOrder
// always reports no match, so every idle rung gets a fresh order.
func (inst *Instance) placeIdleRungs(ctx context.Context) {
	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)
	ticker, err := inst.adapter.GetTicker(ctx, venueSymbol)
	if err != nil {
		logger.Warnf("grid[%s]: get ticker: %v", inst.InstanceID, err)
		return
	}
	lastPrice := ticker.LastPrice

	openOrders, err := inst.adapter.GetOpenOrders(ctx, venueSymbol)
	if err != nil {
		logger.Warnf("grid[%s]: get open orders for placement: %v", inst.InstanceID, err)
		return
	}

	minNotional := inst.cfg.MinNotional
	if minNotional <= 0 {
		minNotional = 5
	}
	spacing := (inst.ladder.Upper - inst.ladder.Lower) / float64(math.Max(float64(inst.ladder.N), 1))
	now := time.Now()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	for i := range inst.ladder.Rungs {
		r := &inst.ladder.Rungs[i]
		if r.State != RungIdle || r.CooldownActive(now) {
			continue
		}
		if r.Side == exchange.Buy && r.Price >= lastPrice {
			continue
		}
		if r.Side == exchange.Sell && r.Price <= lastPrice {
			continue
		}
		if r.Quantity*r.Price < minNotional {
			continue
		}

		if reused, ok := findReusableOrder(openOrders, r, spacing); ok {
			r.OrderID = reused
			r.State = RungPending
			continue
		}

		r.State = RungPlacing
		resp, err := inst.adapter.ExecuteOrder(ctx, exchange.OrderRequest{
			Symbol: venueSymbol, Side: r.Side, Quantity: r.Quantity, Type: exchange.Limit, Price: r.Price,
		})
		if err != nil {
			logger.Warnf("grid[%s]: place rung %d: %v", inst.InstanceID, r.Index, err)
			r.State = RungIdle
			continue
		}
		r.OrderID = resp.VenueOrderID
		r.State = RungPending
	}
}

// findReusableOrder always reports no match: exchange.OrderResponse
// carries no side or reduce-only field, so an open rung order cannot
// be told apart from a paired close (see DESIGN.md).
func findReusableOrder(openOrders []exchange.OrderResponse, r *Rung, spacing float64) (string, bool) {
	return "", false
}

// detectRungFills polls each pending rung's order and, on a fill,
// runs the fill→paired-close sequence (spec §4.F "Fill → paired
// close").
func (inst *Instance) detectRungFills(ctx context.Context, openSet map[string]bool) {
	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)

	inst.mu.Lock()
	pending := make([]int, 0)
	for i, r := range inst.ladder.Rungs {
		if r.State == RungPending && r.OrderID != "" && !openSet[r.OrderID] {
			pending = append(pending, i)
		}
	}
	inst.mu.Unlock()

	for _, idx := range pending {
		inst.mu.Lock()
		r := inst.ladder.Rungs[idx]
		inst.mu.Unlock()

		resp, err := inst.adapter.GetOrder(ctx, r.OrderID, venueSymbol)
		if err != nil || resp.Status != exchange.StatusFilled {
			inst.mu.Lock()
			inst.ladder.Rungs[idx].State = RungIdle
			inst.ladder.Rungs[idx].OrderID = ""
			inst.ladder.Rungs[idx].CooldownUntil = time.Now().Add(cooldownWindow)
			inst.mu.Unlock()
			continue
		}
		inst.handleRungFill(ctx, idx, resp.Price)
	}
}

// handleRungFill implements spec §4.F steps 1-6: counts the trade,
// selects the adjacent rung, and submits its reduce-only paired close
// with bounded retry. The instance's position value is not tracked.
func (inst *Instance) handleRungFill(ctx context.Context, filledIndex int, fillPrice float64) {
	inst.mu.Lock()
	inst.ladder.Rungs[filledIndex].State = RungHandlingFill
	filled := inst.ladder.Rungs[filledIndex]
	inst.totalTrades++
	inst.mu.Unlock()

	adjIdx, ok := inst.ladder.AdjacentRung(filledIndex, filled.Side)
	if !ok {
		logger.Warnf("grid[%s]: rung %d filled at ladder edge, no adjacent close rung", inst.InstanceID, filledIndex)
		inst.mu.Lock()
		inst.ladder.Rungs[filledIndex].State = RungIdle
		inst.ladder.Rungs[filledIndex].CooldownUntil = time.Now().Add(cooldownWindow)
		inst.mu.Unlock()
		return
	}

	inst.mu.Lock()
	closePrice := inst.ladder.Rungs[adjIdx].Price
	inst.mu.Unlock()

	closeSide := exchange.Sell
	if filled.Side == exchange.Sell {
		closeSide = exchange.Buy
	}

	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)
	var venueOrderID string
	var err error
	for attempt := 0; attempt < retryCount; attempt++ {
		var resp exchange.OrderResponse
		resp, err = inst.adapter.ExecuteOrder(ctx, exchange.OrderRequest{
			Symbol: venueSymbol, Side: closeSide, Quantity: filled.Quantity, Type: exchange.Limit,
			Price: closePrice, ReduceOnly: true,
		})
		if err == nil {
			venueOrderID = resp.VenueOrderID
			break
		}
		time.Sleep(time.Duration(attempt+1) * retryBaseDelay)
	}
	if err != nil {
		logger.Errorf("grid[%s]: paired close for rung %d failed after retries: %v", inst.InstanceID, filledIndex, err)
		inst.mu.Lock()
		inst.ladder.Rungs[filledIndex].State = RungIdle
		inst.ladder.Rungs[filledIndex].CooldownUntil = time.Now().Add(cooldownWindow)
		inst.mu.Unlock()
		return
	}

	inst.mu.Lock()
	inst.closing[venueOrderID] = ClosingOrder{
		VenueOrderID: venueOrderID, RungIndex: filledIndex, OpenLevelPrice: filled.Price,
		Side: closeSide, Quantity: filled.Quantity, OpenPrice: fillPrice,
	}
	inst.ladder.Rungs[filledIndex].State = RungClosing
	inst.mu.Unlock()

	logger.Order("grid_paired_close", venueOrderID, inst.Symbol, string(closeSide), string(exchange.StatusOpen), filled.Quantity, closePrice)
}

// processClosingOrders implements spec §4.F "Closing-order
// fulfillment": confirms fills via get_order, realizes PnL net of
// maker fees, re-arms the parent rung, and re-submits any cancelled
// close so a paired close always exists for a live position rung.
func (inst *Instance) processClosingOrders(ctx context.Context, openSet map[string]bool) {
	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)

	inst.mu.Lock()
	vanished := make([]string, 0)
	for id := range inst.closing {
		if !openSet[id] {
			vanished = append(vanished, id)
		}
	}
	inst.mu.Unlock()

	for _, id := range vanished {
		inst.mu.Lock()
		co, ok := inst.closing[id]
		inst.mu.Unlock()
		if !ok {
			continue
		}

		resp, err := inst.adapter.GetOrder(ctx, id, venueSymbol)
		if err != nil {
			logger.Warnf("grid[%s]: confirm closing order %s: %v", inst.InstanceID, id, err)
			continue
		}

		switch resp.Status {
		case exchange.StatusFilled:
			inst.fulfillClose(co, resp.Price)
		case exchange.StatusCancelled:
			inst.resubmitClose(ctx, co)
		default:
			// still pending from the venue's perspective; re-check next pass
		}
	}
}

func (inst *Instance) fulfillClose(co ClosingOrder, closePrice float64) {
	makerFee := inst.cfg.MakerFeeRate
	if makerFee <= 0 {
		makerFee = 0.0004
	}

	var gross float64
	if co.Side == exchange.Sell {
		gross = (closePrice - co.OpenPrice) * co.Quantity
	} else {
		gross = (co.OpenPrice - closePrice) * co.Quantity
	}
	fees := 2 * makerFee * co.Quantity * closePrice
	net := gross - fees

	inst.mu.Lock()
	inst.totalProfit += net
	inst.dailyPnL += net
	inst.totalFees += fees
	if inst.totalProfit > inst.peakEquity {
		inst.peakEquity = inst.totalProfit
	}
	if dd := inst.peakEquity - inst.totalProfit; dd > inst.maxDrawdown {
		inst.maxDrawdown = dd
	}
	delete(inst.closing, co.VenueOrderID)

	inst.ladder.Rungs[co.RungIndex].State = RungIdle
	inst.ladder.Rungs[co.RungIndex].OrderID = ""
	inst.ladder.Rungs[co.RungIndex].CooldownUntil = time.Now().Add(cooldownWindow)
	inst.mu.Unlock()

	logger.Trade(co.VenueOrderID, co.VenueOrderID, inst.Symbol, string(co.Side), co.Quantity, closePrice, fees)

	if inst.sink != nil {
		if err := inst.sink.SaveTrade(store.TradeRecord{
			InstanceID: inst.InstanceID, TradeID: co.VenueOrderID, OrderID: co.VenueOrderID, Symbol: inst.Symbol,
			Side: string(co.Side), Quantity: co.Quantity, Price: closePrice, Commission: fees, Timestamp: time.Now(),
		}); err != nil {
			logger.Errorf("grid[%s]: persist closing trade: %v", inst.InstanceID, err)
		}
	}
}

func (inst *Instance) resubmitClose(ctx context.Context, co ClosingOrder) {
	venueSymbol := inst.adapter.Canonicalize(inst.Symbol)
	resp, err := inst.adapter.ExecuteOrder(ctx, exchange.OrderRequest{
		Symbol: venueSymbol, Side: co.Side, Quantity: co.Quantity, Type: exchange.Limit,
		Price: co.OpenLevelPrice, ReduceOnly: true,
	})
	if err != nil {
		logger.Errorf("grid[%s]: resubmit cancelled close: %v", inst.InstanceID, err)
		return
	}
	inst.mu.Lock()
	delete(inst.closing, co.VenueOrderID)
	inst.closing[resp.VenueOrderID] = ClosingOrder{
		VenueOrderID: resp.VenueOrderID, RungIndex: co.RungIndex, OpenLevelPrice: co.OpenLevelPrice,
		Side: co.Side, Quantity: co.Quantity, OpenPrice: co.OpenPrice,
	}
	inst.mu.Unlock()
}
