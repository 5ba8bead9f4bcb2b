// Package binance implements the exchange.Adapter contract over
// Binance USDⓈ-M futures using adshao/go-binance/v2/futures, which
// signs requests with the venue's own HMAC key/secret scheme
// internally — this adapter only maps the uniform contract onto it.
package binance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"

	"tradecore/exchange"
	"tradecore/exchange/symbol"
)

// Adapter wraps a go-binance/v2/futures client.
type Adapter struct {
	client *futures.Client
}

// New constructs a Binance USDⓈ-M futures adapter.
func New(apiKey, secretKey string, testnet bool) *Adapter {
	if testnet {
		futures.UseTestnet = true
	}
	return &Adapter{client: futures.NewClient(apiKey, secretKey)}
}

func (a *Adapter) Canonicalize(sym string) string { return symbol.Canonical(sym) }

func (a *Adapter) GetMarkets(ctx context.Context) (map[string]exchange.MarketInfo, error) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make(map[string]exchange.MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		canonical := symbol.Canonical(s.Symbol)
		mi := exchange.MarketInfo{
			Symbol:            canonical,
			BaseAsset:         s.BaseAsset,
			QuoteAsset:        s.QuoteAsset,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					mi.PriceTick, _ = strconv.ParseFloat(v, 64)
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					mi.LotSize, _ = strconv.ParseFloat(v, 64)
				}
			case "MIN_NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					mi.MinNotional, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		out[canonical] = mi
	}
	return out, nil
}

func (a *Adapter) venueSymbol(sym string) string { return symbol.Canonical(sym) }

func (a *Adapter) GetTicker(ctx context.Context, sym string) (exchange.Ticker, error) {
	venueSym := a.venueSymbol(sym)
	stats, err := a.client.NewListPriceChangeStatsService().Symbol(venueSym).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, &exchange.ExchangeUnreachableError{Err: err}
	}
	if len(stats) == 0 {
		return exchange.Ticker{}, &exchange.OrderRejectedError{Msg: "unknown symbol " + venueSym}
	}
	s := stats[0]
	last, _ := strconv.ParseFloat(s.LastPrice, 64)
	high, _ := strconv.ParseFloat(s.HighPrice, 64)
	low, _ := strconv.ParseFloat(s.LowPrice, 64)
	vol, _ := strconv.ParseFloat(s.Volume, 64)
	return exchange.Ticker{Symbol: symbol.Canonical(sym), LastPrice: last, HighPrice: high, LowPrice: low, Volume: vol}, nil
}

func (a *Adapter) GetDepth(ctx context.Context, sym string, limit int) ([][2]float64, [][2]float64, error) {
	depth, err := a.client.NewDepthService().Symbol(a.venueSymbol(sym)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	bids := make([][2]float64, 0, len(depth.Bids))
	for _, b := range depth.Bids {
		p, _ := strconv.ParseFloat(b.Price, 64)
		q, _ := strconv.ParseFloat(b.Quantity, 64)
		bids = append(bids, [2]float64{p, q})
	}
	asks := make([][2]float64, 0, len(depth.Asks))
	for _, ask := range depth.Asks {
		p, _ := strconv.ParseFloat(ask.Price, 64)
		q, _ := strconv.ParseFloat(ask.Quantity, 64)
		asks = append(asks, [2]float64{p, q})
	}
	return bids, asks, nil
}

func (a *Adapter) GetKlines(ctx context.Context, sym, interval string, start, end int64, limit int) ([]exchange.Kline, error) {
	svc := a.client.NewKlinesService().Symbol(a.venueSymbol(sym)).Interval(interval).Limit(limit)
	if start > 0 {
		svc = svc.StartTime(start)
	}
	if end > 0 {
		svc = svc.EndTime(end)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.Kline, 0, len(raw))
	for _, k := range raw {
		o, _ := strconv.ParseFloat(k.Open, 64)
		h, _ := strconv.ParseFloat(k.High, 64)
		l, _ := strconv.ParseFloat(k.Low, 64)
		c, _ := strconv.ParseFloat(k.Close, 64)
		v, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, exchange.Kline{OpenTimeMs: k.OpenTime, Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return out, nil
}

func (a *Adapter) GetServerTime(ctx context.Context) (int64, error) {
	ms, err := a.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, &exchange.ExchangeUnreachableError{Err: err}
	}
	return ms, nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]exchange.Balance, error) {
	balances, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.Balance, 0, len(balances))
	for _, b := range balances {
		total, _ := strconv.ParseFloat(b.Balance, 64)
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		locked := total - avail
		if locked < 0 {
			locked = 0
		}
		out = append(out, exchange.Balance{Asset: b.Asset, Available: avail, Locked: locked})
	}
	return out, nil
}

func (a *Adapter) GetPositions(ctx context.Context, sym string) ([]exchange.PositionInfo, error) {
	svc := a.client.NewGetPositionRiskService()
	if sym != "" {
		svc = svc.Symbol(a.venueSymbol(sym))
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.PositionInfo, 0, len(raw))
	for _, p := range raw {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		side := exchange.Long
		if qty < 0 {
			side = exchange.Short
			qty = -qty
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		upl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		out = append(out, exchange.PositionInfo{
			Symbol: symbol.Canonical(p.Symbol), Side: side, Quantity: qty,
			EntryPrice: entry, MarkPrice: mark, UnrealizedPnL: upl,
		})
	}
	return out, nil
}

func (a *Adapter) ExecuteOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	side := futures.SideTypeBuy
	if req.Side == exchange.Sell {
		side = futures.SideTypeSell
	}
	ordType := futures.OrderTypeMarket
	switch req.Type {
	case exchange.Limit:
		ordType = futures.OrderTypeLimit
	}

	svc := a.client.NewCreateOrderService().
		Symbol(a.venueSymbol(req.Symbol)).
		Side(side).
		Type(ordType).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		ReduceOnly(req.ReduceOnly)

	if ordType == futures.OrderTypeLimit {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderResponse{}, &exchange.ExchangeUnreachableError{Err: err}
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)
	qty, _ := strconv.ParseFloat(resp.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)

	return exchange.OrderResponse{
		VenueOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:       mapStatus(string(resp.Status)),
		Price:        price, Quantity: qty, FilledQty: filled,
	}, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, sym string) ([]exchange.OrderResponse, error) {
	svc := a.client.NewListOpenOrdersService()
	if sym != "" {
		svc = svc.Symbol(a.venueSymbol(sym))
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.OrderResponse, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		filled, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
		out = append(out, exchange.OrderResponse{
			VenueOrderID: strconv.FormatInt(o.OrderID, 10),
			Status:       mapStatus(string(o.Status)),
			Price:        price, Quantity: qty, FilledQty: filled,
		})
	}
	return out, nil
}

func (a *Adapter) GetOrder(ctx context.Context, venueOrderID, sym string) (exchange.OrderResponse, error) {
	oid, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return exchange.OrderResponse{}, &exchange.OrderRejectedError{Msg: "invalid order id"}
	}
	o, err := a.client.NewGetOrderService().Symbol(a.venueSymbol(sym)).OrderID(oid).Do(ctx)
	if err != nil {
		return exchange.OrderResponse{Status: exchange.StatusNotFound}, nil
	}
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	return exchange.OrderResponse{
		VenueOrderID: venueOrderID, Status: mapStatus(string(o.Status)),
		Price: price, Quantity: qty, FilledQty: filled,
	}, nil
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return exchange.StatusOpen
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "EXPIRED":
		return exchange.StatusCancelled
	case "REJECTED":
		return exchange.StatusRejected
	default:
		return exchange.StatusNotFound
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, sym, venueOrderID string) error {
	oid, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return &exchange.OrderRejectedError{Msg: "invalid order id"}
	}
	_, err = a.client.NewCancelOrderService().Symbol(a.venueSymbol(sym)).OrderID(oid).Do(ctx)
	if err != nil {
		return &exchange.ExchangeUnreachableError{Err: err}
	}
	return nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, sym string) error {
	err := a.client.NewCancelAllOpenOrdersService().Symbol(a.venueSymbol(sym)).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: cancel all orders: %w", &exchange.ExchangeUnreachableError{Err: err})
	}
	return nil
}

var _ exchange.Adapter = (*Adapter)(nil)
