// Package hyperliquid implements the exchange.Adapter contract over
// Hyperliquid's on-chain perpetuals venue (spec §4.A mechanism 3): every
// action is msgpack-encoded, hashed with Keccak256, and signed as
// EIP-712 typed data (an Agent{source, connectionId} struct) under the
// user's wallet key. The signing itself is delegated to
// sonirico/go-hyperliquid's Exchange client, which implements that
// flow on top of ethereum/go-ethereum's crypto and vmihailenco/msgpack;
// this adapter only maps the uniform contract onto it.
package hyperliquid

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	hl "github.com/sonirico/go-hyperliquid"

	"tradecore/exchange"
)

// Adapter wraps a sonirico/go-hyperliquid Exchange client.
type Adapter struct {
	client     *hl.Exchange
	walletAddr string

	metaMu sync.RWMutex
	meta   *hl.Meta
}

// New constructs a Hyperliquid adapter. privateKeyHex is the agent
// wallet's signing key (not the funded main wallet); walletAddr is the
// funded main wallet address the agent is authorized against.
func New(ctx context.Context, privateKeyHex, walletAddr string, testnet bool) (*Adapter, error) {
	privateKeyHex = strings.TrimPrefix(strings.ToLower(privateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: parse private key: %w", err)
	}
	if walletAddr == "" {
		return nil, fmt.Errorf("hyperliquid: wallet address required")
	}

	apiURL := hl.MainnetAPIURL
	if testnet {
		apiURL = hl.TestnetAPIURL
	}

	client := hl.NewExchange(ctx, privateKey, apiURL, nil, "", walletAddr, nil)
	meta, err := client.Info().Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: fetch meta: %w", err)
	}

	return &Adapter{client: client, walletAddr: walletAddr, meta: meta}, nil
}

// Canonicalize converts "BTC" (Hyperliquid's bare coin form) or a
// canonical "BTCUSDT" into the BTCUSDT canonical form.
func (a *Adapter) Canonicalize(sym string) string {
	s := strings.ToUpper(strings.TrimSuffix(sym, "USDT"))
	return s + "USDT"
}

func (a *Adapter) coin(sym string) string {
	return strings.TrimSuffix(strings.ToUpper(sym), "USDT")
}

func (a *Adapter) assetID(coin string) (int, error) {
	id := a.client.Info().NameToAsset(coin)
	if id != 0 {
		return id, nil
	}
	a.metaMu.Lock()
	meta, err := a.client.Info().Meta(context.Background())
	if err == nil {
		a.meta = meta
	}
	a.metaMu.Unlock()
	id = a.client.Info().NameToAsset(coin)
	if id == 0 {
		return 0, fmt.Errorf("hyperliquid: unknown asset %s", coin)
	}
	return id, nil
}

func (a *Adapter) GetMarkets(ctx context.Context) (map[string]exchange.MarketInfo, error) {
	meta, err := a.client.Info().Meta(ctx)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	a.metaMu.Lock()
	a.meta = meta
	a.metaMu.Unlock()

	out := make(map[string]exchange.MarketInfo, len(meta.Universe))
	for _, u := range meta.Universe {
		canonical := a.Canonicalize(u.Name)
		tick := 1.0
		for i := 0; i < u.SzDecimals; i++ {
			tick /= 10
		}
		out[canonical] = exchange.MarketInfo{
			Symbol:            canonical,
			BaseAsset:         u.Name,
			QuoteAsset:        "USDT",
			LotSize:           tick,
			QuantityPrecision: u.SzDecimals,
		}
	}
	return out, nil
}

func (a *Adapter) GetTicker(ctx context.Context, sym string) (exchange.Ticker, error) {
	coin := a.coin(sym)
	mids, err := a.client.Info().AllMids(ctx)
	if err != nil {
		return exchange.Ticker{}, &exchange.ExchangeUnreachableError{Err: err}
	}
	raw, ok := mids[coin]
	if !ok {
		return exchange.Ticker{}, &exchange.OrderRejectedError{Msg: "unknown coin " + coin}
	}
	last, _ := strconv.ParseFloat(raw, 64)
	return exchange.Ticker{Symbol: a.Canonicalize(sym), LastPrice: last}, nil
}

func (a *Adapter) GetDepth(ctx context.Context, sym string, limit int) ([][2]float64, [][2]float64, error) {
	coin := a.coin(sym)
	book, err := a.client.Info().L2Book(ctx, coin)
	if err != nil {
		return nil, nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	bids := make([][2]float64, 0, limit)
	asks := make([][2]float64, 0, limit)
	if len(book.Levels) >= 2 {
		for i, lvl := range book.Levels[0] {
			if i >= limit {
				break
			}
			p, _ := strconv.ParseFloat(lvl.Px, 64)
			q, _ := strconv.ParseFloat(lvl.Sz, 64)
			bids = append(bids, [2]float64{p, q})
		}
		for i, lvl := range book.Levels[1] {
			if i >= limit {
				break
			}
			p, _ := strconv.ParseFloat(lvl.Px, 64)
			q, _ := strconv.ParseFloat(lvl.Sz, 64)
			asks = append(asks, [2]float64{p, q})
		}
	}
	return bids, asks, nil
}

func (a *Adapter) GetKlines(ctx context.Context, sym, interval string, start, end int64, limit int) ([]exchange.Kline, error) {
	coin := a.coin(sym)
	candles, err := a.client.Info().CandlesSnapshot(ctx, coin, interval, start, end)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.Kline, 0, len(candles))
	for _, c := range candles {
		o, _ := strconv.ParseFloat(c.Open, 64)
		h, _ := strconv.ParseFloat(c.High, 64)
		l, _ := strconv.ParseFloat(c.Low, 64)
		cl, _ := strconv.ParseFloat(c.Close, 64)
		v, _ := strconv.ParseFloat(c.Volume, 64)
		out = append(out, exchange.Kline{OpenTimeMs: c.TimeOpen, Open: o, High: h, Low: l, Close: cl, Volume: v})
		if len(out) >= limit && limit > 0 {
			break
		}
	}
	return out, nil
}

func (a *Adapter) GetServerTime(ctx context.Context) (int64, error) {
	// Hyperliquid has no dedicated server-time endpoint; this method
	// always returns an error.
	return 0, fmt.Errorf("hyperliquid: server time not supported, use local clock")
}

func (a *Adapter) GetBalance(ctx context.Context) ([]exchange.Balance, error) {
	state, err := a.client.Info().UserState(ctx, a.walletAddr)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	accountValue, _ := strconv.ParseFloat(state.CrossMarginSummary.AccountValue, 64)
	marginUsed, _ := strconv.ParseFloat(state.CrossMarginSummary.TotalMarginUsed, 64)
	withdrawable, _ := strconv.ParseFloat(state.Withdrawable, 64)
	available := withdrawable
	if available == 0 {
		available = accountValue - marginUsed
	}
	locked := accountValue - available
	if locked < 0 {
		locked = 0
	}
	return []exchange.Balance{{Asset: "USDC", Available: available, Locked: locked}}, nil
}

func (a *Adapter) GetPositions(ctx context.Context, sym string) ([]exchange.PositionInfo, error) {
	state, err := a.client.Info().UserState(ctx, a.walletAddr)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.PositionInfo, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		pos := ap.Position
		amt, _ := strconv.ParseFloat(pos.Szi, 64)
		if amt == 0 {
			continue
		}
		canonical := a.Canonicalize(pos.Coin)
		if sym != "" && canonical != a.Canonicalize(sym) {
			continue
		}
		side := exchange.Long
		if amt < 0 {
			side = exchange.Short
			amt = -amt
		}
		var entry float64
		if pos.EntryPx != nil {
			entry, _ = strconv.ParseFloat(*pos.EntryPx, 64)
		}
		value, _ := strconv.ParseFloat(pos.PositionValue, 64)
		upl, _ := strconv.ParseFloat(pos.UnrealizedPnl, 64)
		var mark float64
		if amt != 0 {
			mark = value / amt
		}
		out = append(out, exchange.PositionInfo{
			Symbol: canonical, Side: side, Quantity: amt,
			EntryPrice: entry, MarkPrice: mark, UnrealizedPnL: upl,
		})
	}
	return out, nil
}

func (a *Adapter) ExecuteOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	coin := a.coin(req.Symbol)
	if _, err := a.assetID(coin); err != nil {
		return exchange.OrderResponse{}, &exchange.OrderRejectedError{Msg: err.Error()}
	}

	isBuy := req.Side == exchange.Buy
	orderType := hl.OrderType{Limit: &hl.LimitOrderType{Tif: "Ioc"}}
	if req.Type == exchange.Limit {
		orderType = hl.OrderType{Limit: &hl.LimitOrderType{Tif: "Gtc"}}
	}

	resp, err := a.client.Order(ctx, hl.OrderRequest{
		Coin:       coin,
		IsBuy:      isBuy,
		Sz:         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		LimitPx:    strconv.FormatFloat(req.Price, 'f', -1, 64),
		OrderType:  orderType,
		ReduceOnly: req.ReduceOnly,
	})
	if err != nil {
		return exchange.OrderResponse{}, &exchange.ExchangeUnreachableError{Err: err}
	}
	if resp.Status != "ok" {
		return exchange.OrderResponse{}, &exchange.OrderRejectedError{Msg: resp.Status}
	}

	var venueID string
	var filled float64
	var avgPx float64
	status := exchange.StatusOpen
	for _, s := range resp.Response.Data.Statuses {
		if s.Resting != nil {
			venueID = strconv.Itoa(s.Resting.Oid)
		}
		if s.Filled != nil {
			venueID = strconv.Itoa(s.Filled.Oid)
			filled, _ = strconv.ParseFloat(s.Filled.TotalSz, 64)
			avgPx, _ = strconv.ParseFloat(s.Filled.AvgPx, 64)
			status = exchange.StatusFilled
		}
	}

	return exchange.OrderResponse{
		VenueOrderID: venueID, Status: status,
		Price: avgPx, Quantity: req.Quantity, FilledQty: filled,
	}, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, sym string) ([]exchange.OrderResponse, error) {
	orders, err := a.client.Info().OpenOrders(ctx, a.walletAddr)
	if err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	coin := ""
	if sym != "" {
		coin = a.coin(sym)
	}
	out := make([]exchange.OrderResponse, 0, len(orders))
	for _, o := range orders {
		if coin != "" && o.Coin != coin {
			continue
		}
		price, _ := strconv.ParseFloat(o.LimitPx, 64)
		sz, _ := strconv.ParseFloat(o.Sz, 64)
		out = append(out, exchange.OrderResponse{
			VenueOrderID: strconv.Itoa(o.Oid), Status: exchange.StatusOpen,
			Price: price, Quantity: sz,
		})
	}
	return out, nil
}

func (a *Adapter) GetOrder(ctx context.Context, venueOrderID, sym string) (exchange.OrderResponse, error) {
	oid, err := strconv.Atoi(venueOrderID)
	if err != nil {
		return exchange.OrderResponse{}, &exchange.OrderRejectedError{Msg: "invalid order id"}
	}
	status, err := a.client.Info().OrderStatus(ctx, a.walletAddr, oid)
	if err != nil {
		return exchange.OrderResponse{Status: exchange.StatusNotFound}, nil
	}
	if status.Order == nil {
		return exchange.OrderResponse{Status: exchange.StatusNotFound}, nil
	}
	order := status.Order.Order
	price, _ := strconv.ParseFloat(order.LimitPx, 64)
	sz, _ := strconv.ParseFloat(order.Sz, 64)
	origSz, _ := strconv.ParseFloat(order.OrigSz, 64)
	filled := origSz - sz

	var st exchange.OrderStatus
	switch status.Order.Status {
	case "filled":
		st = exchange.StatusFilled
	case "canceled":
		st = exchange.StatusCancelled
	case "open":
		st = exchange.StatusOpen
	default:
		st = exchange.StatusNotFound
	}

	return exchange.OrderResponse{
		VenueOrderID: venueOrderID, Status: st,
		Price: price, Quantity: origSz, FilledQty: filled,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, sym, venueOrderID string) error {
	oid, err := strconv.Atoi(venueOrderID)
	if err != nil {
		return &exchange.OrderRejectedError{Msg: "invalid order id"}
	}
	coin := a.coin(sym)
	_, err = a.client.Cancel(ctx, coin, oid)
	if err != nil {
		return &exchange.ExchangeUnreachableError{Err: err}
	}
	return nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, sym string) error {
	open, err := a.GetOpenOrders(ctx, sym)
	if err != nil {
		return err
	}
	for _, o := range open {
		if err := a.CancelOrder(ctx, sym, o.VenueOrderID); err != nil {
			return err
		}
	}
	return nil
}

var _ exchange.Adapter = (*Adapter)(nil)
