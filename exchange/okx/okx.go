// Package okx implements the exchange.Adapter contract over OKX's
// REST API using its HMAC-SHA256-with-passphrase signing regime
// (spec §4.A mechanism 2): the request preimage is
// <ISO8601 timestamp><METHOD><path><body>, HMAC-SHA256'd with the
// account secret and base64-encoded, then sent with the key,
// signature, timestamp and passphrase as separate headers.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradecore/exchange"
	"tradecore/exchange/symbol"
)

// okxRateLimit mirrors OKX's published REST throttle for the trade
// endpoints this adapter uses (60 requests / 2s, i.e. ~30rps).
const okxRateLimit = 30

const (
	baseURL            = "https://www.okx.com"
	pathBalance        = "/api/v5/account/balance"
	pathPositions      = "/api/v5/account/positions"
	pathOrder          = "/api/v5/trade/order"
	pathCancelOrder    = "/api/v5/trade/cancel-order"
	pathPendingOrders  = "/api/v5/trade/orders-pending"
	pathOrderDetail    = "/api/v5/trade/order"
	pathTicker         = "/api/v5/market/ticker"
	pathInstruments    = "/api/v5/public/instruments"
	pathCandles        = "/api/v5/market/candles"
	pathServerTime     = "/api/v5/public/time"
	pathBooks          = "/api/v5/market/books"
)

// Adapter talks to OKX's perpetual swap REST API.
type Adapter struct {
	apiKey     string
	secretKey  string
	passphrase string

	httpClient *http.Client
	limiter    *rate.Limiter

	instrumentsMu   sync.RWMutex
	instruments     map[string]exchange.MarketInfo
	instrumentsTime time.Time
}

// New constructs an OKX adapter. Credentials come from config.ExchangeCredentials.
func New(apiKey, secretKey, passphrase string) *Adapter {
	return &Adapter{
		apiKey:      apiKey,
		secretKey:   secretKey,
		passphrase:  passphrase,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(okxRateLimit), okxRateLimit),
		instruments: make(map[string]exchange.MarketInfo),
	}
}

// Canonicalize converts a canonical "BTCUSDT" style symbol, or OKX's
// own "BTC-USDT-SWAP" form, to the canonical BASEQUOTE form.
func (a *Adapter) Canonicalize(sym string) string { return symbol.Canonical(sym) }

func (a *Adapter) toInstID(canonical string) string {
	base, quote, ok := symbol.Split(canonical, []string{"USDT", "USDC", "USD"})
	if !ok {
		return canonical
	}
	return symbol.ToOKX(base, quote)
}

func (a *Adapter) sign(timestamp, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(a.secretKey))
	h.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("okx: marshal request: %w", err)
		}
		bodyBytes = b
	}

	return exchange.WithRateLimitRetry(ctx, func() ([]byte, error) {
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		signature := a.sign(timestamp, method, path, string(bodyBytes))

		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("okx: build request: %w", err)
		}
		req.Header.Set("OK-ACCESS-KEY", a.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", signature)
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", a.passphrase)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, &exchange.ExchangeUnreachableError{Err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &exchange.ExchangeUnreachableError{Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &exchange.RateLimitedError{Err: fmt.Errorf("okx: http 429")}
		}

		var parsed apiResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, &exchange.ExchangeUnreachableError{Err: fmt.Errorf("decode response: %w", err)}
		}
		if parsed.Code != "0" && parsed.Code != "1" {
			return nil, &exchange.OrderRejectedError{Msg: fmt.Sprintf("code=%s msg=%s", parsed.Code, parsed.Msg)}
		}
		return parsed.Data, nil
	})
}

// GetMarkets fetches instrument precision/limits for all SWAP instruments.
func (a *Adapter) GetMarkets(ctx context.Context) (map[string]exchange.MarketInfo, error) {
	data, err := a.doRequest(ctx, http.MethodGet, pathInstruments+"?instType=SWAP", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		InstId string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		TickSz string `json:"tickSz"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}

	out := make(map[string]exchange.MarketInfo, len(raw))
	for _, r := range raw {
		parts := strings.Split(r.InstId, "-")
		if len(parts) < 2 {
			continue
		}
		canonical := parts[0] + parts[1]
		tick, _ := strconv.ParseFloat(r.TickSz, 64)
		lot, _ := strconv.ParseFloat(r.LotSz, 64)
		minSz, _ := strconv.ParseFloat(r.MinSz, 64)
		info := exchange.MarketInfo{
			Symbol:      canonical,
			BaseAsset:   parts[0],
			QuoteAsset:  parts[1],
			PriceTick:   tick,
			LotSize:     lot,
			MinNotional: minSz,
		}
		out[canonical] = info
	}

	a.instrumentsMu.Lock()
	a.instruments = out
	a.instrumentsTime = time.Now()
	a.instrumentsMu.Unlock()
	return out, nil
}

func (a *Adapter) GetTicker(ctx context.Context, sym string) (exchange.Ticker, error) {
	instID := a.toInstID(symbol.Canonical(sym))
	data, err := a.doRequest(ctx, http.MethodGet, pathTicker+"?instId="+neturl.QueryEscape(instID), nil)
	if err != nil {
		return exchange.Ticker{}, err
	}
	var raw []struct {
		Last string `json:"last"`
		High string `json:"high24h"`
		Low  string `json:"low24h"`
		Vol  string `json:"vol24h"`
		Ts   string `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return exchange.Ticker{}, &exchange.ExchangeUnreachableError{Err: fmt.Errorf("okx: empty ticker")}
	}
	last, _ := strconv.ParseFloat(raw[0].Last, 64)
	high, _ := strconv.ParseFloat(raw[0].High, 64)
	low, _ := strconv.ParseFloat(raw[0].Low, 64)
	vol, _ := strconv.ParseFloat(raw[0].Vol, 64)
	tsMs, _ := strconv.ParseInt(raw[0].Ts, 10, 64)
	return exchange.Ticker{
		Symbol:    symbol.Canonical(sym),
		LastPrice: last,
		HighPrice: high,
		LowPrice:  low,
		Volume:    vol,
		Timestamp: time.UnixMilli(tsMs),
	}, nil
}

func (a *Adapter) GetDepth(ctx context.Context, sym string, limit int) (bids, asks [][2]float64, err error) {
	instID := a.toInstID(symbol.Canonical(sym))
	path := fmt.Sprintf("%s?instId=%s&sz=%d", pathBooks, neturl.QueryEscape(instID), limit)
	data, derr := a.doRequest(ctx, http.MethodGet, path, nil)
	if derr != nil {
		return nil, nil, derr
	}
	var raw []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, nil, &exchange.ExchangeUnreachableError{Err: fmt.Errorf("okx: empty book")}
	}
	bids = parseLevels(raw[0].Bids)
	asks = parseLevels(raw[0].Asks)
	return bids, asks, nil
}

func parseLevels(levels [][]string) [][2]float64 {
	out := make([][2]float64, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		qty, _ := strconv.ParseFloat(lvl[1], 64)
		out = append(out, [2]float64{price, qty})
	}
	return out
}

func (a *Adapter) GetKlines(ctx context.Context, sym, interval string, start, end int64, limit int) ([]exchange.Kline, error) {
	instID := a.toInstID(symbol.Canonical(sym))
	path := fmt.Sprintf("%s?instId=%s&bar=%s&limit=%d", pathCandles, neturl.QueryEscape(instID), interval, limit)
	data, err := a.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var raw [][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.Kline, 0, len(raw))
	for _, r := range raw {
		if len(r) < 6 {
			continue
		}
		ot, _ := strconv.ParseInt(r[0], 10, 64)
		o, _ := strconv.ParseFloat(r[1], 64)
		h, _ := strconv.ParseFloat(r[2], 64)
		l, _ := strconv.ParseFloat(r[3], 64)
		c, _ := strconv.ParseFloat(r[4], 64)
		v, _ := strconv.ParseFloat(r[5], 64)
		out = append(out, exchange.Kline{OpenTimeMs: ot, Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return out, nil
}

func (a *Adapter) GetServerTime(ctx context.Context) (int64, error) {
	data, err := a.doRequest(ctx, http.MethodGet, pathServerTime, nil)
	if err != nil {
		return 0, err
	}
	var raw []struct {
		Ts string `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return 0, &exchange.ExchangeUnreachableError{Err: fmt.Errorf("okx: empty server time")}
	}
	ms, _ := strconv.ParseInt(raw[0].Ts, 10, 64)
	return ms, nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]exchange.Balance, error) {
	data, err := a.doRequest(ctx, http.MethodGet, pathBalance, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, &exchange.ExchangeUnreachableError{Err: fmt.Errorf("okx: empty balance")}
	}
	out := make([]exchange.Balance, 0, len(raw[0].Details))
	for _, d := range raw[0].Details {
		avail, _ := strconv.ParseFloat(d.AvailBal, 64)
		frozen, _ := strconv.ParseFloat(d.FrozenBal, 64)
		out = append(out, exchange.Balance{Asset: d.Ccy, Available: avail, Locked: frozen})
	}
	return out, nil
}

func (a *Adapter) GetPositions(ctx context.Context, sym string) ([]exchange.PositionInfo, error) {
	path := pathPositions + "?instType=SWAP"
	if sym != "" {
		path += "&instId=" + neturl.QueryEscape(a.toInstID(symbol.Canonical(sym)))
	}
	data, err := a.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		InstId  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.PositionInfo, 0, len(raw))
	for _, r := range raw {
		qty, _ := strconv.ParseFloat(r.Pos, 64)
		if qty == 0 {
			continue
		}
		if qty < 0 {
			qty = -qty
		}
		entry, _ := strconv.ParseFloat(r.AvgPx, 64)
		mark, _ := strconv.ParseFloat(r.MarkPx, 64)
		upl, _ := strconv.ParseFloat(r.Upl, 64)
		side := exchange.Long
		if r.PosSide == "short" {
			side = exchange.Short
		}
		parts := strings.Split(r.InstId, "-")
		canonical := r.InstId
		if len(parts) >= 2 {
			canonical = parts[0] + parts[1]
		}
		out = append(out, exchange.PositionInfo{
			Symbol: canonical, Side: side, Quantity: qty,
			EntryPrice: entry, MarkPrice: mark, UnrealizedPnL: upl,
		})
	}
	return out, nil
}

func (a *Adapter) ExecuteOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	instID := a.toInstID(symbol.Canonical(req.Symbol))
	side := "buy"
	if req.Side == exchange.Sell {
		side = "sell"
	}
	posSide := "long"
	if (req.Side == exchange.Sell && !req.ReduceOnly) || (req.Side == exchange.Buy && req.ReduceOnly) {
		posSide = "short"
	}
	ordType := "market"
	switch req.Type {
	case exchange.Limit:
		ordType = "limit"
	case exchange.IOC:
		ordType = "ioc"
	case exchange.FOK:
		ordType = "fok"
	}

	body := map[string]any{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    side,
		"posSide": posSide,
		"ordType": ordType,
		"sz":      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Type != exchange.Market {
		body["px"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	data, err := a.doRequest(ctx, http.MethodPost, pathOrder, body)
	if err != nil {
		return exchange.OrderResponse{}, err
	}
	var raw []struct {
		OrdId string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return exchange.OrderResponse{}, &exchange.ExchangeUnreachableError{Err: fmt.Errorf("okx: empty order response")}
	}
	if raw[0].SCode != "0" {
		return exchange.OrderResponse{}, &exchange.OrderRejectedError{Msg: raw[0].SMsg}
	}
	return exchange.OrderResponse{
		VenueOrderID: raw[0].OrdId,
		Status:       exchange.StatusOpen,
		Price:        req.Price,
		Quantity:     req.Quantity,
	}, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, sym string) ([]exchange.OrderResponse, error) {
	path := pathPendingOrders + "?instType=SWAP"
	if sym != "" {
		path += "&instId=" + neturl.QueryEscape(a.toInstID(symbol.Canonical(sym)))
	}
	data, err := a.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrdId     string `json:"ordId"`
		Px        string `json:"px"`
		Sz        string `json:"sz"`
		AccFillSz string `json:"accFillSz"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.OrderResponse, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Px, 64)
		qty, _ := strconv.ParseFloat(r.Sz, 64)
		filled, _ := strconv.ParseFloat(r.AccFillSz, 64)
		out = append(out, exchange.OrderResponse{
			VenueOrderID: r.OrdId, Status: mapState(r.State),
			Price: price, Quantity: qty, FilledQty: filled,
		})
	}
	return out, nil
}

func (a *Adapter) GetOrder(ctx context.Context, venueOrderID, sym string) (exchange.OrderResponse, error) {
	instID := a.toInstID(symbol.Canonical(sym))
	path := fmt.Sprintf("%s?instId=%s&ordId=%s", pathOrderDetail, neturl.QueryEscape(instID), neturl.QueryEscape(venueOrderID))
	data, err := a.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return exchange.OrderResponse{}, err
	}
	var raw []struct {
		OrdId     string `json:"ordId"`
		Px        string `json:"px"`
		Sz        string `json:"sz"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		Fee       string `json:"fee"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return exchange.OrderResponse{Status: exchange.StatusNotFound}, nil
	}
	r := raw[0]
	price, _ := strconv.ParseFloat(r.Px, 64)
	qty, _ := strconv.ParseFloat(r.Sz, 64)
	filled, _ := strconv.ParseFloat(r.AccFillSz, 64)
	avg, _ := strconv.ParseFloat(r.AvgPx, 64)
	fee, _ := strconv.ParseFloat(r.Fee, 64)
	if fee < 0 {
		fee = -fee
	}
	if avg > 0 {
		price = avg
	}
	return exchange.OrderResponse{
		VenueOrderID: r.OrdId, Status: mapState(r.State),
		Price: price, Quantity: qty, FilledQty: filled, Commission: fee,
	}, nil
}

func mapState(state string) exchange.OrderStatus {
	switch state {
	case "live", "partially_filled":
		return exchange.StatusOpen
	case "filled":
		return exchange.StatusFilled
	case "canceled":
		return exchange.StatusCancelled
	default:
		return exchange.StatusNotFound
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, sym, venueOrderID string) error {
	instID := a.toInstID(symbol.Canonical(sym))
	body := map[string]any{"instId": instID, "ordId": venueOrderID}
	_, err := a.doRequest(ctx, http.MethodPost, pathCancelOrder, body)
	return err
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
