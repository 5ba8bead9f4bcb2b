// Package apex implements the exchange.Adapter contract over an
// EdDSA-signed REST venue (spec §4.A mechanism 1): the signed
// preimage is the canonical string
//
//	instruction=<verb>&<sorted-key=value pairs joined by &>&timestamp=<ms>&window=<ms>
//
// Ed25519-signed and base64-encoded into the request's signature
// header. No pack example implements true Ed25519 signing (the
// closest, Hyperliquid/Polymarket, both sign secp256k1/EIP-712); this
// is the one place the module reaches for crypto/ed25519 directly —
// see the exchange/apex entry in DESIGN.md.
package apex

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradecore/exchange"
	"tradecore/exchange/symbol"
)

const (
	baseURL          = "https://pro.apex.exchange"
	pathMarkets      = "/api/v3/symbols"
	pathTicker       = "/api/v3/ticker"
	pathKlines       = "/api/v3/klines"
	pathServerTime   = "/api/v3/time"
	pathBalance      = "/api/v3/account/balance"
	pathPositions    = "/api/v3/account/positions"
	pathOrder        = "/api/v3/order"
	pathOpenOrders   = "/api/v3/orders/open"
	pathCancelOrder  = "/api/v3/order/cancel"
	pathCancelAll    = "/api/v3/orders/cancel-all"
	signWindowMs     = 5000
)

// Adapter talks to an EdDSA-signed perpetuals REST API.
type Adapter struct {
	apiKey     string
	privateKey ed25519.PrivateKey
	httpClient *http.Client
}

// New constructs an adapter from a raw Ed25519 seed. privateKeySeed
// must be exactly ed25519.SeedSize bytes; no base64 or hex decoding is
// applied to it.
func New(apiKey string, privateKeySeed []byte) (*Adapter, error) {
	if len(privateKeySeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("apex: private key seed must be %d bytes, got %d", ed25519.SeedSize, len(privateKeySeed))
	}
	return &Adapter{
		apiKey:     apiKey,
		privateKey: ed25519.NewKeyFromSeed(privateKeySeed),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *Adapter) Canonicalize(sym string) string { return symbol.Canonical(sym) }

// sign builds the canonical instruction string and signs it:
// instruction=<verb>&<sorted kv>&timestamp=<ms>&window=<ms>
func (a *Adapter) sign(verb string, params map[string]string, timestampMs, windowMs int64) (canonical, signature string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	sortedKV := sb.String()

	canonical = fmt.Sprintf("instruction=%s&%s&timestamp=%d&window=%d", verb, sortedKV, timestampMs, windowMs)
	sig := ed25519.Sign(a.privateKey, []byte(canonical))
	return canonical, base64.StdEncoding.EncodeToString(sig)
}

func (a *Adapter) doRequest(ctx context.Context, method, path, verb string, params map[string]string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("apex: marshal request: %w", err)
		}
		bodyBytes = b
	}

	q := neturl.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	url := baseURL + path
	if len(q) > 0 {
		url += "?" + q.Encode()
	}

	return exchange.WithRateLimitRetry(ctx, func() ([]byte, error) {
		timestamp := time.Now().UnixMilli()
		_, signature := a.sign(verb, params, timestamp, signWindowMs)

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("apex: build request: %w", err)
		}
		req.Header.Set("APEX-API-KEY", a.apiKey)
		req.Header.Set("APEX-SIGNATURE", signature)
		req.Header.Set("APEX-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("APEX-WINDOW", strconv.Itoa(signWindowMs))
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
			return nil, &exchange.RateLimitedError{Err: fmt.Errorf("apex: http 429")}
		}
		if resp.StatusCode >= 400 {
			return nil, &exchange.OrderRejectedError{Msg: string(respBody)}
		}
		return respBody, nil
	})
}

func (a *Adapter) GetMarkets(ctx context.Context) (map[string]exchange.MarketInfo, error) {
	data, err := a.doRequest(ctx, http.MethodGet, pathMarkets, "GetMarkets", nil, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbols []struct {
			Symbol         string `json:"symbol"`
			TickSize       string `json:"tickSize"`
			StepSize       string `json:"stepSize"`
			MinNotional    string `json:"minNotional"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make(map[string]exchange.MarketInfo, len(raw.Symbols))
	for _, s := range raw.Symbols {
		canonical := symbol.Canonical(s.Symbol)
		tick, _ := strconv.ParseFloat(s.TickSize, 64)
		step, _ := strconv.ParseFloat(s.StepSize, 64)
		minNotional, _ := strconv.ParseFloat(s.MinNotional, 64)
		out[canonical] = exchange.MarketInfo{Symbol: canonical, PriceTick: tick, LotSize: step, MinNotional: minNotional}
	}
	return out, nil
}

func (a *Adapter) GetTicker(ctx context.Context, sym string) (exchange.Ticker, error) {
	venueSym := symbol.ToApex(splitBaseQuote(symbol.Canonical(sym)))
	data, err := a.doRequest(ctx, http.MethodGet, pathTicker, "GetTicker", map[string]string{"symbol": venueSym}, nil)
	if err != nil {
		return exchange.Ticker{}, err
	}
	var raw struct {
		LastPrice string `json:"lastPrice"`
		HighPrice string `json:"highPrice"`
		LowPrice  string `json:"lowPrice"`
		Volume    string `json:"volume"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return exchange.Ticker{}, &exchange.ExchangeUnreachableError{Err: err}
	}
	last, _ := strconv.ParseFloat(raw.LastPrice, 64)
	high, _ := strconv.ParseFloat(raw.HighPrice, 64)
	low, _ := strconv.ParseFloat(raw.LowPrice, 64)
	vol, _ := strconv.ParseFloat(raw.Volume, 64)
	return exchange.Ticker{Symbol: symbol.Canonical(sym), LastPrice: last, HighPrice: high, LowPrice: low, Volume: vol, Timestamp: time.Now()}, nil
}

func (a *Adapter) GetDepth(ctx context.Context, sym string, limit int) ([][2]float64, [][2]float64, error) {
	return nil, nil, fmt.Errorf("apex: depth snapshots not wired for this venue")
}

func (a *Adapter) GetKlines(ctx context.Context, sym, interval string, start, end int64, limit int) ([]exchange.Kline, error) {
	venueSym := symbol.ToApex(splitBaseQuote(symbol.Canonical(sym)))
	params := map[string]string{
		"symbol":   venueSym,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	data, err := a.doRequest(ctx, http.MethodGet, pathKlines, "GetKlines", params, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Start  int64  `json:"start"`
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.Kline, 0, len(raw))
	for _, r := range raw {
		o, _ := strconv.ParseFloat(r.Open, 64)
		h, _ := strconv.ParseFloat(r.High, 64)
		l, _ := strconv.ParseFloat(r.Low, 64)
		c, _ := strconv.ParseFloat(r.Close, 64)
		v, _ := strconv.ParseFloat(r.Volume, 64)
		out = append(out, exchange.Kline{OpenTimeMs: r.Start, Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return out, nil
}

func (a *Adapter) GetServerTime(ctx context.Context) (int64, error) {
	data, err := a.doRequest(ctx, http.MethodGet, pathServerTime, "GetServerTime", nil, nil)
	if err != nil {
		return 0, err
	}
	var raw struct {
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, &exchange.ExchangeUnreachableError{Err: err}
	}
	return raw.Time, nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]exchange.Balance, error) {
	data, err := a.doRequest(ctx, http.MethodGet, pathBalance, "GetBalance", nil, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	avail, _ := strconv.ParseFloat(raw.Available, 64)
	locked, _ := strconv.ParseFloat(raw.Locked, 64)
	return []exchange.Balance{{Asset: "USDC", Available: avail, Locked: locked}}, nil
}

func (a *Adapter) GetPositions(ctx context.Context, sym string) ([]exchange.PositionInfo, error) {
	params := map[string]string{}
	if sym != "" {
		params["symbol"] = symbol.ToApex(splitBaseQuote(symbol.Canonical(sym)))
	}
	data, err := a.doRequest(ctx, http.MethodGet, pathPositions, "GetPositions", params, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Size       string `json:"size"`
		EntryPrice string `json:"entryPrice"`
		MarkPrice  string `json:"markPrice"`
		UnrealPnl  string `json:"unrealizedPnl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.PositionInfo, 0, len(raw))
	for _, r := range raw {
		qty, _ := strconv.ParseFloat(r.Size, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		upl, _ := strconv.ParseFloat(r.UnrealPnl, 64)
		side := exchange.Long
		if strings.EqualFold(r.Side, "SHORT") {
			side = exchange.Short
		}
		out = append(out, exchange.PositionInfo{
			Symbol: symbol.Canonical(r.Symbol), Side: side, Quantity: qty,
			EntryPrice: entry, MarkPrice: mark, UnrealizedPnL: upl,
		})
	}
	return out, nil
}

func (a *Adapter) ExecuteOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	venueSym := symbol.ToApex(splitBaseQuote(symbol.Canonical(req.Symbol)))
	body := map[string]any{
		"symbol":     venueSym,
		"side":       string(req.Side),
		"type":       string(req.Type),
		"quantity":   strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"reduceOnly": req.ReduceOnly,
	}
	if req.Type != exchange.Market {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	data, err := a.doRequest(ctx, http.MethodPost, pathOrder, "PlaceOrder", nil, body)
	if err != nil {
		return exchange.OrderResponse{}, err
	}
	var raw struct {
		OrderID   string `json:"orderId"`
		Status    string `json:"status"`
		Price     string `json:"price"`
		Quantity  string `json:"quantity"`
		FilledQty string `json:"filledQuantity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return exchange.OrderResponse{}, &exchange.ExchangeUnreachableError{Err: err}
	}
	price, _ := strconv.ParseFloat(raw.Price, 64)
	qty, _ := strconv.ParseFloat(raw.Quantity, 64)
	filled, _ := strconv.ParseFloat(raw.FilledQty, 64)
	return exchange.OrderResponse{
		VenueOrderID: raw.OrderID, Status: mapStatus(raw.Status),
		Price: price, Quantity: qty, FilledQty: filled,
	}, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, sym string) ([]exchange.OrderResponse, error) {
	params := map[string]string{}
	if sym != "" {
		params["symbol"] = symbol.ToApex(splitBaseQuote(symbol.Canonical(sym)))
	}
	data, err := a.doRequest(ctx, http.MethodGet, pathOpenOrders, "GetOpenOrders", params, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID   string `json:"orderId"`
		Status    string `json:"status"`
		Price     string `json:"price"`
		Quantity  string `json:"quantity"`
		FilledQty string `json:"filledQuantity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &exchange.ExchangeUnreachableError{Err: err}
	}
	out := make([]exchange.OrderResponse, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		qty, _ := strconv.ParseFloat(r.Quantity, 64)
		filled, _ := strconv.ParseFloat(r.FilledQty, 64)
		out = append(out, exchange.OrderResponse{VenueOrderID: r.OrderID, Status: mapStatus(r.Status), Price: price, Quantity: qty, FilledQty: filled})
	}
	return out, nil
}

func (a *Adapter) GetOrder(ctx context.Context, venueOrderID, sym string) (exchange.OrderResponse, error) {
	params := map[string]string{"orderId": venueOrderID}
	data, err := a.doRequest(ctx, http.MethodGet, pathOrder, "GetOrder", params, nil)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return exchange.OrderResponse{Status: exchange.StatusNotFound}, nil
		}
		return exchange.OrderResponse{}, err
	}
	var raw struct {
		OrderID   string `json:"orderId"`
		Status    string `json:"status"`
		Price     string `json:"price"`
		Quantity  string `json:"quantity"`
		FilledQty string `json:"filledQuantity"`
		Fee       string `json:"fee"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return exchange.OrderResponse{}, &exchange.ExchangeUnreachableError{Err: err}
	}
	price, _ := strconv.ParseFloat(raw.Price, 64)
	qty, _ := strconv.ParseFloat(raw.Quantity, 64)
	filled, _ := strconv.ParseFloat(raw.FilledQty, 64)
	fee, _ := strconv.ParseFloat(raw.Fee, 64)
	return exchange.OrderResponse{
		VenueOrderID: raw.OrderID, Status: mapStatus(raw.Status),
		Price: price, Quantity: qty, FilledQty: filled, Commission: fee,
	}, nil
}

func mapStatus(s string) exchange.OrderStatus {
	switch strings.ToUpper(s) {
	case "OPEN", "PENDING", "PARTIALLY_FILLED":
		return exchange.StatusOpen
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELLED", "CANCELED":
		return exchange.StatusCancelled
	case "REJECTED":
		return exchange.StatusRejected
	default:
		return exchange.StatusNotFound
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, sym, venueOrderID string) error {
	body := map[string]any{"orderId": venueOrderID}
	_, err := a.doRequest(ctx, http.MethodPost, pathCancelOrder, "CancelOrder", nil, body)
	return err
}

func (a *Adapter) CancelAllOrders(ctx context.Context, sym string) error {
	venueSym := symbol.ToApex(splitBaseQuote(symbol.Canonical(sym)))
	body := map[string]any{"symbol": venueSym}
	_, err := a.doRequest(ctx, http.MethodPost, pathCancelAll, "CancelAllOrders", nil, body)
	return err
}

func splitBaseQuote(canonical string) (base, quote string) {
	b, q, ok := symbol.Split(canonical, []string{"USDT", "USDC", "USD"})
	if !ok {
		return canonical, "USDT"
	}
	return b, q
}

var _ exchange.Adapter = (*Adapter)(nil)
