package exchange

import "context"

// Adapter is the uniform capability set every venue-specific
// implementation exposes (spec §4.A). Every method that can block on
// I/O takes a context so cancellation propagates from the engine's
// background loops within the one-second budget of spec §5.
type Adapter interface {
	GetMarkets(ctx context.Context) (map[string]MarketInfo, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetDepth(ctx context.Context, symbol string, limit int) (bids, asks [][2]float64, err error)
	GetKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Kline, error)
	GetServerTime(ctx context.Context) (int64, error)

	GetBalance(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error)

	ExecuteOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
	GetOrder(ctx context.Context, venueOrderID, symbol string) (OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// Canonicalize translates an accepted symbol spelling into the
	// module's canonical BASEQUOTE form (e.g. "BTCUSDT"). It does not
	// return the venue's own spelling: each adapter derives that
	// internally when it builds a request. It must be idempotent and
	// total (spec §4.A, §8 invariant 6).
	Canonicalize(symbol string) string
}
