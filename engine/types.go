// Package engine implements the Live Trading Engine (spec §4.D/§4.E):
// the per-instance order/position/balance state and the five
// supervised background goroutines that drive it. Cache-mutex idioms
// are grounded on the teacher's balance/position/instrument caches in
// trader/okx_trader.go and trader/hyperliquid_trader.go (a sync.RWMutex
// guarding a cached value plus a TTL), generalized here from
// read-through caching into authoritative order/position state.
package engine

import (
	"time"

	"tradecore/exchange"
)

// OrderSide mirrors exchange.Side for engine-local bookkeeping.
type OrderSide = exchange.Side

// Order is the engine's local order record (spec §3.1).
type Order struct {
	OrderID         string
	VenueOrderID    string
	Symbol          string
	Side            exchange.Side
	Type            exchange.OrderType
	Quantity        float64
	Price           float64
	ReduceOnly      bool
	PostOnly        bool
	Status          exchange.OrderStatus
	FilledQuantity  float64
	Commission      float64
	NotFoundCount   int
	Signal          *Signal
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FilledAt        time.Time
}

// Terminal reports whether the order has reached a terminal state.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// Position is the engine's local position record (spec §3.1).
type Position struct {
	Symbol        string
	Side          exchange.PositionSide
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	RealizedPnL   float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Signal is a strategy's decision for a single symbol (spec §3.1).
type Signal struct {
	Symbol     string
	Action     string // "buy" | "sell" | "hold"
	Quantity   float64
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
	Confidence float64
	Rationale  string
}

// Kline is one OHLCV bar fed to a strategy's in-memory series.
type Kline = exchange.Kline

// PortfolioSnapshot is persisted every ~60s by the snapshot loop.
type PortfolioSnapshot struct {
	Timestamp       time.Time
	PortfolioValue  float64
	CashBalance     float64
	PositionsValue  float64
	DailyPnL        float64
	DailyReturnPct  float64
}

// Trade is the immutable trade record written on every fill.
type Trade struct {
	TradeID          string
	OrderID          string
	Symbol           string
	Side             exchange.Side
	Quantity         float64
	Price            float64
	Commission       float64
	CommissionAsset  string
	IsMaker          bool
	Timestamp        time.Time
}

// OrderUpdateFunc and friends are the engine's callback hooks,
// invoked synchronously from the owning goroutine's critical section
// per spec §4.D ("notify order-update callbacks").
type OrderUpdateFunc func(*Order)
type PositionUpdateFunc func(*Position)
type TradeFunc func(*Trade)
