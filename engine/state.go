package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// state holds the three maps the engine exclusively owns — order,
// position, and balance (spec §3.2) — each behind its own mutex so
// that no lock is ever held across a suspension point.
type state struct {
	orderSeq atomic.Int64

	ordersMu sync.RWMutex
	orders   map[string]*Order // order_id -> Order

	positionsMu sync.RWMutex
	positions   map[string]*Position // symbol -> Position

	balanceMu        sync.RWMutex
	cachedBalance    map[string]float64 // asset -> available
	balanceCacheTime time.Time
	balanceCacheTTL  time.Duration
}

func newState(balanceCacheTTL time.Duration) *state {
	return &state{
		orders:          make(map[string]*Order),
		positions:       make(map[string]*Position),
		cachedBalance:   make(map[string]float64),
		balanceCacheTTL: balanceCacheTTL,
	}
}

// nextOrderID is strictly monotonic per engine lifetime, tagged with
// a millisecond timestamp (spec §4.D submission path, step 1).
func (s *state) nextOrderID() string {
	seq := s.orderSeq.Add(1)
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq)
}

func (s *state) putOrder(o *Order) {
	s.ordersMu.Lock()
	s.orders[o.OrderID] = o
	s.ordersMu.Unlock()
}

func (s *state) getOrder(orderID string) (*Order, bool) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[orderID]
	return o, ok
}

func (s *state) removeOrder(orderID string) {
	s.ordersMu.Lock()
	delete(s.orders, orderID)
	s.ordersMu.Unlock()
}

// nonTerminalOrders returns a snapshot of orders not yet in a
// terminal state, for the status poll loop.
func (s *state) nonTerminalOrders() []*Order {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	out := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		if !o.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// hasOpenOrder reports whether any non-terminal order exists for
// symbol (spec §4.E dispatch step 4, "prevents stacking signals").
func (s *state) hasOpenOrder(symbol string) bool {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.Terminal() {
			return true
		}
	}
	return false
}

func (s *state) getPosition(symbol string) (*Position, bool) {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

func (s *state) allPositions() []*Position {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

func (s *state) deletePosition(symbol string) {
	s.positionsMu.Lock()
	delete(s.positions, symbol)
	s.positionsMu.Unlock()
}

func (s *state) putPosition(p *Position) {
	s.positionsMu.Lock()
	s.positions[p.Symbol] = p
	s.positionsMu.Unlock()
}

// totalUsedMargin sums entry_price*quantity/leverage across all
// positions (spec §4.E dispatch step 3).
func (s *state) totalUsedMargin(leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	total := 0.0
	for _, p := range s.positions {
		total += p.EntryPrice * p.Quantity / leverage
	}
	return total
}

// cachedAccountCapital returns cached USDC+USDT available balance,
// refreshing via fetch when the TTL has expired (spec §4.D step 4,
// §4.E dispatch step 2 — a 10-second cache).
func (s *state) cachedAccountCapital(fetch func() (map[string]float64, error)) (float64, error) {
	s.balanceMu.RLock()
	fresh := time.Since(s.balanceCacheTime) < s.balanceCacheTTL
	cached := s.cachedBalance
	s.balanceMu.RUnlock()

	if fresh {
		return sumUSD(cached), nil
	}

	balances, err := fetch()
	if err != nil {
		s.balanceMu.RLock()
		stale := sumUSD(s.cachedBalance)
		s.balanceMu.RUnlock()
		return stale, err
	}

	s.balanceMu.Lock()
	s.cachedBalance = balances
	s.balanceCacheTime = time.Now()
	s.balanceMu.Unlock()

	return sumUSD(balances), nil
}

func sumUSD(balances map[string]float64) float64 {
	return balances["USDC"] + balances["USDT"]
}
