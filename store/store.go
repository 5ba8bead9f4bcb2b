// Package store implements the persistence sink (spec §6.3) over
// modernc.org/sqlite with plain database/sql, following the
// parameterized-SQL idiom ("?" placeholders, CREATE TABLE IF NOT
// EXISTS, RFC3339 timestamps, sql.NullString for nullable columns)
// observed across the teacher's deleted store/*.go files, retargeted
// to this engine's own order/trade/position/snapshot/risk schema
// instead of the teacher's AI-trading one.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tradecore/logger"
)

// Sink is the engine's persistence contract (spec §6.3). Every call
// is fire-and-forget from the engine's point of view.
type Sink interface {
	SaveOrder(OrderRecord) error
	SaveTrade(TradeRecord) error
	SavePosition(PositionRecord) error
	DeletePosition(instanceID, symbol string) error
	SavePortfolioSnapshot(SnapshotRecord) error
	SaveRiskEvent(RiskEventRecord) error
	LoadOpenOrders(instanceID string) ([]OrderRecord, error)
	LoadPositions(instanceID string) ([]PositionRecord, error)
}

// OrderRecord mirrors engine.Order for the storage boundary.
type OrderRecord struct {
	InstanceID     string
	OrderID        string
	VenueOrderID   sql.NullString
	Symbol         string
	Side           string
	Type           string
	Quantity       float64
	Price          float64
	Status         string
	FilledQuantity float64
	Commission     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TradeRecord mirrors engine.Trade.
type TradeRecord struct {
	InstanceID      string
	TradeID         string
	OrderID         string
	Symbol          string
	Side            string
	Quantity        float64
	Price           float64
	Commission      float64
	CommissionAsset string
	IsMaker         bool
	Timestamp       time.Time
}

// PositionRecord mirrors engine.Position.
type PositionRecord struct {
	InstanceID    string
	Symbol        string
	Side          string
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	RealizedPnL   float64
	UpdatedAt     time.Time
}

// SnapshotRecord mirrors engine.PortfolioSnapshot.
type SnapshotRecord struct {
	InstanceID     string
	Timestamp      time.Time
	PortfolioValue float64
	CashBalance    float64
	PositionsValue float64
	DailyPnL       float64
	DailyReturnPct float64
}

// RiskEventRecord mirrors risk.Event.
type RiskEventRecord struct {
	InstanceID string
	Timestamp  time.Time
	Kind       string
	Symbol     string
	Detail     string
}

// SQLiteSink is the concrete Sink backed by a single sqlite file.
type SQLiteSink struct {
	db *sql.DB
}

// Open creates/opens the sqlite database at path and ensures schema.
func Open(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			instance_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			venue_order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			status TEXT NOT NULL,
			filled_quantity REAL NOT NULL DEFAULT 0,
			commission REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (instance_id, order_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(instance_id, status)`,
		`CREATE TABLE IF NOT EXISTS trades (
			instance_id TEXT NOT NULL,
			trade_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			commission REAL NOT NULL,
			commission_asset TEXT NOT NULL,
			is_maker INTEGER NOT NULL DEFAULT 0,
			ts TEXT NOT NULL,
			PRIMARY KEY (instance_id, trade_id)
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			instance_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			mark_price REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (instance_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			instance_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			portfolio_value REAL NOT NULL,
			cash_balance REAL NOT NULL,
			positions_value REAL NOT NULL,
			daily_pnl REAL NOT NULL,
			daily_return_pct REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_instance ON portfolio_snapshots(instance_id, ts)`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			instance_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			detail TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_events_instance ON risk_events(instance_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) SaveOrder(o OrderRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO orders (instance_id, order_id, venue_order_id, symbol, side, type, quantity, price, status, filled_quantity, commission, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, order_id) DO UPDATE SET
			venue_order_id=excluded.venue_order_id, status=excluded.status,
			filled_quantity=excluded.filled_quantity, commission=excluded.commission,
			updated_at=excluded.updated_at`,
		o.InstanceID, o.OrderID, o.VenueOrderID, o.Symbol, o.Side, o.Type,
		o.Quantity, o.Price, o.Status, o.FilledQuantity, o.Commission,
		o.CreatedAt.Format(time.RFC3339), o.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		logger.Errorf("store: save order %s: %v", o.OrderID, err)
	}
	return err
}

func (s *SQLiteSink) SaveTrade(t TradeRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO trades (instance_id, trade_id, order_id, symbol, side, quantity, price, commission, commission_asset, is_maker, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.InstanceID, t.TradeID, t.OrderID, t.Symbol, t.Side, t.Quantity, t.Price,
		t.Commission, t.CommissionAsset, t.IsMaker, t.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		logger.Errorf("store: save trade %s: %v", t.TradeID, err)
	}
	return err
}

func (s *SQLiteSink) SavePosition(p PositionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO positions (instance_id, symbol, side, quantity, entry_price, mark_price, unrealized_pnl, realized_pnl, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, symbol) DO UPDATE SET
			side=excluded.side, quantity=excluded.quantity, entry_price=excluded.entry_price,
			mark_price=excluded.mark_price, unrealized_pnl=excluded.unrealized_pnl,
			realized_pnl=excluded.realized_pnl, updated_at=excluded.updated_at`,
		p.InstanceID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.MarkPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		logger.Errorf("store: save position %s: %v", p.Symbol, err)
	}
	return err
}

// DeletePosition removes a closed position's row (spec §3.1, closed
// positions are deleted, not zeroed).
func (s *SQLiteSink) DeletePosition(instanceID, symbol string) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE instance_id = ? AND symbol = ?`, instanceID, symbol)
	return err
}

func (s *SQLiteSink) SavePortfolioSnapshot(snap SnapshotRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO portfolio_snapshots (instance_id, ts, portfolio_value, cash_balance, positions_value, daily_pnl, daily_return_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.InstanceID, snap.Timestamp.Format(time.RFC3339), snap.PortfolioValue,
		snap.CashBalance, snap.PositionsValue, snap.DailyPnL, snap.DailyReturnPct,
	)
	if err != nil {
		logger.Errorf("store: save snapshot: %v", err)
	}
	return err
}

func (s *SQLiteSink) SaveRiskEvent(e RiskEventRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO risk_events (instance_id, ts, kind, symbol, detail) VALUES (?, ?, ?, ?, ?)`,
		e.InstanceID, e.Timestamp.Format(time.RFC3339), e.Kind, e.Symbol, e.Detail,
	)
	if err != nil {
		logger.Errorf("store: save risk event: %v", err)
	}
	return err
}

func (s *SQLiteSink) LoadOpenOrders(instanceID string) ([]OrderRecord, error) {
	rows, err := s.db.Query(
		`SELECT order_id, venue_order_id, symbol, side, type, quantity, price, status, filled_quantity, commission, created_at, updated_at
		 FROM orders WHERE instance_id = ? AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: load open orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var created, updated string
		o.InstanceID = instanceID
		if err := rows.Scan(&o.OrderID, &o.VenueOrderID, &o.Symbol, &o.Side, &o.Type,
			&o.Quantity, &o.Price, &o.Status, &o.FilledQuantity, &o.Commission, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, created)
		o.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) LoadPositions(instanceID string) ([]PositionRecord, error) {
	rows, err := s.db.Query(
		`SELECT symbol, side, quantity, entry_price, mark_price, unrealized_pnl, realized_pnl, updated_at
		 FROM positions WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: load positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var p PositionRecord
		var updated string
		p.InstanceID = instanceID
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &p.MarkPrice,
			&p.UnrealizedPnL, &p.RealizedPnL, &updated); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

var _ Sink = (*SQLiteSink)(nil)
