package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Fill is one executed grid order.
type Fill struct {
	ID       int64     `json:"id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	OrderID  int64     `json:"order_id"`
	FilledAt time.Time `json:"filled_at"`
}

// GridSnapshot is one installed grid layout.
type GridSnapshot struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Strategy  string    `json:"strategy"`
	Center    float64   `json:"center"`
	Levels    int       `json:"levels"`
	AppliedAt time.Time `json:"applied_at"`
}

// TradeStore records fills and grid recalculations. It satisfies the order
// lifecycle manager's trade log interface.
type TradeStore struct {
	db *sql.DB
}

func (s *TradeStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			order_id INTEGER NOT NULL,
			filled_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fills table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			center REAL NOT NULL,
			levels INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grid_snapshots table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol, filled_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_snapshots_symbol ON grid_snapshots(symbol, applied_at DESC)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// RecordFill appends one fill.
func (s *TradeStore) RecordFill(symbol, side string, price, qty float64, orderID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO fills (symbol, side, price, quantity, order_id, filled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, symbol, side, price, qty, orderID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record fill: %w", err)
	}
	return nil
}

// RecordGrid appends one grid recalculation.
func (s *TradeStore) RecordGrid(symbol, strategy string, center float64, levels int) error {
	_, err := s.db.Exec(`
		INSERT INTO grid_snapshots (symbol, strategy, center, levels, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, symbol, strategy, center, levels, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record grid snapshot: %w", err)
	}
	return nil
}

// RecentFills returns the newest fills for a symbol, newest first.
func (s *TradeStore) RecentFills(symbol string, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, symbol, side, price, quantity, order_id, filled_at
		FROM fills WHERE symbol = ?
		ORDER BY filled_at DESC, id DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		var at string
		if err := rows.Scan(&f.ID, &f.Symbol, &f.Side, &f.Price, &f.Quantity, &f.OrderID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.FilledAt = parseTimestamp(at)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// LatestGrid returns the most recent grid snapshot for a symbol.
func (s *TradeStore) LatestGrid(symbol string) (*GridSnapshot, error) {
	var g GridSnapshot
	var at string
	err := s.db.QueryRow(`
		SELECT id, symbol, strategy, center, levels, applied_at
		FROM grid_snapshots WHERE symbol = ?
		ORDER BY applied_at DESC, id DESC LIMIT 1
	`, symbol).Scan(&g.ID, &g.Symbol, &g.Strategy, &g.Center, &g.Levels, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query grid snapshot: %w", err)
	}
	g.AppliedAt = parseTimestamp(at)
	return &g, nil
}

// FillStats aggregates fill counts and turnover for a symbol.
type FillStats struct {
	TotalFills int     `json:"total_fills"`
	BuyFills   int     `json:"buy_fills"`
	SellFills  int     `json:"sell_fills"`
	Turnover   float64 `json:"turnover"`
}

// GetFillStats summarizes all recorded fills for a symbol.
func (s *TradeStore) GetFillStats(symbol string) (FillStats, error) {
	var st FillStats
	err := s.db.QueryRow(`
		SELECT count(*),
			coalesce(sum(case when side = 'BUY' then 1 else 0 end), 0),
			coalesce(sum(case when side = 'SELL' then 1 else 0 end), 0),
			coalesce(sum(price * quantity), 0)
		FROM fills WHERE symbol = ?
	`, symbol).Scan(&st.TotalFills, &st.BuyFills, &st.SellFills, &st.Turnover)
	if err != nil {
		return FillStats{}, fmt.Errorf("failed to query fill stats: %w", err)
	}
	return st, nil
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
