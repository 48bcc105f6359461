package store

import (
	"database/sql"
	"fmt"

	"gridbot/risk"
)

// BracketStore persists the live OCO bracket and its trailing context so a
// restart can adopt the existing bracket and resume ratcheting instead of
// protecting the position twice.
type BracketStore struct {
	db *sql.DB
}

func (s *BracketStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS brackets (
			symbol TEXT PRIMARY KEY,
			list_id INTEGER NOT NULL,
			qty REAL NOT NULL DEFAULT 0,
			stop_loss REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			high_water REAL NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create brackets table: %w", err)
	}
	return nil
}

// Load returns the stored bracket for a symbol, with false when none is
// recorded.
func (s *BracketStore) Load(symbol string) (risk.BracketRecord, bool, error) {
	var rec risk.BracketRecord
	err := s.db.QueryRow(`
		SELECT list_id, qty, stop_loss, take_profit, high_water
		FROM brackets WHERE symbol = ?
	`, symbol).Scan(&rec.Ref.ListID, &rec.Quantity, &rec.StopLoss, &rec.TakeProfit, &rec.HighWater)
	if err == sql.ErrNoRows {
		return risk.BracketRecord{}, false, nil
	}
	if err != nil {
		return risk.BracketRecord{}, false, fmt.Errorf("failed to load bracket: %w", err)
	}
	rec.Ref.Symbol = symbol
	return rec, true, nil
}

// Save records the live bracket for its symbol.
func (s *BracketStore) Save(symbol string, rec risk.BracketRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO brackets (symbol, list_id, qty, stop_loss, take_profit, high_water, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			list_id = excluded.list_id,
			qty = excluded.qty,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			high_water = excluded.high_water,
			updated_at = CURRENT_TIMESTAMP
	`, symbol, rec.Ref.ListID, rec.Quantity, rec.StopLoss, rec.TakeProfit, rec.HighWater)
	if err != nil {
		return fmt.Errorf("failed to save bracket: %w", err)
	}
	return nil
}

// Clear removes the stored bracket for a symbol.
func (s *BracketStore) Clear(symbol string) error {
	_, err := s.db.Exec(`DELETE FROM brackets WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to clear bracket: %w", err)
	}
	return nil
}

// ForSymbol binds the store to one symbol. The bound view satisfies the
// risk controller's bracket store interface.
func (s *BracketStore) ForSymbol(symbol string) *SymbolBracket {
	return &SymbolBracket{store: s, symbol: symbol}
}

// SymbolBracket is a single-symbol view over BracketStore.
type SymbolBracket struct {
	store  *BracketStore
	symbol string
}

func (b *SymbolBracket) LoadBracket() (risk.BracketRecord, bool, error) {
	return b.store.Load(b.symbol)
}

func (b *SymbolBracket) SaveBracket(rec risk.BracketRecord) error {
	if rec.Ref.Symbol == "" {
		rec.Ref.Symbol = b.symbol
	}
	return b.store.Save(b.symbol, rec)
}

func (b *SymbolBracket) ClearBracket() error {
	return b.store.Clear(b.symbol)
}
