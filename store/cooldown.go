package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CooldownStore persists rebalance cooldowns. The cooldown must survive a
// restart so a crash loop cannot market-trade repeatedly.
type CooldownStore struct {
	db *sql.DB
}

func (s *CooldownStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rebalance_cooldowns (
			symbol TEXT PRIMARY KEY,
			last_rebalance DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rebalance_cooldowns table: %w", err)
	}
	return nil
}

// LastRebalance returns the most recent rebalance time for a symbol, with
// false when none was ever recorded.
func (s *CooldownStore) LastRebalance(symbol string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT last_rebalance FROM rebalance_cooldowns WHERE symbol = ?`, symbol).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load cooldown: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cooldown timestamp %q: %w", raw, err)
	}
	return t, true, nil
}

// MarkRebalance records a rebalance for a symbol.
func (s *CooldownStore) MarkRebalance(symbol string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO rebalance_cooldowns (symbol, last_rebalance) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET last_rebalance = excluded.last_rebalance
	`, symbol, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark rebalance: %w", err)
	}
	return nil
}

// ForSymbol binds the store to one symbol. The bound view satisfies the
// grid engine's cooldown interface.
func (s *CooldownStore) ForSymbol(symbol string) *SymbolCooldown {
	return &SymbolCooldown{store: s, symbol: symbol}
}

// SymbolCooldown is a single-symbol view over CooldownStore.
type SymbolCooldown struct {
	store  *CooldownStore
	symbol string
}

func (c *SymbolCooldown) LastRebalance() (time.Time, bool, error) {
	return c.store.LastRebalance(c.symbol)
}

func (c *SymbolCooldown) MarkRebalance(at time.Time) error {
	return c.store.MarkRebalance(c.symbol, at)
}
