// Package store provides the sqlite persistence layer.
// All database operations go through this package.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"gridbot/logger"
)

// Store is the unified persistence entry point.
type Store struct {
	db *sql.DB

	// Sub-stores (lazy initialization)
	cooldown *CooldownStore
	bracket  *BracketStore
	trade    *TradeStore

	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and ensures the schema.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one file
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("database initialized at %s", dbPath)
	return s, nil
}

func (s *Store) initTables() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create system_config table: %w", err)
	}

	if err := s.Cooldown().initTables(); err != nil {
		return fmt.Errorf("failed to initialize cooldown tables: %w", err)
	}
	if err := s.Bracket().initTables(); err != nil {
		return fmt.Errorf("failed to initialize bracket tables: %w", err)
	}
	if err := s.Trade().initTables(); err != nil {
		return fmt.Errorf("failed to initialize trade tables: %w", err)
	}
	return nil
}

// Cooldown gets rebalance cooldown storage.
func (s *Store) Cooldown() *CooldownStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldown == nil {
		s.cooldown = &CooldownStore{db: s.db}
	}
	return s.cooldown
}

// Bracket gets bracket reference storage.
func (s *Store) Bracket() *BracketStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bracket == nil {
		s.bracket = &BracketStore{db: s.db}
	}
	return s.bracket
}

// Trade gets fill and grid history storage.
func (s *Store) Trade() *TradeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trade == nil {
		s.trade = &TradeStore{db: s.db}
	}
	return s.trade
}

// GetSystemConfig gets a system configuration value by key.
func (s *Store) GetSystemConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSystemConfig sets a system configuration value.
func (s *Store) SetSystemConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
