// Package fund arbitrates available capital per asset. The exchange is the
// source of truth for confirmed balances; the ledger only tracks the gap
// between "decided to spend" and "exchange acknowledged the spend". One mutex
// guards both maps — every component that touches capital goes through it.
package fund

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/logger"
)

// ErrInsufficientFunds is returned by Reserve when the requested amount
// exceeds the asset's available balance. The ledger is left untouched.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Reservation is a provisional hold on capital pending exchange confirmation.
type Reservation struct {
	ID        string
	Asset     string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Ledger tracks confirmed balances and outstanding reservations per asset.
type Ledger struct {
	mu        sync.Mutex
	confirmed map[string]decimal.Decimal
	reserved  map[string]decimal.Decimal
	// live reservation handles, keyed by id; Release removes its entry so a
	// second Release of the same handle is a no-op
	open map[string]*Reservation
}

// NewLedger creates an empty ledger. Balances arrive via ConfirmExternal.
func NewLedger() *Ledger {
	return &Ledger{
		confirmed: make(map[string]decimal.Decimal),
		reserved:  make(map[string]decimal.Decimal),
		open:      make(map[string]*Reservation),
	}
}

// Reserve atomically claims amount of asset. On failure nothing is mutated.
func (l *Ledger) Reserve(asset string, amount decimal.Decimal) (*Reservation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("reserve %s: amount must be positive, got %s", asset, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.confirmed[asset].Sub(l.reserved[asset])
	if available.LessThan(amount) {
		return nil, fmt.Errorf("reserve %s %s (available %s): %w",
			amount, asset, available, ErrInsufficientFunds)
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		Asset:     asset,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	l.reserved[asset] = l.reserved[asset].Add(amount)
	l.open[r.ID] = r

	logger.Debugf("[Fund] Reserved %s %s (reservation %s)", amount, asset, r.ID)
	return r, nil
}

// Release returns a reservation's amount to the available pool. Releasing an
// already-released or nil handle is a no-op, never an error.
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.open[r.ID]; !live {
		return
	}
	delete(l.open, r.ID)

	remaining := l.reserved[r.Asset].Sub(r.Amount)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	l.reserved[r.Asset] = remaining

	logger.Debugf("[Fund] Released %s %s (reservation %s)", r.Amount, r.Asset, r.ID)
}

// Commit retires a reservation once the exchange acknowledges the order:
// the hold moves out of the reservation pool and the same amount leaves the
// confirmed balance, because the exchange now reports it as locked rather
// than free. The next ConfirmExternal sees the same picture. Committing an
// already-settled or nil handle is a no-op, matching Release.
func (l *Ledger) Commit(r *Reservation) {
	if r == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.open[r.ID]; !live {
		return
	}
	delete(l.open, r.ID)

	remaining := l.reserved[r.Asset].Sub(r.Amount)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	l.reserved[r.Asset] = remaining

	spent := l.confirmed[r.Asset].Sub(r.Amount)
	if spent.IsNegative() {
		spent = decimal.Zero
	}
	l.confirmed[r.Asset] = spent

	logger.Debugf("[Fund] Committed %s %s (reservation %s)", r.Amount, r.Asset, r.ID)
}

// Credit adds to an asset's confirmed balance ahead of the next exchange
// refresh: fill proceeds arriving, or a cancelled order's lock returning to
// the free pool.
func (l *Ledger) Credit(asset string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmed[asset] = l.confirmed[asset].Add(amount)

	logger.Debugf("[Fund] Credited %s %s", amount, asset)
}

// ConfirmExternal replaces the confirmed balance for asset with a fresh
// exchange-reported free balance. Reservations are untouched.
func (l *Ledger) ConfirmExternal(asset string, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmed[asset] = balance
}

// Available returns confirmed minus reserved for asset, floored at zero.
func (l *Ledger) Available(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.confirmed[asset].Sub(l.reserved[asset])
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

// Snapshot is a point-in-time copy of available balances for every known
// asset, used by the grid engine for sizing decisions.
type Snapshot struct {
	Available map[string]decimal.Decimal
	TakenAt   time.Time
}

// Snapshot copies the current available balances under one lock acquisition.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Available: make(map[string]decimal.Decimal, len(l.confirmed)),
		TakenAt:   time.Now(),
	}
	for asset, bal := range l.confirmed {
		available := bal.Sub(l.reserved[asset])
		if available.IsNegative() {
			available = decimal.Zero
		}
		snap.Available[asset] = available
	}
	return snap
}

// AvailableFloat is a convenience for callers doing float math (grid sizing,
// indicator blending). The ledger itself stays decimal.
func (s Snapshot) AvailableFloat(asset string) float64 {
	f, _ := s.Available[asset].Float64()
	return f
}
