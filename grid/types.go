// Package grid computes grid plans: level prices, sides, capital zoning,
// and the recovery strategy when one side of the book is depleted. The
// computation is pure; trading during recovery goes through the Rebalancer
// so the engine stays testable without an exchange.
package grid

import (
	"time"

	"gridbot/exchange"
	"gridbot/fund"
)

// LevelState tracks one level through its lifecycle. The state field is
// only read or written while holding the owning grid's lock; transitions
// are: Empty → Reserved → Submitted → Active → Filled → Empty (opposite
// side re-arm). Failures roll back to Empty.
type LevelState string

const (
	LevelEmpty     LevelState = "EMPTY"
	LevelReserved  LevelState = "RESERVED"
	LevelSubmitted LevelState = "SUBMITTED"
	LevelActive    LevelState = "ACTIVE"
	LevelFilled    LevelState = "FILLED"
)

// Strategy names how a plan was built.
type Strategy string

const (
	StrategyTwoSided     Strategy = "two_sided"
	StrategyIdle         Strategy = "idle"
	StrategyOneSidedBuy  Strategy = "one_sided_buy"
	StrategyOneSidedSell Strategy = "one_sided_sell"
	StrategyReset        Strategy = "reset"
	StrategyResetSellAll Strategy = "reset_sell_all"
	StrategyReduce50     Strategy = "reduce_50"
)

// Level is one rung of the grid.
type Level struct {
	Index    int
	Side     exchange.Side
	Price    float64
	Quantity float64
	Capital  float64 // quote value allocated to this level
	Core     bool

	State       LevelState
	Order       exchange.OrderRef
	Reservation *fund.Reservation
	FilledPrice float64
	FilledQty   float64
}

// State is one computed grid. Levels are mutated by the order lifecycle
// manager under its lock; the rest of the struct is immutable after Plan.
type State struct {
	Symbol    string
	Strategy  Strategy
	Center    float64
	Lower     float64
	Upper     float64
	Spacing   float64 // fractional distance between adjacent levels
	PerLevel  float64 // base capital unit per level, quote terms
	Levels    []*Level
	CreatedAt time.Time
}

// BuyLevels counts levels on the bid side.
func (s *State) BuyLevels() int {
	n := 0
	for _, l := range s.Levels {
		if l.Side == exchange.SideBuy {
			n++
		}
	}
	return n
}

// SellLevels counts levels on the ask side.
func (s *State) SellLevels() int {
	return len(s.Levels) - s.BuyLevels()
}

// LevelByOrderID finds the level holding a given exchange order.
func (s *State) LevelByOrderID(orderID int64) *Level {
	for _, l := range s.Levels {
		if l.Order.ID == orderID && l.State != LevelEmpty {
			return l
		}
	}
	return nil
}
