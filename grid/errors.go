package grid

import "errors"

var (
	// ErrNoValidGrid means neither side of the book can fund a single
	// level; the operator has to intervene.
	ErrNoValidGrid = errors.New("no valid grid: both sides depleted")
	// ErrRecursionLimit means recovery rebalanced twice and the balances
	// still cannot fund a grid.
	ErrRecursionLimit = errors.New("recovery recursion limit reached")
)
