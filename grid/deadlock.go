package grid

import (
	"context"
	"fmt"
	"time"

	"gridbot/logger"
)

// Depletion decision thresholds, trend strength in [-1, 1].
const (
	quoteIdleBelow   = -0.4 // holding only quote in a crash: wait
	quoteResetAbove  = 0.5  // holding only quote in a pump: buy in
	baseSellAllBelow = -0.5 // holding only base in a crash: liquidate
	baseReduceBelow  = -0.2 // holding only base in a downtrend: halve
)

// recoverQuoteOnly handles the all-quote deadlock: no sell levels can be
// funded. Depending on trend the grid idles, goes one-sided, or market-buys
// into base and replans.
func (e *Engine) recoverQuoteOnly(ctx context.Context, in Inputs, perLevel float64, maxBuy, depth int) (*State, error) {
	switch {
	case in.Trend < quoteIdleBelow:
		logger.Warnf("all-quote in downtrend (trend=%.2f): idling", in.Trend)
		return e.idleState(), nil
	case in.Trend <= quoteResetAbove:
		logger.Infof("all-quote, trend=%.2f: one-sided buy grid", in.Trend)
		return e.build(in, perLevel, maxBuy, 0, StrategyOneSidedBuy), nil
	}

	// strong uptrend holding only quote: convert a slice into base so the
	// grid can sell into the move
	if !e.canRebalance(depth) {
		logger.Warnf("all-quote pump (trend=%.2f) but rebalance unavailable, degrading to one-sided buy", in.Trend)
		if depth >= e.cfg.MaxRecoveryDepth {
			return nil, ErrRecursionLimit
		}
		return e.build(in, perLevel, maxBuy, 0, StrategyOneSidedBuy), nil
	}

	amount := in.QuoteAvailable * e.cfg.RebalanceRatio
	logger.Infof("all-quote pump (trend=%.2f): market-buying %.2f quote into base", in.Trend, amount)
	if err := e.rebalancer.MarketBuy(ctx, amount); err != nil {
		return nil, fmt.Errorf("rebalance market buy: %w", err)
	}
	state, err := e.replan(ctx, in, depth)
	if err != nil {
		return nil, err
	}
	state.Strategy = StrategyReset
	return state, nil
}

// recoverBaseOnly handles the all-base deadlock: no buy levels can be
// funded. A crash liquidates, a downtrend halves the position, otherwise
// the grid sells one-sided into strength.
func (e *Engine) recoverBaseOnly(ctx context.Context, in Inputs, perLevel float64, maxSell, depth int) (*State, error) {
	if in.Trend >= baseReduceBelow {
		logger.Infof("all-base, trend=%.2f: one-sided sell grid", in.Trend)
		return e.build(in, perLevel, 0, maxSell, StrategyOneSidedSell), nil
	}

	if !e.canRebalance(depth) {
		logger.Warnf("all-base downtrend (trend=%.2f) but rebalance unavailable, degrading to one-sided sell", in.Trend)
		if depth >= e.cfg.MaxRecoveryDepth {
			return nil, ErrRecursionLimit
		}
		return e.build(in, perLevel, 0, maxSell, StrategyOneSidedSell), nil
	}

	strategy := StrategyReduce50
	qty := in.BaseAvailable * 0.5
	if in.Trend < baseSellAllBelow {
		strategy = StrategyResetSellAll
		qty = in.BaseAvailable
	}
	qty = floorQty(qty, e.filters.StepSize)
	if qty <= 0 {
		return e.idleState(), nil
	}

	logger.Warnf("all-base downtrend (trend=%.2f): market-selling %.6f base (%s)", in.Trend, qty, strategy)
	if err := e.rebalancer.MarketSell(ctx, qty); err != nil {
		return nil, fmt.Errorf("rebalance market sell: %w", err)
	}
	state, err := e.replan(ctx, in, depth)
	if err != nil {
		return nil, err
	}
	state.Strategy = strategy
	return state, nil
}

// canRebalance gates the trading recovery branches: a rebalancer must be
// wired, the recursion budget must allow another pass, and the persisted
// cooldown must have elapsed. Inside the cooldown the caller degrades to
// the non-trading branch instead of churning market orders.
func (e *Engine) canRebalance(depth int) bool {
	if e.rebalancer == nil || depth >= e.cfg.MaxRecoveryDepth {
		return false
	}
	return !e.cooldownActive()
}

func (e *Engine) cooldownActive() bool {
	if e.cooldowns == nil {
		return false
	}
	last, ok, err := e.cooldowns.LastRebalance()
	if err != nil {
		logger.Errorf("read rebalance cooldown: %v", err)
		return true // fail closed: no cooldown info, no market orders
	}
	return ok && time.Since(last) < e.cfg.RebalanceCooldown
}

// replan marks the cooldown, refreshes balances after the rebalance trade,
// and recurses with the depth budget consumed.
func (e *Engine) replan(ctx context.Context, in Inputs, depth int) (*State, error) {
	if e.cooldowns != nil {
		if err := e.cooldowns.MarkRebalance(time.Now()); err != nil {
			logger.Errorf("persist rebalance cooldown: %v", err)
		}
	}
	quote, base, err := e.rebalancer.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh balances after rebalance: %w", err)
	}
	in.QuoteAvailable = quote
	in.BaseAvailable = base
	return e.Plan(ctx, in, depth+1)
}

func (e *Engine) idleState() *State {
	return &State{
		Symbol:    e.cfg.Symbol,
		Strategy:  StrategyIdle,
		CreatedAt: time.Now(),
	}
}
