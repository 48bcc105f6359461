package grid

import (
	"context"
	"math"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
)

// Inputs is everything a plan needs, captured at one moment. Balances are
// free balances; reservations are already excluded by the ledger.
type Inputs struct {
	Price          float64
	HistoricalRef  float64 // recency-weighted long-window reference price
	ATR            float64
	Trend          float64 // [-1, 1]
	QuoteAvailable float64
	BaseAvailable  float64
}

// Rebalancer executes the market trades recovery strategies need.
type Rebalancer interface {
	MarketBuy(ctx context.Context, quoteAmount float64) error
	MarketSell(ctx context.Context, baseQuantity float64) error
	Balances(ctx context.Context) (quote, base float64, err error)
}

// CooldownStore persists the rebalance cooldown across restarts so a
// crash-loop cannot churn market orders.
type CooldownStore interface {
	LastRebalance() (time.Time, bool, error)
	MarkRebalance(t time.Time) error
}

// Engine computes grid plans.
type Engine struct {
	cfg        *config.Config
	filters    exchange.Filters
	rebalancer Rebalancer
	cooldowns  CooldownStore
}

// NewEngine builds a grid engine. rebalancer and cooldowns may be nil for
// pure computation (recovery strategies that trade will degrade to their
// non-trading branch).
func NewEngine(cfg *config.Config, filters exchange.Filters, rebalancer Rebalancer, cooldowns CooldownStore) *Engine {
	return &Engine{cfg: cfg, filters: filters, rebalancer: rebalancer, cooldowns: cooldowns}
}

// PerLevelCapital is the compounding capital unit: a fixed fraction of
// total account value, floored at the exchange minimum with safety margin.
func (e *Engine) PerLevelCapital(totalValue float64) float64 {
	floor := e.cfg.MinNotional * e.cfg.SafetyMargin
	calculated := totalValue * e.cfg.CapitalFraction
	return math.Max(floor, calculated)
}

// Plan computes a grid for the given inputs. depth counts recovery
// recursions; callers start at 0.
func (e *Engine) Plan(ctx context.Context, in Inputs, depth int) (*State, error) {
	totalValue := in.QuoteAvailable + in.BaseAvailable*in.Price
	perLevel := e.PerLevelCapital(totalValue)

	maxBuy := int(in.QuoteAvailable / perLevel)
	maxSell := int(in.BaseAvailable * in.Price / perLevel)

	logger.Infof("planning grid: price=%.6f trend=%.3f perLevel=%.2f maxBuy=%d maxSell=%d depth=%d",
		in.Price, in.Trend, perLevel, maxBuy, maxSell, depth)

	switch {
	case maxBuy == 0 && maxSell == 0:
		return nil, ErrNoValidGrid
	case maxSell == 0:
		return e.recoverQuoteOnly(ctx, in, perLevel, maxBuy, depth)
	case maxBuy == 0:
		return e.recoverBaseOnly(ctx, in, perLevel, maxSell, depth)
	}
	return e.build(in, perLevel, maxBuy, maxSell, StrategyTwoSided), nil
}

// build lays out levels around the blended center, zones capital toward
// the core, clamps each side to what the ledger can fund, and snaps prices
// and quantities to the instrument filters.
func (e *Engine) build(in Inputs, perLevel float64, maxBuy, maxSell int, strategy Strategy) *State {
	center := e.gridCenter(in)
	rangePct := e.gridRange(in)

	levels := e.cfg.GridLevels
	if levels < 2 {
		levels = 2
	}

	// trend skews the split: uptrend puts more levels above center
	upShare := 0.5 + 0.25*in.Trend
	sellCount := int(math.Round(float64(levels) * upShare))
	buyCount := levels - sellCount
	switch strategy {
	case StrategyOneSidedBuy:
		buyCount, sellCount = levels/2, 0
	case StrategyOneSidedSell:
		buyCount, sellCount = 0, levels/2
	}

	// solvency clamp: never undersize, drop outer levels instead
	if buyCount > maxBuy {
		buyCount = maxBuy
	}
	if sellCount > maxSell {
		sellCount = maxSell
	}

	spacing := rangePct / (float64(levels) / 2)
	if spacing < e.cfg.GridSpacingPct {
		spacing = e.cfg.GridSpacingPct
	}

	// the grid must straddle the live price
	lowest := center * (1 - spacing*float64(buyCount))
	highest := center * (1 + spacing*float64(sellCount))
	if buyCount > 0 && sellCount > 0 && (in.Price <= lowest || in.Price >= highest) {
		center = in.Price
		lowest = center * (1 - spacing*float64(buyCount))
		highest = center * (1 + spacing*float64(sellCount))
	}

	total := buyCount + sellCount
	state := &State{
		Symbol:    e.cfg.Symbol,
		Strategy:  strategy,
		Center:    center,
		Lower:     lowest,
		Upper:     highest,
		Spacing:   spacing,
		PerLevel:  perLevel,
		CreatedAt: time.Now(),
	}
	if total == 0 {
		return state
	}

	// core zone: levels near the center, capped at the configured share
	// of each side, take the larger capital slice
	isCore := func(step, sideCount int) bool {
		if sideCount == 0 {
			return false
		}
		withinZone := spacing*float64(step) <= rangePct*e.cfg.CoreZonePct
		coreSteps := int(math.Ceil(float64(sideCount) * e.cfg.CoreGridRatio))
		return withinZone && step <= coreSteps
	}
	coreCount := 0
	for i := 1; i <= buyCount; i++ {
		if isCore(i, buyCount) {
			coreCount++
		}
	}
	for i := 1; i <= sellCount; i++ {
		if isCore(i, sellCount) {
			coreCount++
		}
	}

	totalCapital := perLevel * float64(total)
	coreCapital := perLevel
	edgeCapital := perLevel
	if coreCount > 0 && coreCount < total {
		coreCapital = totalCapital * e.cfg.CoreCapitalRatio / float64(coreCount)
		edgeCapital = totalCapital * (1 - e.cfg.CoreCapitalRatio) / float64(total-coreCount)
	}
	minCapital := e.cfg.MinNotional * e.cfg.SafetyMargin
	if edgeCapital < minCapital {
		edgeCapital = minCapital
	}
	if coreCapital < minCapital {
		coreCapital = minCapital
	}

	idx := 0
	add := func(side exchange.Side, step, sideCount int) {
		var price float64
		if side == exchange.SideBuy {
			price = center * (1 - spacing*float64(step))
		} else {
			price = center * (1 + spacing*float64(step))
		}
		price = snapPrice(price, e.filters.TickSize)
		if price <= 0 {
			return
		}
		core := isCore(step, sideCount)
		capital := edgeCapital
		if core {
			capital = coreCapital
		}
		qty := floorQty(capital/price, e.filters.StepSize)
		if qty <= 0 || qty*price < e.cfg.MinNotional {
			return
		}
		state.Levels = append(state.Levels, &Level{
			Index:    idx,
			Side:     side,
			Price:    price,
			Quantity: qty,
			Capital:  capital,
			Core:     core,
			State:    LevelEmpty,
		})
		idx++
	}

	for i := 1; i <= buyCount; i++ {
		add(exchange.SideBuy, i, buyCount)
	}
	for i := 1; i <= sellCount; i++ {
		add(exchange.SideSell, i, sellCount)
	}

	logger.Infof("grid built: strategy=%s center=%.6f range=[%.6f, %.6f] levels=%d (buy=%d sell=%d core=%d)",
		strategy, center, state.Lower, state.Upper, len(state.Levels), buyCount, sellCount, coreCount)
	return state
}

// gridCenter blends the live price with the long-window reference, then
// clamps the result near the live price so the grid cannot be planted
// where the market is not.
func (e *Engine) gridCenter(in Inputs) float64 {
	ref := in.HistoricalRef
	if ref <= 0 {
		return in.Price
	}
	center := e.cfg.CurrentPriceWeight*in.Price + (1-e.cfg.CurrentPriceWeight)*ref
	maxDev := in.Price * e.cfg.MaxCenterDevPct
	if center > in.Price+maxDev {
		center = in.Price + maxDev
	}
	if center < in.Price-maxDev {
		center = in.Price - maxDev
	}
	return center
}

// gridRange widens the configured half-range with volatility, capped hard.
func (e *Engine) gridRange(in Inputs) float64 {
	rangePct := e.cfg.GridRangePct
	if in.Price > 0 && in.ATR > 0 {
		atrRange := in.ATR / in.Price * e.cfg.ATRRatio * float64(e.cfg.GridLevels)
		if atrRange > rangePct {
			rangePct = atrRange
		}
	}
	if rangePct > e.cfg.MaxGridRangePct {
		rangePct = e.cfg.MaxGridRangePct
	}
	return rangePct
}

// SnapPrice aligns a price to the instrument's tick size.
func (e *Engine) SnapPrice(price float64) float64 {
	return snapPrice(price, e.filters.TickSize)
}

// FloorQty rounds a quantity down to the instrument's step size.
func (e *Engine) FloorQty(qty float64) float64 {
	return floorQty(qty, e.filters.StepSize)
}

func snapPrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

func floorQty(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}
