package grid

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/config"
	"gridbot/exchange"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Symbol = "ZECUSDT"
	return cfg
}

func testFilters() exchange.Filters {
	return exchange.Filters{TickSize: 0.01, StepSize: 0.00001, MinNotional: 5}
}

func testEngine() *Engine {
	return NewEngine(testConfig(), testFilters(), nil, nil)
}

func TestPerLevelCapitalCompounds(t *testing.T) {
	e := testEngine()
	assert.InDelta(t, 10.0, e.PerLevelCapital(1000), 1e-9)
	assert.InDelta(t, 20.0, e.PerLevelCapital(2000), 1e-9)
}

func TestPerLevelCapitalFloorsAtMinNotional(t *testing.T) {
	e := testEngine()
	// 100 * 0.01 = 1, below 5 * 1.1
	assert.InDelta(t, 5.5, e.PerLevelCapital(100), 1e-9)
}

func TestPlanTwoSided(t *testing.T) {
	e := testEngine()
	state, err := e.Plan(context.Background(), Inputs{
		Price:          100,
		HistoricalRef:  100,
		Trend:          0,
		QuoteAvailable: 1000,
		BaseAvailable:  10,
	}, 0)
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, StrategyTwoSided, state.Strategy)
	assert.Greater(t, state.BuyLevels(), 0)
	assert.Greater(t, state.SellLevels(), 0)
	assert.Less(t, state.Lower, 100.0)
	assert.Greater(t, state.Upper, 100.0)

	for _, l := range state.Levels {
		assert.Equal(t, LevelEmpty, l.State)
		if l.Side == exchange.SideBuy {
			assert.Less(t, l.Price, state.Center)
		} else {
			assert.Greater(t, l.Price, state.Center)
		}
		// snapped to tick
		ticks := l.Price / 0.01
		assert.InDelta(t, math.Round(ticks), ticks, 1e-6)
		assert.GreaterOrEqual(t, l.Quantity*l.Price, 5.0, "every level must clear min notional")
	}
}

func TestPlanCoreZoneTakesLargerCapital(t *testing.T) {
	e := testEngine()
	state, err := e.Plan(context.Background(), Inputs{
		Price: 100, HistoricalRef: 100,
		QuoteAvailable: 1000, BaseAvailable: 10,
	}, 0)
	require.NoError(t, err)

	var core, edge []float64
	for _, l := range state.Levels {
		if l.Core {
			core = append(core, l.Capital)
		} else {
			edge = append(edge, l.Capital)
		}
	}
	require.NotEmpty(t, core)
	require.NotEmpty(t, edge)
	for _, c := range core {
		for _, ed := range edge {
			assert.Greater(t, c, ed, "core levels must carry more capital than edge levels")
		}
	}
}

func TestSolvencyClampReducesAndRestoresLevels(t *testing.T) {
	e := testEngine()
	in := Inputs{Price: 100, HistoricalRef: 100, QuoteAvailable: 35, BaseAvailable: 10}

	reduced, err := e.Plan(context.Background(), in, 0)
	require.NoError(t, err)
	// totalValue 1035 -> perLevel 10.35 -> only 3 buy levels affordable
	assert.LessOrEqual(t, reduced.BuyLevels(), 3)
	assert.Greater(t, reduced.BuyLevels(), 0)

	in.QuoteAvailable = 2000
	restored, err := e.Plan(context.Background(), in, 0)
	require.NoError(t, err)
	assert.Greater(t, restored.BuyLevels(), reduced.BuyLevels())
}

func TestGridCenterClampedNearPrice(t *testing.T) {
	e := testEngine()
	// historical reference 30% below price: center still within 5%
	center := e.gridCenter(Inputs{Price: 100, HistoricalRef: 70})
	assert.GreaterOrEqual(t, center, 95.0)
	assert.LessOrEqual(t, center, 105.0)
}

func TestGridCenterFallsBackToPrice(t *testing.T) {
	e := testEngine()
	assert.InDelta(t, 100.0, e.gridCenter(Inputs{Price: 100}), 1e-9)
}

func TestGridRangeWidensWithVolatilityUpToCap(t *testing.T) {
	e := testEngine()
	calm := e.gridRange(Inputs{Price: 100, ATR: 0.1})
	wild := e.gridRange(Inputs{Price: 100, ATR: 10})
	assert.LessOrEqual(t, calm, wild)
	assert.LessOrEqual(t, wild, e.cfg.MaxGridRangePct)
}

func TestPlanQuoteOnlyCrashIdles(t *testing.T) {
	e := testEngine()
	state, err := e.Plan(context.Background(), Inputs{
		Price: 100, Trend: -0.5, QuoteAvailable: 1000,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, StrategyIdle, state.Strategy)
	assert.Empty(t, state.Levels)
}

func TestPlanQuoteOnlyDowntrendBuysOneSided(t *testing.T) {
	e := testEngine()
	state, err := e.Plan(context.Background(), Inputs{
		Price: 100, HistoricalRef: 100, Trend: -0.3, QuoteAvailable: 1000,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, StrategyOneSidedBuy, state.Strategy)
	require.NotEmpty(t, state.Levels)
	for _, l := range state.Levels {
		assert.Equal(t, exchange.SideBuy, l.Side)
	}
}

func TestPlanBaseOnlyRangeSellsOneSided(t *testing.T) {
	e := testEngine()
	state, err := e.Plan(context.Background(), Inputs{
		Price: 100, HistoricalRef: 100, Trend: 0.0, BaseAvailable: 10,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, StrategyOneSidedSell, state.Strategy)
	require.NotEmpty(t, state.Levels)
	for _, l := range state.Levels {
		assert.Equal(t, exchange.SideSell, l.Side)
	}
}

func TestPlanBothSidesEmptyFails(t *testing.T) {
	e := testEngine()
	_, err := e.Plan(context.Background(), Inputs{Price: 100}, 0)
	assert.ErrorIs(t, err, ErrNoValidGrid)
}
