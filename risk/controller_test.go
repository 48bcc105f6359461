package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/market"
	"gridbot/notify"
)

type fakeBracketExchange struct {
	mu            sync.Mutex
	nextList      int64
	nextOrder     int64
	open          []exchange.OcoRef
	placed        []exchange.BracketSpec
	canceled      []exchange.OcoRef
	legs          map[int64]exchange.OrderStatus
	failPlacement int
	baseFree      decimal.Decimal
}

func (f *fakeBracketExchange) PlaceBracket(_ context.Context, spec exchange.BracketSpec) (exchange.OcoRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlacement > 0 {
		f.failPlacement--
		return exchange.OcoRef{}, exchange.ErrUnavailable
	}
	if f.legs == nil {
		f.legs = make(map[int64]exchange.OrderStatus)
	}
	f.nextList++
	ref := exchange.OcoRef{ListID: f.nextList, Symbol: spec.Symbol}
	for i := 0; i < 2; i++ {
		f.nextOrder++
		ref.OrderIDs = append(ref.OrderIDs, f.nextOrder)
		f.legs[f.nextOrder] = exchange.OrderStatus{
			Ref:   exchange.OrderRef{ID: f.nextOrder, Symbol: spec.Symbol},
			State: exchange.OrderStateNew,
		}
	}
	f.open = append(f.open, ref)
	f.placed = append(f.placed, spec)
	return ref, nil
}

func (f *fakeBracketExchange) CancelBracket(_ context.Context, ref exchange.OcoRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.open {
		if b.ListID == ref.ListID {
			f.open = append(f.open[:i], f.open[i+1:]...)
			f.canceled = append(f.canceled, ref)
			f.endLegs(b, exchange.OrderStateCanceled)
			return nil
		}
	}
	return exchange.ErrStaleReference
}

func (f *fakeBracketExchange) GetOpenBrackets(_ context.Context, _ string) ([]exchange.OcoRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OcoRef, len(f.open))
	copy(out, f.open)
	return out, nil
}

// endLegs marks a list's legs with a terminal state. Caller holds f.mu.
func (f *fakeBracketExchange) endLegs(ref exchange.OcoRef, state exchange.OrderState) {
	for _, id := range ref.OrderIDs {
		st := f.legs[id]
		st.State = state
		f.legs[id] = st
	}
}

// trip removes a bracket from the book as if a leg executed.
func (f *fakeBracketExchange) trip(listID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.open {
		if b.ListID == listID {
			f.open = append(f.open[:i], f.open[i+1:]...)
			f.endLegs(b, exchange.OrderStateCanceled)
			if len(b.OrderIDs) > 0 {
				st := f.legs[b.OrderIDs[0]]
				st.State = exchange.OrderStateFilled
				f.legs[b.OrderIDs[0]] = st
			}
			return
		}
	}
}

// cancelExternally removes a bracket as if the operator cancelled it by
// hand: both legs end cancelled, nothing executed.
func (f *fakeBracketExchange) cancelExternally(listID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.open {
		if b.ListID == listID {
			f.open = append(f.open[:i], f.open[i+1:]...)
			f.endLegs(b, exchange.OrderStateCanceled)
			return
		}
	}
}

func (f *fakeBracketExchange) lastPlaced() exchange.BracketSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1]
}

func (f *fakeBracketExchange) GetBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseFree, nil
}

func (f *fakeBracketExchange) GetBalances(context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeBracketExchange) GetPrice(context.Context, string) (float64, error) { return 100, nil }

func (f *fakeBracketExchange) GetKlines(_ context.Context, _, _ string, limit int) ([]market.Kline, error) {
	ks := make([]market.Kline, limit)
	open := time.Now().Add(-time.Duration(limit) * time.Minute)
	for i := range ks {
		ks[i] = market.Kline{
			OpenTime: open.Add(time.Duration(i) * time.Minute),
			Open:     100, High: 101, Low: 99, Close: 100, Volume: 10,
		}
	}
	return ks, nil
}

func (f *fakeBracketExchange) GetFilters(context.Context, string) (exchange.Filters, error) {
	return exchange.Filters{TickSize: 0.01, StepSize: 0.00001, MinNotional: 5}, nil
}

func (f *fakeBracketExchange) PlaceOrder(context.Context, exchange.OrderSpec) (exchange.OrderRef, error) {
	return exchange.OrderRef{}, nil
}

func (f *fakeBracketExchange) CancelOrder(context.Context, exchange.OrderRef) error { return nil }

func (f *fakeBracketExchange) GetOrderStatus(_ context.Context, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.legs[ref.ID]
	if !ok {
		return exchange.OrderStatus{}, exchange.ErrStaleReference
	}
	return st, nil
}

func (f *fakeBracketExchange) GetOpenOrders(context.Context, string) ([]exchange.OrderRef, error) {
	return nil, nil
}

type recordingCore struct {
	mu        sync.Mutex
	halts     int
	refreshes int
}

func (h *recordingCore) Halt() {
	h.mu.Lock()
	h.halts++
	h.mu.Unlock()
}

func (h *recordingCore) RefreshBalances(context.Context) error {
	h.mu.Lock()
	h.refreshes++
	h.mu.Unlock()
	return nil
}

func (h *recordingCore) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.halts
}

// fakeBracketStore keeps one record in memory.
type fakeBracketStore struct {
	mu  sync.Mutex
	rec BracketRecord
	ok  bool
}

func (s *fakeBracketStore) LoadBracket() (BracketRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, s.ok, nil
}

func (s *fakeBracketStore) SaveBracket(rec BracketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	s.ok = true
	return nil
}

func (s *fakeBracketStore) ClearBracket() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = BracketRecord{}
	s.ok = false
	return nil
}

func testRiskConfig() *config.Config {
	cfg := config.Load()
	cfg.Symbol = "ZECUSDT"
	cfg.BaseAsset = "ZEC"
	cfg.QuoteAsset = "USDT"
	cfg.TrailingStopLossPct = 0.04
	cfg.TrailingTakeProfitPct = 0.02
	cfg.RiskMinImprovementPct = 0.001
	cfg.RiskUpdateInterval = 0
	return cfg
}

func newTestController(cfg *config.Config) (*Controller, *fakeBracketExchange, *recordingCore) {
	ex := &fakeBracketExchange{}
	core := &recordingCore{}
	engine := market.NewEngine(ex, cfg.Symbol, 14, time.Nanosecond)
	filters := exchange.Filters{TickSize: 0.01, StepSize: 0.00001, MinNotional: 5}
	c := NewController(cfg, ex, core, engine, nil, notify.Nop{}, filters)
	return c, ex, core
}

func TestArmPlacesBracket(t *testing.T) {
	c, ex, _ := newTestController(testRiskConfig())

	require.NoError(t, c.Arm(context.Background(), 2.0, 100))
	assert.Equal(t, StateArmed, c.CurrentState())

	spec := ex.lastPlaced()
	assert.InDelta(t, 96.0, spec.StopPrice, 1e-9)
	assert.InDelta(t, 102.0, spec.TakeProfitPrice, 1e-9)
	assert.Less(t, spec.StopLimitPrice, spec.StopPrice)
}

func TestArmTwiceIsConflict(t *testing.T) {
	c, _, _ := newTestController(testRiskConfig())

	require.NoError(t, c.Arm(context.Background(), 2.0, 100))
	err := c.Arm(context.Background(), 2.0, 100)
	assert.ErrorIs(t, err, ErrBracketConflict)
}

func TestAdoptSingleBracket(t *testing.T) {
	cfg := testRiskConfig()
	c, ex, _ := newTestController(cfg)
	_, err := ex.PlaceBracket(context.Background(), exchange.BracketSpec{Symbol: cfg.Symbol})
	require.NoError(t, err)

	require.NoError(t, c.Adopt(context.Background()))
	assert.Equal(t, StateArmed, c.CurrentState())
}

func TestAdoptNoneStaysInactive(t *testing.T) {
	c, _, _ := newTestController(testRiskConfig())

	require.NoError(t, c.Adopt(context.Background()))
	assert.Equal(t, StateInactive, c.CurrentState())
}

func TestAdoptTwoBracketsConflicts(t *testing.T) {
	cfg := testRiskConfig()
	c, ex, _ := newTestController(cfg)
	for i := 0; i < 2; i++ {
		_, err := ex.PlaceBracket(context.Background(), exchange.BracketSpec{Symbol: cfg.Symbol})
		require.NoError(t, err)
	}

	err := c.Adopt(context.Background())
	assert.ErrorIs(t, err, ErrBracketConflict)
}

func TestTrailRatchetsUpward(t *testing.T) {
	c, ex, _ := newTestController(testRiskConfig())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	// price climbs: stop follows the high-water mark
	require.NoError(t, c.Trail(ctx, 110))
	assert.InDelta(t, 105.6, ex.lastPlaced().StopPrice, 1e-9)

	// price falls back: no replacement, stop stays put
	before := len(ex.placed)
	require.NoError(t, c.Trail(ctx, 95))
	assert.Equal(t, before, len(ex.placed))
	assert.InDelta(t, 105.6, ex.lastPlaced().StopPrice, 1e-9)

	// new high ratchets again
	require.NoError(t, c.Trail(ctx, 120))
	assert.InDelta(t, 115.2, ex.lastPlaced().StopPrice, 1e-9)
}

func TestTrailRespectsMinImprovement(t *testing.T) {
	cfg := testRiskConfig()
	cfg.RiskMinImprovementPct = 0.05
	c, ex, _ := newTestController(cfg)
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	// 1% improvement is below the 5% bar
	before := len(ex.placed)
	require.NoError(t, c.Trail(ctx, 101))
	assert.Equal(t, before, len(ex.placed))

	// 10% clears it
	require.NoError(t, c.Trail(ctx, 110))
	assert.Equal(t, before+1, len(ex.placed))
}

func TestTrailRespectsUpdateInterval(t *testing.T) {
	cfg := testRiskConfig()
	cfg.RiskUpdateInterval = time.Hour
	c, ex, _ := newTestController(cfg)
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	before := len(ex.placed)
	require.NoError(t, c.Trail(ctx, 150))
	assert.Equal(t, before, len(ex.placed))
}

func TestCheckTriggeredHaltsAndSettles(t *testing.T) {
	c, ex, core := newTestController(testRiskConfig())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	// bracket still live: nothing happens
	require.NoError(t, c.CheckTriggered(ctx))
	assert.Equal(t, 0, core.count())
	assert.Equal(t, StateArmed, c.CurrentState())

	ex.trip(ex.open[0].ListID)
	require.NoError(t, c.CheckTriggered(ctx))
	assert.Equal(t, 1, core.count())
	assert.Equal(t, 1, core.refreshes)
	assert.Equal(t, StateInactive, c.CurrentState())

	// second poll is a no-op
	require.NoError(t, c.CheckTriggered(ctx))
	assert.Equal(t, 1, core.count())
}

func TestDisarmCancelsBracket(t *testing.T) {
	c, ex, _ := newTestController(testRiskConfig())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	require.NoError(t, c.Disarm(ctx))
	assert.Equal(t, StateInactive, c.CurrentState())
	assert.Len(t, ex.open, 0)
	assert.Len(t, ex.canceled, 1)
}

func TestVolatilityTightensTrailing(t *testing.T) {
	cfg := testRiskConfig()
	cfg.VolatilityThreshold = 0.001 // flat fixture ATR/price ~0.02 exceeds this
	cfg.VolatilityTightenMult = 0.5
	c, _, _ := newTestController(cfg)
	ctx := context.Background()

	require.NoError(t, c.AdjustVolatility(ctx))
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	c.mu.Lock()
	sl := c.currentSL
	c.mu.Unlock()
	assert.InDelta(t, 100*(1-0.04*0.5), sl, 1e-9)
}

func TestAdoptRestoresTrailingContext(t *testing.T) {
	cfg := testRiskConfig()
	c, ex, _ := newTestController(cfg)
	ctx := context.Background()

	live, err := ex.PlaceBracket(ctx, exchange.BracketSpec{Symbol: cfg.Symbol, Quantity: 2})
	require.NoError(t, err)

	store := &fakeBracketStore{}
	require.NoError(t, store.SaveBracket(BracketRecord{
		Ref: live, Quantity: 2, StopLoss: 96, TakeProfit: 102, HighWater: 100,
	}))
	c.store = store

	require.NoError(t, c.Adopt(ctx))
	require.Equal(t, StateArmed, c.CurrentState())

	// the restored quantity and stop make trailing possible again
	before := len(ex.placed)
	require.NoError(t, c.Trail(ctx, 110))
	require.Equal(t, before+1, len(ex.placed))
	assert.InDelta(t, 105.6, ex.lastPlaced().StopPrice, 1e-9)
	assert.InDelta(t, 2.0, ex.lastPlaced().Quantity, 1e-9)
}

func TestAdoptedBracketWithoutRecordIsNotTrailed(t *testing.T) {
	cfg := testRiskConfig()
	c, ex, _ := newTestController(cfg)
	ctx := context.Background()

	_, err := ex.PlaceBracket(ctx, exchange.BracketSpec{Symbol: cfg.Symbol})
	require.NoError(t, err)
	require.NoError(t, c.Adopt(ctx))

	before := len(ex.placed)
	require.NoError(t, c.Trail(ctx, 150))
	assert.Equal(t, before, len(ex.placed), "a bracket with unknown quantity cannot be replaced")
}

func TestEnsureArmsAroundPosition(t *testing.T) {
	c, ex, _ := newTestController(testRiskConfig())
	ctx := context.Background()

	ex.mu.Lock()
	ex.baseFree = decimal.NewFromFloat(2.0) // 200 USDT at the fixture price
	ex.mu.Unlock()

	require.NoError(t, c.Ensure(ctx))
	assert.Equal(t, StateArmed, c.CurrentState())
	assert.InDelta(t, 2.0, ex.lastPlaced().Quantity, 1e-9)
	assert.InDelta(t, 96.0, ex.lastPlaced().StopPrice, 1e-9)

	// already armed: a second pass places nothing
	before := len(ex.placed)
	require.NoError(t, c.Ensure(ctx))
	assert.Equal(t, before, len(ex.placed))
}

func TestEnsureSkipsDustPosition(t *testing.T) {
	c, ex, _ := newTestController(testRiskConfig())

	ex.mu.Lock()
	ex.baseFree = decimal.NewFromFloat(0.01) // 1 USDT, below the minimum notional
	ex.mu.Unlock()

	require.NoError(t, c.Ensure(context.Background()))
	assert.Equal(t, StateInactive, c.CurrentState())
	assert.Empty(t, ex.placed)
}

func TestExternallyCancelledBracketStandsDown(t *testing.T) {
	c, ex, core := newTestController(testRiskConfig())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	ex.mu.Lock()
	listID := ex.open[0].ListID
	ex.mu.Unlock()
	ex.cancelExternally(listID)

	require.NoError(t, c.CheckTriggered(ctx))
	assert.Equal(t, 0, core.count(), "an operator cancel is not an executed exit")
	assert.Equal(t, StateInactive, c.CurrentState())
}

func TestTrailFallbackRestoresPreviousBracket(t *testing.T) {
	c, ex, _ := newTestController(testRiskConfig())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	ex.mu.Lock()
	ex.failPlacement = 1 // the trail replacement fails, the restore succeeds
	ex.mu.Unlock()

	err := c.Trail(ctx, 110)
	require.Error(t, err)

	assert.Equal(t, StateArmed, c.CurrentState())
	assert.Len(t, ex.open, 1, "protection must be live again after the fallback")
	assert.InDelta(t, 96.0, ex.lastPlaced().StopPrice, 1e-9, "fallback re-places the previous stop")

	// the restored bracket is real: its loss does register as a trigger
	require.NoError(t, c.CheckTriggered(ctx))
	assert.Equal(t, StateArmed, c.CurrentState())
}

func TestTrailDoubleFailureStandsDownWithoutPhantomHalt(t *testing.T) {
	c, ex, core := newTestController(testRiskConfig())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, 2.0, 100))

	ex.mu.Lock()
	ex.failPlacement = 2 // replacement and restore both fail
	ex.mu.Unlock()

	require.Error(t, c.Trail(ctx, 110))
	assert.Equal(t, StateInactive, c.CurrentState(), "no bracket is live, the state must say so")

	// the stale reference must not read as an executed exit later
	require.NoError(t, c.CheckTriggered(ctx))
	assert.Equal(t, 0, core.count(), "a lost replacement is not a trigger")
}

func TestVolatilityRelaxesWhenCalm(t *testing.T) {
	cfg := testRiskConfig()
	cfg.VolatilityThreshold = 0.5 // fixture never exceeds this
	cfg.VolatilityTightenMult = 0.5
	c, _, _ := newTestController(cfg)
	ctx := context.Background()

	c.mu.Lock()
	c.slPct = 0.02 // pretend a previous tighten happened
	c.mu.Unlock()

	require.NoError(t, c.AdjustVolatility(ctx))

	c.mu.Lock()
	slPct := c.slPct
	c.mu.Unlock()
	assert.InDelta(t, cfg.TrailingStopLossPct, slPct, 1e-9)
}
