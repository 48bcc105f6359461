// Package trader owns the order lifecycle: it turns grid plans into live
// orders, reacts to fills with hedge orders, and reconciles local state
// against the exchange. One mutex guards the grid state; every network call
// happens outside it and commits its outcome under a fresh acquisition.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/fund"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
)

// consecutive placement failures before the manager pulls the plug
const maxConsecutiveFailures = 3

// TradeLog persists fills and grid changes. The sqlite store implements it;
// tests pass nil.
type TradeLog interface {
	RecordFill(symbol, side string, price, qty float64, orderID int64) error
	RecordGrid(symbol, strategy string, center float64, levels int) error
}

// Manager drives the grid. All exported methods are safe for concurrent
// use.
type Manager struct {
	cfg      *config.Config
	ex       exchange.Exchange
	ledger   *fund.Ledger
	engine   *grid.Engine
	metrics  *market.Engine
	notifier notify.Notifier
	log      TradeLog
	retry    exchange.RetryPolicy

	mu       sync.Mutex
	state    *grid.State
	halted   bool
	failures int

	inflight sync.WaitGroup
}

// NewManager wires the order lifecycle manager. notifier must not be nil
// (use notify.Nop{}); log may be nil.
func NewManager(cfg *config.Config, ex exchange.Exchange, ledger *fund.Ledger,
	engine *grid.Engine, metrics *market.Engine, notifier notify.Notifier, log TradeLog) *Manager {
	return &Manager{
		cfg:      cfg,
		ex:       ex,
		ledger:   ledger,
		engine:   engine,
		metrics:  metrics,
		notifier: notifier,
		log:      log,
		retry: exchange.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseBackoff: cfg.RetryBackoff,
		},
	}
}

// Halt stops all new order activity and waits for in-flight operations to
// land. When Halt returns, nothing is mutating grid state or the ledger.
func (m *Manager) Halt() {
	m.mu.Lock()
	already := m.halted
	m.halted = true
	m.mu.Unlock()
	m.inflight.Wait()
	if !already {
		logger.Warnf("trading halted")
	}
}

// Resume re-enables order activity.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.halted = false
	m.failures = 0
	m.mu.Unlock()
	logger.Infof("trading resumed")
}

// Halted reports the halt flag.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// RefreshBalances pulls free balances from the exchange into the ledger.
func (m *Manager) RefreshBalances(ctx context.Context) error {
	balances, err := m.ex.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("refresh balances: %w", err)
	}
	for _, asset := range []string{m.cfg.BaseAsset, m.cfg.QuoteAsset} {
		bal, ok := balances[asset]
		if !ok {
			bal = decimal.Zero
		}
		m.ledger.ConfirmExternal(asset, bal)
	}
	return nil
}

// Recalculate computes fresh metrics, plans a new grid, and atomically
// swaps it in: old orders are cancelled, reservations released, then the
// new plan's orders go out. Readers never observe a half-replaced grid.
func (m *Manager) Recalculate(ctx context.Context) error {
	if m.Halted() {
		return nil
	}
	mtr, err := m.metrics.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("recalculate: %w", err)
	}
	if err := m.RefreshBalances(ctx); err != nil {
		return err
	}
	snap := m.ledger.Snapshot()

	plan, err := m.engine.Plan(ctx, grid.Inputs{
		Price:          mtr.Price,
		HistoricalRef:  mtr.HistoricalRef,
		ATR:            mtr.ATR,
		Trend:          mtr.TrendStrength,
		QuoteAvailable: snap.AvailableFloat(m.cfg.QuoteAsset),
		BaseAvailable:  snap.AvailableFloat(m.cfg.BaseAsset),
	}, 0)
	if err != nil {
		return fmt.Errorf("recalculate: %w", err)
	}

	if err := m.install(ctx, plan); err != nil {
		return err
	}
	m.notifier.RecalculationApplied(m.cfg.Symbol, string(plan.Strategy), len(plan.Levels))
	if m.log != nil {
		if err := m.log.RecordGrid(m.cfg.Symbol, string(plan.Strategy), plan.Center, len(plan.Levels)); err != nil {
			logger.Errorf("record grid: %v", err)
		}
	}
	return nil
}

// install replaces the live grid with a new plan.
func (m *Manager) install(ctx context.Context, plan *grid.State) error {
	old := m.detachState()
	if old != nil {
		m.teardown(ctx, old)
	}

	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return nil
	}
	m.state = plan
	m.mu.Unlock()

	for _, level := range plan.Levels {
		if err := m.placeLevel(ctx, plan, level); err != nil {
			logger.Errorf("place level %d (%s @ %.6f): %v", level.Index, level.Side, level.Price, err)
		}
	}
	return nil
}

// detachState removes the current grid from the manager so no new
// operations can reach it while it is being torn down.
func (m *Manager) detachState() *grid.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.state
	m.state = nil
	return old
}

// teardown empties a detached grid under the lock, then cancels its live
// orders outside it. In-flight placements notice their level went Empty
// when they come back and undo themselves. Cancelling an active order
// unlocks its funds at the exchange, so the notional is credited back
// instead of waiting for the next balance refresh.
func (m *Manager) teardown(ctx context.Context, s *grid.State) {
	type liveOrder struct {
		ref    exchange.OrderRef
		asset  string
		amount decimal.Decimal
	}

	m.mu.Lock()
	var live []liveOrder
	for _, level := range s.Levels {
		if level.State == grid.LevelActive && level.Order.ID != 0 {
			asset, amount := reserveFor(m.cfg, level)
			live = append(live, liveOrder{ref: level.Order, asset: asset, amount: amount})
		}
		m.ledger.Release(level.Reservation)
		level.Reservation = nil
		level.State = grid.LevelEmpty
	}
	m.mu.Unlock()

	for _, o := range live {
		err := m.ex.CancelOrder(ctx, o.ref)
		switch {
		case err == nil:
			m.ledger.Credit(o.asset, o.amount)
		case errors.Is(err, exchange.ErrStaleReference):
			// already off the book (filled or cancelled elsewhere); the
			// balance refresh settles whichever it was
		default:
			logger.Warnf("cancel order %d during teardown: %v", o.ref.ID, err)
		}
	}
}

// placeLevel walks one level through Empty → Reserved → Submitted →
// Active. Funds are reserved under the lock, the network call runs outside
// it, and the outcome is committed under a fresh acquisition. Any failure
// after the reservation rolls the level back to Empty and releases the
// hold.
func (m *Manager) placeLevel(ctx context.Context, s *grid.State, level *grid.Level) error {
	m.mu.Lock()
	if m.halted || m.state != s || level.State != grid.LevelEmpty {
		m.mu.Unlock()
		return nil
	}

	asset, amount := reserveFor(m.cfg, level)
	res, err := m.ledger.Reserve(asset, amount)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, fund.ErrInsufficientFunds) {
			logger.Warnf("level %d (%s @ %.6f) unfunded: %v", level.Index, level.Side, level.Price, err)
			return nil
		}
		return err
	}
	level.Reservation = res
	level.State = grid.LevelReserved
	m.mu.Unlock()

	m.inflight.Add(1)
	defer m.inflight.Done()

	// a Halt between the reservation and the wire call wins: the order
	// never goes out and the hold is returned
	m.mu.Lock()
	if m.halted || m.state != s {
		m.ledger.Release(level.Reservation)
		level.Reservation = nil
		level.State = grid.LevelEmpty
		m.mu.Unlock()
		return nil
	}
	level.State = grid.LevelSubmitted
	m.mu.Unlock()

	var ref exchange.OrderRef
	err = m.retry.Do(ctx, "place order", func(ctx context.Context) error {
		var placeErr error
		ref, placeErr = m.ex.PlaceOrder(ctx, exchange.OrderSpec{
			Symbol:   s.Symbol,
			Side:     level.Side,
			Type:     exchange.OrderTypeLimit,
			Price:    level.Price,
			Quantity: level.Quantity,
		})
		return placeErr
	})

	m.mu.Lock()
	if err != nil {
		m.ledger.Release(level.Reservation)
		level.Reservation = nil
		level.State = grid.LevelEmpty
		var stop string
		if exchange.Retryable(err) {
			m.failures++
			if m.failures >= maxConsecutiveFailures {
				stop = fmt.Sprintf("%d consecutive placement failures: %v", m.failures, err)
			}
		}
		m.mu.Unlock()
		if stop != "" {
			go m.emergencyStop(context.Background(), stop)
		}
		return err
	}
	if m.halted || m.state != s || level.State != grid.LevelSubmitted {
		// the grid was replaced or halted while the order was in flight
		m.ledger.Release(level.Reservation)
		level.Reservation = nil
		level.State = grid.LevelEmpty
		m.mu.Unlock()
		if cancelErr := m.ex.CancelOrder(ctx, ref); cancelErr != nil &&
			!errors.Is(cancelErr, exchange.ErrStaleReference) {
			logger.Warnf("cancel superseded order %d: %v", ref.ID, cancelErr)
		}
		return nil
	}
	m.failures = 0
	level.Order = ref
	level.State = grid.LevelActive
	// the exchange now holds the funds; retire the reservation so the next
	// balance refresh (which reports them as locked, not free) is not
	// subtracted a second time
	m.ledger.Commit(level.Reservation)
	level.Reservation = nil
	m.mu.Unlock()
	logger.Infof("level %d active: %s %.8g @ %.6f (order %d)", level.Index, level.Side, level.Quantity, level.Price, ref.ID)
	return nil
}

// reserveFor maps a level to the asset and amount its order locks up.
func reserveFor(cfg *config.Config, level *grid.Level) (string, decimal.Decimal) {
	if level.Side == exchange.SideBuy {
		return cfg.QuoteAsset, decimal.NewFromFloat(level.Price * level.Quantity)
	}
	return cfg.BaseAsset, decimal.NewFromFloat(level.Quantity)
}

// HandleFill settles a filled level exactly once and re-arms it on the
// opposite side when the round trip clears the fee hurdle.
func (m *Manager) HandleFill(ctx context.Context, status exchange.OrderStatus) {
	m.mu.Lock()
	s := m.state
	if s == nil {
		m.mu.Unlock()
		return
	}
	level := s.LevelByOrderID(status.Ref.ID)
	if level == nil || level.State != grid.LevelActive {
		// already settled or not ours
		m.mu.Unlock()
		return
	}
	level.State = grid.LevelFilled
	level.FilledQty = status.ExecutedQty
	level.FilledPrice = status.AvgPrice
	if level.FilledPrice <= 0 {
		level.FilledPrice = level.Price
	}
	m.settleFill(level)
	side := level.Side
	price := level.FilledPrice
	qty := level.FilledQty
	m.mu.Unlock()

	logger.Infof("fill: %s %.8g @ %.6f (order %d)", side, qty, price, status.Ref.ID)
	m.notifier.FillOccurred(m.cfg.Symbol, string(side), price, qty)
	if m.log != nil {
		if err := m.log.RecordFill(m.cfg.Symbol, string(side), price, qty, status.Ref.ID); err != nil {
			logger.Errorf("record fill: %v", err)
		}
	}

	m.rearmOpposite(ctx, s, level)
}

// settleFill credits what the fill delivered. The full order notional left
// the ledger when the order was acknowledged, so a partial execution also
// returns the unfilled remainder the exchange unlocked. Called with the
// manager lock held.
func (m *Manager) settleFill(level *grid.Level) {
	unfilled := level.Quantity - level.FilledQty
	if unfilled < 0 {
		unfilled = 0
	}
	if level.Side == exchange.SideBuy {
		m.ledger.Credit(m.cfg.BaseAsset, decimal.NewFromFloat(level.FilledQty))
		if unfilled > 0 {
			m.ledger.Credit(m.cfg.QuoteAsset, decimal.NewFromFloat(level.Price*unfilled))
		}
	} else {
		proceeds := level.FilledPrice * level.FilledQty * (1 - m.cfg.FeeRate)
		m.ledger.Credit(m.cfg.QuoteAsset, decimal.NewFromFloat(proceeds))
		if unfilled > 0 {
			m.ledger.Credit(m.cfg.BaseAsset, decimal.NewFromFloat(unfilled))
		}
	}
	level.Reservation = nil
}

// rearmOpposite flips a filled level to the other side one spacing away
// and places the hedge, but only when the expected round trip beats fees
// and slippage by the configured margin.
func (m *Manager) rearmOpposite(ctx context.Context, s *grid.State, level *grid.Level) {
	m.mu.Lock()
	if m.state != s || level.State != grid.LevelFilled {
		m.mu.Unlock()
		return
	}

	fillPrice := level.FilledPrice
	fillQty := level.FilledQty
	var hedgePrice float64
	if level.Side == exchange.SideBuy {
		hedgePrice = fillPrice * (1 + s.Spacing)
	} else {
		hedgePrice = fillPrice * (1 - s.Spacing)
	}
	// the raw offset price almost never lands on a tick boundary and the
	// exchange rejects unaligned orders, so snap before anything else
	hedgePrice = m.engine.SnapPrice(hedgePrice)
	hedgeQty := m.engine.FloorQty(fillQty)
	if hedgeQty <= 0 || hedgeQty*hedgePrice < m.cfg.MinNotional {
		logger.Warnf("hedge for level %d skipped: %.8g @ %.6f is below the minimum notional",
			level.Index, hedgeQty, hedgePrice)
		level.State = grid.LevelEmpty
		m.mu.Unlock()
		return
	}

	buyPrice, sellPrice := fillPrice, hedgePrice
	if level.Side == exchange.SideSell {
		buyPrice, sellPrice = hedgePrice, fillPrice
	}
	if !m.Profitable(buyPrice, sellPrice, hedgeQty) {
		logger.Warnf("hedge for level %d skipped: %.6f -> %.6f x %.8g does not clear the fee hurdle",
			level.Index, fillPrice, hedgePrice, hedgeQty)
		level.State = grid.LevelEmpty
		m.mu.Unlock()
		return
	}

	level.Side = level.Side.Opposite()
	level.Price = hedgePrice
	level.Quantity = hedgeQty
	level.State = grid.LevelEmpty
	level.Order = exchange.OrderRef{}
	m.mu.Unlock()

	// a failed hedge leaves one side of a round trip naked; that is not a
	// condition to ride out, so exhausted retries stop the whole grid
	if err := m.placeLevel(ctx, s, level); err != nil {
		m.emergencyStop(ctx, fmt.Sprintf("hedge for level %d failed after retries: %v", level.Index, err))
	}
}

// Profitable reports whether a buy-then-sell round trip at these prices
// beats fees plus slippage by the configured multiple.
func (m *Manager) Profitable(buyPrice, sellPrice, qty float64) bool {
	gross := (sellPrice - buyPrice) * qty
	turnover := (sellPrice + buyPrice) * qty
	fees := turnover * m.cfg.FeeRate
	slippage := turnover * m.cfg.SlippagePct
	return gross > (fees+slippage)*m.cfg.ProfitMarginMult
}

// emergencyStop cancels everything, releases all holds, and halts. The
// operator has to resume manually.
func (m *Manager) emergencyStop(ctx context.Context, reason string) {
	logger.Errorf("EMERGENCY STOP: %s", reason)
	m.mu.Lock()
	m.halted = true
	old := m.state
	m.state = nil
	m.mu.Unlock()

	if old != nil {
		m.teardown(ctx, old)
	}
	m.notifier.EmergencyStop(m.cfg.Symbol, reason)
}

// EmergencyStop is the exported trigger used by the risk controller.
func (m *Manager) EmergencyStop(ctx context.Context, reason string) {
	m.emergencyStop(ctx, reason)
	m.inflight.Wait()
}

// LevelView is a read-only copy of one level for the status API.
type LevelView struct {
	Index    int     `json:"index"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Core     bool    `json:"core"`
	State    string  `json:"state"`
	OrderID  int64   `json:"order_id,omitempty"`
}

// Status is a consistent snapshot of the manager for the status API.
type Status struct {
	Symbol    string      `json:"symbol"`
	Halted    bool        `json:"halted"`
	Strategy  string      `json:"strategy,omitempty"`
	Center    float64     `json:"center,omitempty"`
	Levels    []LevelView `json:"levels,omitempty"`
	PlannedAt time.Time   `json:"planned_at,omitempty"`
}

// Snapshot copies the current state under one lock acquisition.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Symbol: m.cfg.Symbol, Halted: m.halted}
	if m.state == nil {
		return st
	}
	st.Strategy = string(m.state.Strategy)
	st.Center = m.state.Center
	st.PlannedAt = m.state.CreatedAt
	for _, l := range m.state.Levels {
		st.Levels = append(st.Levels, LevelView{
			Index:    l.Index,
			Side:     string(l.Side),
			Price:    l.Price,
			Quantity: l.Quantity,
			Core:     l.Core,
			State:    string(l.State),
			OrderID:  l.Order.ID,
		})
	}
	return st
}
