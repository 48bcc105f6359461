// Package risk guards the position with an exchange-enforced OCO bracket
// and trails it behind the high-water mark. The bracket lives on the
// exchange so protection survives a process crash; the controller's job is
// adopting, tightening, and reacting to it.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
)

// ErrBracketConflict means a live bracket already exists where the state
// machine expects none, or more than one was found at startup.
var ErrBracketConflict = errors.New("bracket conflict")

// State of the bracket state machine.
type State string

const (
	StateInactive  State = "INACTIVE"
	StateArmed     State = "ARMED"
	StateTriggered State = "TRIGGERED"
)

// Core is the slice of the order lifecycle manager the controller needs:
// a synchronous halt before any exit action, and a balance refresh so the
// ledger absorbs the exchange-side exit.
type Core interface {
	Halt()
	RefreshBalances(ctx context.Context) error
}

// BracketRecord is the persisted shape of a live bracket: the exchange
// reference plus the trailing context a restart needs to resume ratcheting
// instead of watching the adopted bracket blind.
type BracketRecord struct {
	Ref        exchange.OcoRef
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	HighWater  float64
}

// BracketStore persists the live bracket so a restart can adopt it instead
// of double-protecting.
type BracketStore interface {
	LoadBracket() (BracketRecord, bool, error)
	SaveBracket(rec BracketRecord) error
	ClearBracket() error
}

// Controller runs the bracket state machine. All exported methods are safe
// for concurrent use.
type Controller struct {
	cfg      *config.Config
	ex       exchange.Exchange
	core     Core
	metrics  *market.Engine
	store    BracketStore
	notifier notify.Notifier
	filters  exchange.Filters

	mu         sync.Mutex
	state      State
	bracket    exchange.OcoRef
	qty        float64
	highWater  float64
	currentSL  float64
	currentTP  float64
	slPct      float64
	tpPct      float64
	lastUpdate time.Time
}

// NewController builds an inactive controller with the configured trailing
// percentages.
func NewController(cfg *config.Config, ex exchange.Exchange, core Core,
	metrics *market.Engine, store BracketStore, notifier notify.Notifier,
	filters exchange.Filters) *Controller {
	return &Controller{
		cfg:      cfg,
		ex:       ex,
		core:     core,
		metrics:  metrics,
		store:    store,
		notifier: notifier,
		filters:  filters,
		state:    StateInactive,
		slPct:    cfg.TrailingStopLossPct,
		tpPct:    cfg.TrailingTakeProfitPct,
	}
}

// CurrentState returns the current machine state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Adopt inspects the exchange at startup. One live bracket is adopted into
// Armed, none leaves the controller Inactive, more than one is a conflict
// the operator must resolve.
func (c *Controller) Adopt(ctx context.Context) error {
	brackets, err := c.ex.GetOpenBrackets(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("adopt brackets: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch len(brackets) {
	case 0:
		c.state = StateInactive
		if c.store != nil {
			if err := c.store.ClearBracket(); err != nil {
				logger.Warnf("clear stale bracket ref: %v", err)
			}
		}
		return nil
	case 1:
		c.bracket = brackets[0]
		c.state = StateArmed
		c.resetContextLocked()
		if c.store != nil {
			if rec, ok, loadErr := c.store.LoadBracket(); loadErr != nil {
				logger.Warnf("load stored bracket: %v", loadErr)
			} else if ok && rec.Ref.ListID == c.bracket.ListID {
				// same bracket as before the restart: resume trailing it
				c.qty = rec.Quantity
				c.currentSL = rec.StopLoss
				c.currentTP = rec.TakeProfit
				c.highWater = rec.HighWater
			}
		}
		logger.Infof("adopted live bracket %d (qty=%.8g sl=%.6f)", c.bracket.ListID, c.qty, c.currentSL)
		c.persistLocked()
		return nil
	default:
		return fmt.Errorf("%w: %d live brackets for %s", ErrBracketConflict, len(brackets), c.cfg.Symbol)
	}
}

// resetContextLocked forgets the trailing context of a previous bracket so
// it cannot attach to a different one. Called with c.mu held.
func (c *Controller) resetContextLocked() {
	c.qty = 0
	c.highWater = 0
	c.currentSL = 0
	c.currentTP = 0
}

// persistLocked writes the current bracket context through the store.
// Called with c.mu held.
func (c *Controller) persistLocked() {
	if c.store == nil {
		return
	}
	rec := BracketRecord{
		Ref:        c.bracket,
		Quantity:   c.qty,
		StopLoss:   c.currentSL,
		TakeProfit: c.currentTP,
		HighWater:  c.highWater,
	}
	if err := c.store.SaveBracket(rec); err != nil {
		logger.Warnf("persist bracket: %v", err)
	}
}

// Ensure arms a bracket around whatever base position is free at the
// exchange. A no-op while a bracket is live; positions below the minimum
// notional are left unprotected because the exchange would reject the
// legs anyway.
func (c *Controller) Ensure(ctx context.Context) error {
	if c.CurrentState() != StateInactive {
		return nil
	}

	bal, err := c.ex.GetBalance(ctx, c.cfg.BaseAsset)
	if err != nil {
		return fmt.Errorf("ensure bracket: %w", err)
	}
	price, err := c.ex.GetPrice(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("ensure bracket: %w", err)
	}

	// floor to the lot step in decimal; float division drops a step on
	// exact multiples
	step := decimal.NewFromFloat(c.filters.StepSize)
	if step.IsPositive() {
		bal = bal.Div(step).Floor().Mul(step)
	}
	qty, _ := bal.Float64()
	if qty <= 0 || qty*price < c.cfg.MinNotional {
		return nil
	}
	return c.Arm(ctx, qty, price)
}

// Arm places the initial bracket around a position. Arming twice without a
// trigger or disarm in between is a conflict.
func (c *Controller) Arm(ctx context.Context, qty, entryPrice float64) error {
	c.mu.Lock()
	if c.state == StateArmed {
		c.mu.Unlock()
		return fmt.Errorf("%w: already armed with bracket %d", ErrBracketConflict, c.bracket.ListID)
	}
	slPct, tpPct := c.slPct, c.tpPct
	c.mu.Unlock()

	sl := entryPrice * (1 - slPct)
	tp := entryPrice * (1 + tpPct)
	ref, err := c.placeBracket(ctx, qty, sl, tp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateArmed
	c.bracket = ref
	c.qty = qty
	c.highWater = entryPrice
	c.currentSL = sl
	c.currentTP = tp
	c.lastUpdate = time.Now()
	c.persistLocked()
	logger.Infof("bracket armed: qty=%.8g entry=%.6f sl=%.6f tp=%.6f (list %d)", qty, entryPrice, sl, tp, ref.ListID)
	return nil
}

// Disarm cancels the live bracket and returns to Inactive.
func (c *Controller) Disarm(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateArmed {
		c.mu.Unlock()
		return nil
	}
	ref := c.bracket
	c.mu.Unlock()

	if err := c.ex.CancelBracket(ctx, ref); err != nil && !errors.Is(err, exchange.ErrStaleReference) {
		return fmt.Errorf("disarm bracket %d: %w", ref.ListID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateInactive
	c.bracket = exchange.OcoRef{}
	c.resetContextLocked()
	if c.store != nil {
		if err := c.store.ClearBracket(); err != nil {
			logger.Warnf("clear bracket ref: %v", err)
		}
	}
	return nil
}

// Trail moves the bracket up behind a new price. The stop-loss is a
// ratchet: candidates below the current stop, improvements under the
// configured minimum, and updates inside the minimum interval are all
// ignored.
func (c *Controller) Trail(ctx context.Context, price float64) error {
	c.mu.Lock()
	// a bracket adopted without its stored record has unknown quantity
	// and stop; it is watched for trigger but cannot be trailed
	if c.state != StateArmed || price <= 0 || c.qty == 0 {
		c.mu.Unlock()
		return nil
	}
	if price > c.highWater {
		c.highWater = price
	}
	candidateSL := c.highWater * (1 - c.slPct)
	candidateTP := c.highWater * (1 + c.tpPct)

	improvement := 0.0
	if c.currentSL > 0 {
		improvement = (candidateSL - c.currentSL) / c.currentSL
	}
	if candidateSL <= c.currentSL ||
		improvement < c.cfg.RiskMinImprovementPct ||
		time.Since(c.lastUpdate) < c.cfg.RiskUpdateInterval {
		c.mu.Unlock()
		return nil
	}
	old := c.bracket
	qty := c.qty
	prevSL, prevTP := c.currentSL, c.currentTP
	c.mu.Unlock()

	// replace on the exchange: cancel then place; the gap is accepted
	// because the ratchet only ever moves protection up
	if err := c.ex.CancelBracket(ctx, old); err != nil && !errors.Is(err, exchange.ErrStaleReference) {
		return fmt.Errorf("cancel bracket %d for trail: %w", old.ListID, err)
	}
	ref, err := c.placeBracket(ctx, qty, candidateSL, candidateTP)
	if err != nil {
		// the old bracket is already cancelled, so the position is naked
		// until a bracket goes back up; fall back to the previous levels
		logger.Errorf("trail replacement at sl=%.6f failed, restoring previous bracket: %v", candidateSL, err)
		prev, prevErr := c.placeBracket(ctx, qty, prevSL, prevTP)
		if prevErr != nil {
			// nothing is live; record that honestly so the arming pass
			// re-protects instead of a stale reference reading as a trigger
			c.mu.Lock()
			c.state = StateInactive
			c.bracket = exchange.OcoRef{}
			c.resetContextLocked()
			c.mu.Unlock()
			if c.store != nil {
				if clearErr := c.store.ClearBracket(); clearErr != nil {
					logger.Warnf("clear lost bracket: %v", clearErr)
				}
			}
			logger.Errorf("restoring previous bracket failed, position unprotected: %v", prevErr)
			return fmt.Errorf("trail bracket: %w", prevErr)
		}
		c.mu.Lock()
		c.bracket = prev
		c.persistLocked()
		c.mu.Unlock()
		return fmt.Errorf("trail bracket: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bracket = ref
	c.currentSL = candidateSL
	c.currentTP = candidateTP
	c.lastUpdate = time.Now()
	c.persistLocked()
	logger.Infof("bracket trailed: sl=%.6f tp=%.6f (list %d)", candidateSL, candidateTP, ref.ListID)
	return nil
}

// AdjustVolatility tightens the trailing percentages when the market runs
// hot (ATR/price above threshold) and relaxes them back when it calms.
func (c *Controller) AdjustVolatility(ctx context.Context) error {
	m, err := c.metrics.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("volatility adjust: %w", err)
	}
	hot := m.Price > 0 && m.ATR/m.Price > c.cfg.VolatilityThreshold

	c.mu.Lock()
	defer c.mu.Unlock()
	if hot {
		c.slPct = c.cfg.TrailingStopLossPct * c.cfg.VolatilityTightenMult
		c.tpPct = c.cfg.TrailingTakeProfitPct * c.cfg.VolatilityTightenMult
		logger.Infof("volatility high (ATR/price=%.4f): trailing tightened to sl=%.4f tp=%.4f",
			m.ATR/m.Price, c.slPct, c.tpPct)
	} else {
		c.slPct = c.cfg.TrailingStopLossPct
		c.tpPct = c.cfg.TrailingTakeProfitPct
	}
	return nil
}

// CheckTriggered detects the bracket leaving the book. Absence alone is
// not a trigger — a leg must be confirmed executed, otherwise an external
// cancellation would halt the grid over a phantom exit. On a confirmed
// trigger, trading halts synchronously before anything else happens, then
// the machine settles back to Inactive.
func (c *Controller) CheckTriggered(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateArmed {
		c.mu.Unlock()
		return nil
	}
	ref := c.bracket
	c.mu.Unlock()

	brackets, err := c.ex.GetOpenBrackets(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("check bracket: %w", err)
	}
	for _, b := range brackets {
		if b.ListID == ref.ListID {
			return nil // still live
		}
	}

	executed, err := c.legExecuted(ctx, ref)
	if err != nil {
		return fmt.Errorf("check bracket %d legs: %w", ref.ListID, err)
	}
	if !executed {
		// the bracket was cancelled outside this process; stand down
		// without touching the grid and let the arming pass re-protect
		logger.Warnf("bracket %d gone without an executed leg, standing down", ref.ListID)
		c.mu.Lock()
		c.state = StateInactive
		c.bracket = exchange.OcoRef{}
		c.resetContextLocked()
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.ClearBracket(); err != nil {
				logger.Warnf("clear cancelled bracket ref: %v", err)
			}
		}
		return nil
	}

	// a leg executed: stop the grid before anything can trade into the exit
	c.core.Halt()

	c.mu.Lock()
	c.state = StateTriggered
	sl := c.currentSL
	c.bracket = exchange.OcoRef{}
	c.mu.Unlock()

	logger.Warnf("bracket %d triggered, trading halted", ref.ListID)
	c.notifier.BracketTriggered(c.cfg.Symbol, "bracket leg executed", sl)

	// the exchange already swapped the position; pull the post-exit
	// balances into the ledger
	if err := c.core.RefreshBalances(ctx); err != nil {
		logger.Errorf("refresh balances after trigger: %v", err)
	}
	if c.store != nil {
		if err := c.store.ClearBracket(); err != nil {
			logger.Warnf("clear triggered bracket ref: %v", err)
		}
	}

	c.mu.Lock()
	c.state = StateInactive
	c.resetContextLocked()
	c.mu.Unlock()
	return nil
}

// legExecuted asks the exchange whether any leg of a vanished bracket
// actually filled. Legs the exchange no longer knows prove nothing either
// way and are skipped; with no leg ids recorded at all the vanishing is
// treated as a trigger, which errs on the protective side.
func (c *Controller) legExecuted(ctx context.Context, ref exchange.OcoRef) (bool, error) {
	if len(ref.OrderIDs) == 0 {
		return true, nil
	}
	for _, id := range ref.OrderIDs {
		st, err := c.ex.GetOrderStatus(ctx, exchange.OrderRef{ID: id, Symbol: c.cfg.Symbol})
		if err != nil {
			if errors.Is(err, exchange.ErrStaleReference) {
				continue
			}
			return false, err
		}
		if st.State == exchange.OrderStateFilled || st.State == exchange.OrderStatePartiallyFilled {
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) placeBracket(ctx context.Context, qty, sl, tp float64) (exchange.OcoRef, error) {
	return c.ex.PlaceBracket(ctx, exchange.BracketSpec{
		Symbol:          c.cfg.Symbol,
		Quantity:        qty,
		TakeProfitPrice: tp,
		StopPrice:       sl,
		StopLimitPrice:  sl * (1 - c.cfg.SlippagePct),
	})
}
