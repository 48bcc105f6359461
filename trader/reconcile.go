package trader

import (
	"context"
	"errors"
	"fmt"

	"gridbot/exchange"
	"gridbot/grid"
	"gridbot/logger"
)

// Reconcile diffs local level state against the exchange's open orders. A
// level whose order is gone is never assumed dead: its status is queried
// explicitly, and only the exchange's answer decides between the fill path
// and releasing the hold. Fills found here go through the same settlement
// as live fills, exactly once.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	s := m.state
	if s == nil || m.halted {
		m.mu.Unlock()
		return nil
	}
	var tracked []exchange.OrderRef
	for _, level := range s.Levels {
		if level.State == grid.LevelActive && level.Order.ID != 0 {
			tracked = append(tracked, level.Order)
		}
	}
	m.mu.Unlock()

	if len(tracked) == 0 {
		return nil
	}

	open, err := m.ex.GetOpenOrders(ctx, m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("reconcile: list open orders: %w", err)
	}
	openSet := make(map[int64]bool, len(open))
	for _, ref := range open {
		openSet[ref.ID] = true
	}

	for _, ref := range tracked {
		if openSet[ref.ID] {
			continue
		}
		if err := m.resolveMissing(ctx, s, ref); err != nil {
			logger.Errorf("reconcile order %d: %v", ref.ID, err)
		}
	}
	return nil
}

// resolveMissing handles one tracked order that is no longer open.
func (m *Manager) resolveMissing(ctx context.Context, s *grid.State, ref exchange.OrderRef) error {
	status, err := m.ex.GetOrderStatus(ctx, ref)
	if err != nil {
		if errors.Is(err, exchange.ErrStaleReference) {
			// the exchange no longer knows this order at all
			logger.Warnf("order %d unknown to exchange, releasing its level", ref.ID)
			m.releaseLevel(s, ref.ID)
			return nil
		}
		return err
	}

	switch status.State {
	case exchange.OrderStateFilled:
		m.HandleFill(ctx, status)
	case exchange.OrderStatePartiallyFilled:
		// gone from the book with a partial execution: settle what filled
		logger.Warnf("order %d left the book partially filled (%.8g)", ref.ID, status.ExecutedQty)
		m.HandleFill(ctx, status)
	case exchange.OrderStateCanceled, exchange.OrderStateExpired, exchange.OrderStateRejected:
		if status.ExecutedQty > 0 {
			// cancelled after a partial execution: the filled part still
			// has to settle and hedge
			logger.Warnf("order %d ended %s with %.8g executed", ref.ID, status.State, status.ExecutedQty)
			m.HandleFill(ctx, status)
			return nil
		}
		logger.Infof("order %d ended %s, releasing its level", ref.ID, status.State)
		m.releaseLevel(s, ref.ID)
	default:
		// still live according to the status query; the open-orders list
		// was just stale
	}
	return nil
}

// releaseLevel returns a level to Empty. The order is confirmed off the
// book without executing, so the exchange has unlocked its notional; credit
// it back rather than waiting for the next balance refresh.
func (m *Manager) releaseLevel(s *grid.State, orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != s {
		return
	}
	level := s.LevelByOrderID(orderID)
	if level == nil || level.State != grid.LevelActive {
		return
	}
	asset, amount := reserveFor(m.cfg, level)
	m.ledger.Credit(asset, amount)
	m.ledger.Release(level.Reservation)
	level.Reservation = nil
	level.State = grid.LevelEmpty
	level.Order = exchange.OrderRef{}
}

// CheckIntegrity re-places orders for levels that went Empty without being
// consumed by a hedge (released by reconciliation or skipped for funds at
// plan time). It is the self-healing pass of the maintenance loop.
func (m *Manager) CheckIntegrity(ctx context.Context) error {
	m.mu.Lock()
	s := m.state
	if s == nil || m.halted {
		m.mu.Unlock()
		return nil
	}
	var idle []*grid.Level
	for _, level := range s.Levels {
		if level.State == grid.LevelEmpty {
			idle = append(idle, level)
		}
	}
	m.mu.Unlock()

	for _, level := range idle {
		if err := m.placeLevel(ctx, s, level); err != nil {
			logger.Warnf("integrity re-place level %d: %v", level.Index, err)
		}
	}
	return nil
}
