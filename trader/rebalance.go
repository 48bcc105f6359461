package trader

import (
	"context"
	"fmt"
	"math"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
)

// ExchangeRebalancer executes the market trades deadlock recovery asks
// for. It satisfies grid.Rebalancer.
type ExchangeRebalancer struct {
	cfg     *config.Config
	ex      exchange.Exchange
	filters exchange.Filters
}

// NewExchangeRebalancer builds a rebalancer for the configured instrument.
func NewExchangeRebalancer(cfg *config.Config, ex exchange.Exchange, filters exchange.Filters) *ExchangeRebalancer {
	return &ExchangeRebalancer{cfg: cfg, ex: ex, filters: filters}
}

// MarketBuy converts quoteAmount of quote into base at market.
func (r *ExchangeRebalancer) MarketBuy(ctx context.Context, quoteAmount float64) error {
	price, err := r.ex.GetPrice(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("rebalance price: %w", err)
	}
	qty := stepFloor(quoteAmount/price, r.filters.StepSize)
	if qty <= 0 || qty*price < r.cfg.MinNotional {
		return fmt.Errorf("rebalance buy of %.2f quote too small at price %.6f", quoteAmount, price)
	}
	logger.Warnf("rebalance: market buy %.8g %s (~%.2f %s)", qty, r.cfg.BaseAsset, quoteAmount, r.cfg.QuoteAsset)
	_, err = r.ex.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:   r.cfg.Symbol,
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: qty,
	})
	return err
}

// MarketSell converts baseQuantity of base into quote at market.
func (r *ExchangeRebalancer) MarketSell(ctx context.Context, baseQuantity float64) error {
	qty := stepFloor(baseQuantity, r.filters.StepSize)
	if qty <= 0 {
		return fmt.Errorf("rebalance sell of %.8g base floors to zero", baseQuantity)
	}
	logger.Warnf("rebalance: market sell %.8g %s", qty, r.cfg.BaseAsset)
	_, err := r.ex.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:   r.cfg.Symbol,
		Side:     exchange.SideSell,
		Type:     exchange.OrderTypeMarket,
		Quantity: qty,
	})
	return err
}

// Balances reports free quote and base after the trade settles.
func (r *ExchangeRebalancer) Balances(ctx context.Context) (float64, float64, error) {
	balances, err := r.ex.GetBalances(ctx)
	if err != nil {
		return 0, 0, err
	}
	quote, _ := balances[r.cfg.QuoteAsset].Float64()
	base, _ := balances[r.cfg.BaseAsset].Float64()
	return quote, base, nil
}

func stepFloor(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}
