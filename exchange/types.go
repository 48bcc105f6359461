// Package exchange defines the contract between the trading core and the
// remote exchange, plus the Binance spot implementation. All calls are
// synchronous with a bounded timeout; business-level retry policy lives in
// Retry and is applied by the callers, above transport-level retries.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"gridbot/market"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderSpec describes an order to place. Price is ignored for market orders.
type OrderSpec struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Price    float64
	Quantity float64
	ClientID string
}

// OrderRef identifies a placed order.
type OrderRef struct {
	ID       int64
	ClientID string
	Symbol   string
}

// OrderState is the exchange-reported terminal or live state of an order.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateExpired         OrderState = "EXPIRED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateUnknown         OrderState = "UNKNOWN"
)

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateExpired, OrderStateRejected:
		return true
	}
	return false
}

// OrderStatus is the result of an explicit status query.
type OrderStatus struct {
	Ref         OrderRef
	State       OrderState
	Side        Side
	Price       float64
	ExecutedQty float64
	AvgPrice    float64
}

// BracketSpec describes a protective OCO pair: a take-profit limit leg and a
// stop-loss leg, exchange-enforced to be mutually exclusive.
type BracketSpec struct {
	Symbol          string
	Quantity        float64
	TakeProfitPrice float64
	StopPrice       float64
	StopLimitPrice  float64
}

// OcoRef identifies a live bracket (order list) at the exchange. OrderIDs
// are the individual legs; they let a missing list be confirmed as executed
// rather than assumed so.
type OcoRef struct {
	ListID   int64
	Symbol   string
	OrderIDs []int64
}

// Filters are the instrument constraints orders must satisfy.
type Filters struct {
	TickSize    float64
	StepSize    float64
	MinNotional float64
}

// Exchange is the trading core's view of the remote venue.
type Exchange interface {
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	GetFilters(ctx context.Context, symbol string) (Filters, error)

	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderRef, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	GetOrderStatus(ctx context.Context, ref OrderRef) (OrderStatus, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error)

	PlaceBracket(ctx context.Context, spec BracketSpec) (OcoRef, error)
	CancelBracket(ctx context.Context, ref OcoRef) error
	GetOpenBrackets(ctx context.Context, symbol string) ([]OcoRef, error)
}
