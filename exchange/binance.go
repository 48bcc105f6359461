package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"gridbot/logger"
	"gridbot/market"
)

// BinanceClient implements Exchange against Binance spot. Every call gets
// its own deadline so a wedged connection cannot stall the trading loop.
type BinanceClient struct {
	client  *binance.Client
	timeout time.Duration
}

// NewBinanceClient builds a spot client. testnet points the SDK at the
// public sandbox.
func NewBinanceClient(apiKey, secretKey string, testnet bool, timeout time.Duration) *BinanceClient {
	binance.UseTestnet = testnet
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BinanceClient{
		client:  binance.NewClient(apiKey, secretKey),
		timeout: timeout,
	}
}

func (b *BinanceClient) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// GetBalance returns the free balance of one asset.
func (b *BinanceClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := b.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[asset], nil
}

// GetBalances returns free balances for every asset the account holds.
func (b *BinanceClient) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string]decimal.Decimal, len(acct.Balances))
	for _, bal := range acct.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			return nil, fmt.Errorf("parse balance %s=%q: %w", bal.Asset, bal.Free, err)
		}
		if free.IsPositive() {
			out[bal.Asset] = free
		}
	}
	return out, nil
}

// GetPrice returns the latest trade price for a symbol.
func (b *BinanceClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: no price for %s", ErrUnavailable, symbol)
	}
	p, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}
	return p, nil
}

// GetKlines fetches closed candles, oldest first.
func (b *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	raw, err := b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	klines := make([]market.Kline, 0, len(raw))
	for _, k := range raw {
		kl, err := parseKline(k)
		if err != nil {
			return nil, err
		}
		klines = append(klines, kl)
	}
	return klines, nil
}

func parseKline(k *binance.Kline) (market.Kline, error) {
	var kl market.Kline
	var err error
	if kl.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return kl, fmt.Errorf("parse kline open %q: %w", k.Open, err)
	}
	if kl.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return kl, fmt.Errorf("parse kline high %q: %w", k.High, err)
	}
	if kl.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return kl, fmt.Errorf("parse kline low %q: %w", k.Low, err)
	}
	if kl.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return kl, fmt.Errorf("parse kline close %q: %w", k.Close, err)
	}
	if kl.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return kl, fmt.Errorf("parse kline volume %q: %w", k.Volume, err)
	}
	kl.OpenTime = time.UnixMilli(k.OpenTime)
	kl.CloseTime = time.UnixMilli(k.CloseTime)
	return kl, nil
}

// GetFilters pulls the tick/step/notional constraints for one symbol.
func (b *BinanceClient) GetFilters(ctx context.Context, symbol string) (Filters, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Filters{}, classify(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		return parseFilters(s.Filters)
	}
	return Filters{}, fmt.Errorf("%w: symbol %s not in exchange info", ErrStaleReference, symbol)
}

func parseFilters(raw []map[string]interface{}) (Filters, error) {
	var f Filters
	for _, entry := range raw {
		typ, _ := entry["filterType"].(string)
		switch typ {
		case "PRICE_FILTER":
			f.TickSize = filterFloat(entry, "tickSize")
		case "LOT_SIZE":
			f.StepSize = filterFloat(entry, "stepSize")
		case "NOTIONAL", "MIN_NOTIONAL":
			f.MinNotional = filterFloat(entry, "minNotional")
		}
	}
	if f.TickSize == 0 || f.StepSize == 0 {
		return f, fmt.Errorf("incomplete instrument filters: %+v", f)
	}
	return f, nil
}

func filterFloat(entry map[string]interface{}, key string) float64 {
	s, _ := entry[key].(string)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// PlaceOrder submits an order and returns its reference.
func (b *BinanceClient) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderRef, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	svc := b.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(binance.SideType(spec.Side)).
		Type(binance.OrderType(spec.Type)).
		Quantity(formatFloat(spec.Quantity))
	if spec.Type == OrderTypeLimit {
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).Price(formatFloat(spec.Price))
	}
	if spec.ClientID != "" {
		svc = svc.NewClientOrderID(spec.ClientID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return OrderRef{}, classify(err)
	}
	logger.Debugf("placed %s %s %s qty=%s price=%s id=%d",
		spec.Symbol, spec.Side, spec.Type, formatFloat(spec.Quantity), formatFloat(spec.Price), res.OrderID)
	return OrderRef{ID: res.OrderID, ClientID: res.ClientOrderID, Symbol: spec.Symbol}, nil
}

// CancelOrder cancels a live order. A stale reference is reported as
// ErrStaleReference, not swallowed; the caller decides whether that is fine.
func (b *BinanceClient) CancelOrder(ctx context.Context, ref OrderRef) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	_, err := b.client.NewCancelOrderService().Symbol(ref.Symbol).OrderID(ref.ID).Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

// GetOrderStatus queries one order explicitly.
func (b *BinanceClient) GetOrderStatus(ctx context.Context, ref OrderRef) (OrderStatus, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	o, err := b.client.NewGetOrderService().Symbol(ref.Symbol).OrderID(ref.ID).Do(ctx)
	if err != nil {
		return OrderStatus{}, classify(err)
	}
	return orderToStatus(o), nil
}

func orderToStatus(o *binance.Order) OrderStatus {
	price, _ := strconv.ParseFloat(o.Price, 64)
	executed, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(o.CummulativeQuoteQuantity, 64)
	avg := 0.0
	if executed > 0 {
		avg = quote / executed
	}
	return OrderStatus{
		Ref:         OrderRef{ID: o.OrderID, ClientID: o.ClientOrderID, Symbol: o.Symbol},
		State:       OrderState(o.Status),
		Side:        Side(o.Side),
		Price:       price,
		ExecutedQty: executed,
		AvgPrice:    avg,
	}
}

// GetOpenOrders lists live orders for a symbol, excluding bracket legs so
// the grid reconciler only sees its own orders.
func (b *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	refs := make([]OrderRef, 0, len(orders))
	for _, o := range orders {
		if o.OrderListId != -1 {
			continue
		}
		refs = append(refs, OrderRef{ID: o.OrderID, ClientID: o.ClientOrderID, Symbol: o.Symbol})
	}
	return refs, nil
}

// PlaceBracket submits a sell-side OCO: take-profit limit plus stop-loss.
func (b *BinanceClient) PlaceBracket(ctx context.Context, spec BracketSpec) (OcoRef, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	res, err := b.client.NewCreateOCOService().
		Symbol(spec.Symbol).
		Side(binance.SideTypeSell).
		Quantity(formatFloat(spec.Quantity)).
		Price(formatFloat(spec.TakeProfitPrice)).
		StopPrice(formatFloat(spec.StopPrice)).
		StopLimitPrice(formatFloat(spec.StopLimitPrice)).
		StopLimitTimeInForce(binance.TimeInForceTypeGTC).
		Do(ctx)
	if err != nil {
		return OcoRef{}, classify(err)
	}
	ref := OcoRef{ListID: res.OrderListID, Symbol: spec.Symbol}
	for _, o := range res.Orders {
		ref.OrderIDs = append(ref.OrderIDs, o.OrderID)
	}
	logger.Infof("placed bracket %s qty=%s tp=%s stop=%s list=%d",
		spec.Symbol, formatFloat(spec.Quantity), formatFloat(spec.TakeProfitPrice),
		formatFloat(spec.StopPrice), res.OrderListID)
	return ref, nil
}

// CancelBracket cancels both legs of a live OCO.
func (b *BinanceClient) CancelBracket(ctx context.Context, ref OcoRef) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	_, err := b.client.NewCancelOCOService().Symbol(ref.Symbol).OrderListID(ref.ListID).Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

// GetOpenBrackets finds live order lists by grouping open orders on their
// list id. This avoids a dedicated OCO query and works on the testnet too.
func (b *BinanceClient) GetOpenBrackets(ctx context.Context, symbol string) ([]OcoRef, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	byList := make(map[int64]*OcoRef)
	var order []int64
	for _, o := range orders {
		if o.OrderListId == -1 {
			continue
		}
		ref, ok := byList[o.OrderListId]
		if !ok {
			ref = &OcoRef{ListID: o.OrderListId, Symbol: o.Symbol}
			byList[o.OrderListId] = ref
			order = append(order, o.OrderListId)
		}
		ref.OrderIDs = append(ref.OrderIDs, o.OrderID)
	}
	refs := make([]OcoRef, 0, len(order))
	for _, id := range order {
		refs = append(refs, *byList[id])
	}
	return refs, nil
}

// formatFloat renders prices and quantities the way the REST API expects:
// plain decimal, no scientific notation, no float repr noise.
func formatFloat(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}
