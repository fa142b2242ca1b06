package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PaperExchange simulates a trading exchange for paper mode and tests.
// Market orders fill immediately with a slippage model; stop-loss and
// take-profit legs rest until MarkPrice crosses their trigger.
type PaperExchange struct {
	mu     sync.RWMutex
	orders map[string]*Order
	fills  map[string][]Fill

	marketPrices map[string]decimal.Decimal
	balances     map[string]decimal.Decimal
	fees         FeeModel

	// failNext, when set, fails the next PlaceOrder call once. Used to
	// exercise retry and rejection paths.
	failNext error

	fillSubs []func(Fill, *Order)
}

// NewPaperExchange creates a paper exchange with the default fee model
func NewPaperExchange() *PaperExchange {
	return NewPaperExchangeWithFees(DefaultFeeModel())
}

// NewPaperExchangeWithFees creates a paper exchange with a custom fee model
func NewPaperExchangeWithFees(fees FeeModel) *PaperExchange {
	log.Info().
		Str("maker_fee", fees.Maker.String()).
		Str("taker_fee", fees.Taker.String()).
		Str("base_slippage", fees.BaseSlippage.String()).
		Msg("Paper exchange initialized")

	return &PaperExchange{
		orders:       make(map[string]*Order),
		fills:        make(map[string][]Fill),
		marketPrices: make(map[string]decimal.Decimal),
		balances:     make(map[string]decimal.Decimal),
		fees:         fees,
	}
}

// OnFill registers a callback invoked after every fill, outside the
// exchange lock. Must be called before trading starts.
func (p *PaperExchange) OnFill(fn func(Fill, *Order)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillSubs = append(p.fillSubs, fn)
}

// FailNext makes the next PlaceOrder call return err once
func (p *PaperExchange) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// SetBalance sets an asset balance
func (p *PaperExchange) SetBalance(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = amount
}

// PlaceOrder places a new order. Re-submitting an InternalID already
// seen returns the original outcome without creating a new order.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	p.mu.Lock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		p.mu.Unlock()
		return nil, err
	}

	if existing, ok := p.orders[req.InternalID]; ok {
		p.mu.Unlock()
		return &PlaceOrderResponse{
			InternalID:      existing.InternalID,
			ExchangeOrderID: existing.ExchangeOrderID,
			Status:          existing.Status,
			Message:         "duplicate internal_order_id, original order returned",
		}, nil
	}

	if err := validateOrder(req); err != nil {
		p.mu.Unlock()
		log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Msg("Order validation failed")
		return &PlaceOrderResponse{
			InternalID: req.InternalID,
			Status:     OrderStatusRejected,
			Message:    err.Error(),
		}, nil
	}

	now := time.Now().UTC()
	order := &Order{
		InternalID:      req.InternalID,
		ExchangeOrderID: fmt.Sprintf("paper-%d", len(p.orders)+1),
		OCOGroupID:      req.OCOGroupID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Status:          OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.orders[order.InternalID] = order

	var filled []Fill
	if req.Type == OrderTypeMarket {
		filled = p.fillMarketLocked(order, now)
	} else {
		order.Status = OrderStatusOpen
	}

	resp := &PlaceOrderResponse{
		InternalID:      order.InternalID,
		ExchangeOrderID: order.ExchangeOrderID,
		Status:          order.Status,
		Message:         "order accepted",
	}
	subs := p.fillSubs
	orderCopy := *order
	p.mu.Unlock()

	log.Info().
		Str("internal_order_id", order.InternalID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Str("quantity", order.Quantity.String()).
		Str("status", string(resp.Status)).
		Msg("Order placed")

	for _, f := range filled {
		for _, fn := range subs {
			fn(f, &orderCopy)
		}
	}
	return resp, nil
}

// CancelOrder cancels an open order
func (p *PaperExchange) CancelOrder(ctx context.Context, internalID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, exists := p.orders[internalID]
	if !exists {
		return nil, fmt.Errorf("order not found: %s", internalID)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("cannot cancel order in status %s", order.Status)
	}

	order.Status = OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()

	log.Info().
		Str("internal_order_id", internalID).
		Msg("Order cancelled")

	cp := *order
	return &cp, nil
}

// GetOrder retrieves order details
func (p *PaperExchange) GetOrder(ctx context.Context, internalID string) (*Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, exists := p.orders[internalID]
	if !exists {
		return nil, fmt.Errorf("order not found: %s", internalID)
	}
	cp := *order
	return &cp, nil
}

// GetOrderFills retrieves all fills for an order
func (p *PaperExchange) GetOrderFills(ctx context.Context, internalID string) ([]Fill, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Fill(nil), p.fills[internalID]...), nil
}

// GetBalances retrieves account balances
func (p *PaperExchange) GetBalances(ctx context.Context) ([]Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Balance, 0, len(p.balances))
	for asset, amount := range p.balances {
		out = append(out, Balance{Asset: asset, Free: amount})
	}
	return out, nil
}

// MarkPrice sets the current market price for a symbol and fills any
// resting SL/TP leg whose trigger has been crossed.
func (p *PaperExchange) MarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marketPrices[symbol] = price

	var triggered []*Order
	for _, o := range p.orders {
		if o.Symbol != symbol || o.Status != OrderStatusOpen {
			continue
		}
		if crossed(o, price) {
			triggered = append(triggered, o)
		}
	}

	now := time.Now().UTC()
	type pending struct {
		fills []Fill
		order Order
	}
	var emitted []pending
	for _, o := range triggered {
		fills := p.fillMarketLocked(o, now)
		emitted = append(emitted, pending{fills: fills, order: *o})
	}
	subs := p.fillSubs
	p.mu.Unlock()

	for _, e := range emitted {
		for _, f := range e.fills {
			for _, fn := range subs {
				fn(f, &e.order)
			}
		}
	}
}

// crossed reports whether price crossed a resting leg's trigger
func crossed(o *Order, price decimal.Decimal) bool {
	switch o.Type {
	case OrderTypeStopLoss:
		if o.Side == OrderSideSell {
			return price.LessThanOrEqual(o.StopPrice)
		}
		return price.GreaterThanOrEqual(o.StopPrice)
	case OrderTypeTakeProfit:
		if o.Side == OrderSideSell {
			return price.GreaterThanOrEqual(o.Price)
		}
		return price.LessThanOrEqual(o.Price)
	case OrderTypeLimit:
		if o.Side == OrderSideBuy {
			return price.LessThanOrEqual(o.Price)
		}
		return price.GreaterThanOrEqual(o.Price)
	}
	return false
}

func validateOrder(req PlaceOrderRequest) error {
	if req.InternalID == "" {
		return fmt.Errorf("internal_order_id is required")
	}
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return fmt.Errorf("invalid order side: %s", req.Side)
	}
	switch req.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit:
	default:
		return fmt.Errorf("invalid order type: %s", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if (req.Type == OrderTypeLimit || req.Type == OrderTypeTakeProfit) && !req.Price.IsPositive() {
		return fmt.Errorf("invalid price for %s order", req.Type)
	}
	if req.Type == OrderTypeStopLoss && !req.StopPrice.IsPositive() {
		return fmt.Errorf("invalid stop price for stop_loss order")
	}
	return nil
}

// fillMarketLocked fills an order at the marked price with slippage and
// taker fees. Caller holds the lock.
func (p *PaperExchange) fillMarketLocked(order *Order, now time.Time) []Fill {
	mid, ok := p.marketPrices[order.Symbol]
	if !ok || mid.IsZero() {
		// Resting legs carry a trigger price to fall back on
		if order.StopPrice.IsPositive() {
			mid = order.StopPrice
		} else if order.Price.IsPositive() {
			mid = order.Price
		} else {
			order.Status = OrderStatusRejected
			order.RejectReason = "no market price for symbol"
			order.UpdatedAt = now
			return nil
		}
	}

	slip := p.slippage(order.Quantity, mid)
	one := decimal.NewFromInt(1)
	var fillPrice decimal.Decimal
	if order.Side == OrderSideBuy {
		fillPrice = mid.Mul(one.Add(slip))
	} else {
		fillPrice = mid.Mul(one.Sub(slip))
	}

	fee := fillPrice.Mul(order.Quantity).Mul(p.fees.Taker)
	fill := Fill{
		InternalID: order.InternalID,
		Quantity:   order.Quantity,
		Price:      fillPrice,
		Fee:        fee,
		IsMaker:    false,
		Timestamp:  now,
	}
	p.fills[order.InternalID] = append(p.fills[order.InternalID], fill)

	order.FilledQty = order.Quantity
	order.AvgFillPrice = fillPrice
	order.Status = OrderStatusFilled
	order.UpdatedAt = now
	order.FilledAt = &now

	log.Info().
		Str("internal_order_id", order.InternalID).
		Str("quantity", order.Quantity.String()).
		Str("fill_price", fillPrice.String()).
		Str("fee", fee.String()).
		Msg("Order filled")

	return []Fill{fill}
}

// slippage computes base slippage plus size-driven market impact,
// capped at MaxSlippage.
func (p *PaperExchange) slippage(quantity, price decimal.Decimal) decimal.Decimal {
	orderSize := quantity.Mul(price)
	normalized := orderSize.Div(decimal.NewFromInt(1_000_000))
	total := p.fees.BaseSlippage.Add(p.fees.MarketImpact.Mul(normalized))
	if total.GreaterThan(p.fees.MaxSlippage) {
		return p.fees.MaxSlippage
	}
	return total
}
