package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPaperMarketOrderFillsWithSlippage(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))

	resp, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "ord-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideBuy,
		Type:       OrderTypeMarket,
		Quantity:   d("0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, resp.Status)

	order, err := p.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.True(t, order.AvgFillPrice.GreaterThan(d("50000")), "buy fills above mid")
	assert.True(t, order.FilledQty.Equal(d("0.1")))

	fills, err := p.GetOrderFills(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Fee.IsPositive())
	assert.False(t, fills[0].IsMaker)
}

func TestPaperSellFillsBelowMid(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))

	_, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "ord-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideSell,
		Type:       OrderTypeMarket,
		Quantity:   d("0.1"),
	})
	require.NoError(t, err)

	order, _ := p.GetOrder(context.Background(), "ord-1")
	assert.True(t, order.AvgFillPrice.LessThan(d("50000")))
}

func TestPaperDuplicateInternalIDIsIdempotent(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))

	req := PlaceOrderRequest{
		InternalID: "ord-dup",
		Symbol:     "BTC/USD",
		Side:       OrderSideBuy,
		Type:       OrderTypeMarket,
		Quantity:   d("0.1"),
	}
	first, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)

	fills, _ := p.GetOrderFills(context.Background(), "ord-dup")
	assert.Len(t, fills, 1, "retry must not create a second fill")
}

func TestPaperValidationRejects(t *testing.T) {
	p := NewPaperExchange()

	resp, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "bad-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideBuy,
		Type:       OrderTypeMarket,
		Quantity:   d("-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusRejected, resp.Status)

	resp, err = p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "bad-2",
		Symbol:     "BTC/USD",
		Side:       OrderSideBuy,
		Type:       OrderTypeLimit,
		Quantity:   d("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusRejected, resp.Status)
}

func TestPaperStopLossTriggersOnMark(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))

	var filled []string
	p.OnFill(func(f Fill, o *Order) { filled = append(filled, o.InternalID) })

	// Long protection: sell stop below market
	_, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "sl-1",
		OCOGroupID: "oco-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideSell,
		Type:       OrderTypeStopLoss,
		Quantity:   d("0.1"),
		StopPrice:  d("49000"),
	})
	require.NoError(t, err)

	order, _ := p.GetOrder(context.Background(), "sl-1")
	assert.Equal(t, OrderStatusOpen, order.Status)

	p.MarkPrice("BTC/USD", d("49500"))
	order, _ = p.GetOrder(context.Background(), "sl-1")
	assert.Equal(t, OrderStatusOpen, order.Status, "stop not yet crossed")

	p.MarkPrice("BTC/USD", d("48900"))
	order, _ = p.GetOrder(context.Background(), "sl-1")
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, []string{"sl-1"}, filled)
	assert.Equal(t, "oco-1", order.OCOGroupID)
}

func TestPaperTakeProfitTriggersOnMark(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))

	_, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "tp-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideSell,
		Type:       OrderTypeTakeProfit,
		Quantity:   d("0.1"),
		Price:      d("50500"),
	})
	require.NoError(t, err)

	p.MarkPrice("BTC/USD", d("50600"))
	order, _ := p.GetOrder(context.Background(), "tp-1")
	assert.Equal(t, OrderStatusFilled, order.Status)
}

func TestPaperCancelOrder(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))

	_, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		InternalID: "tp-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideSell,
		Type:       OrderTypeTakeProfit,
		Quantity:   d("0.1"),
		Price:      d("50500"),
	})
	require.NoError(t, err)

	order, err := p.CancelOrder(context.Background(), "tp-1")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, order.Status)

	// Cancelled legs never fill
	p.MarkPrice("BTC/USD", d("51000"))
	order, _ = p.GetOrder(context.Background(), "tp-1")
	assert.Equal(t, OrderStatusCancelled, order.Status)

	_, err = p.CancelOrder(context.Background(), "tp-1")
	assert.Error(t, err, "terminal orders cannot be cancelled")
}

func TestPaperFailNext(t *testing.T) {
	p := NewPaperExchange()
	p.MarkPrice("BTC/USD", d("50000"))
	p.FailNext(errors.New("timeout"))

	req := PlaceOrderRequest{
		InternalID: "ord-1",
		Symbol:     "BTC/USD",
		Side:       OrderSideBuy,
		Type:       OrderTypeMarket,
		Quantity:   d("0.1"),
	}
	_, err := p.PlaceOrder(context.Background(), req)
	require.Error(t, err)

	// Next attempt with the same internal id succeeds and creates
	// exactly one order
	resp, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, resp.Status)
}
