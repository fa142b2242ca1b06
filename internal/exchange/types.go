// Package exchange defines the order model and transport for the
// external exchange: a REST/WebSocket client pair, bounded retry with
// jitter, a gobreaker transport guard, and a paper exchange used in
// paper mode and tests.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the order kind
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus represents the current state of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transitions are possible
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order represents a trading order. InternalID is generated before any
// exchange call; a retry carrying the same InternalID never creates a
// duplicate exchange order.
type Order struct {
	InternalID      string          `json:"internal_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	OCOGroupID      string          `json:"oco_group_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price,omitempty"`
	StopPrice       decimal.Decimal `json:"stop_price,omitempty"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price,omitempty"`
	Status          OrderStatus     `json:"status"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FilledAt        *time.Time      `json:"filled_at,omitempty"`
}

// Fill represents a partial or complete order fill
type Fill struct {
	InternalID string          `json:"internal_order_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	IsMaker    bool            `json:"is_maker"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PlaceOrderRequest represents a request to place an order
type PlaceOrderRequest struct {
	InternalID string          `json:"internal_order_id"`
	OCOGroupID string          `json:"oco_group_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
}

// PlaceOrderResponse represents the response after placing an order
type PlaceOrderResponse struct {
	InternalID      string      `json:"internal_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Status          OrderStatus `json:"status"`
	Message         string      `json:"message,omitempty"`
}

// Balance is one asset balance on the account
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Pair describes a tradable pair advertised by the exchange
type Pair struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	Active      bool            `json:"active"`
}

// DayStats is the rolling 24h statistics for a pair
type DayStats struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"last_price"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	PriceChange decimal.Decimal `json:"price_change_pct"`
}

// FeeModel carries the maker/taker fees and the slippage simulation
// parameters used by the paper exchange.
type FeeModel struct {
	Maker        decimal.Decimal
	Taker        decimal.Decimal
	BaseSlippage decimal.Decimal
	MarketImpact decimal.Decimal
	MaxSlippage  decimal.Decimal
}

// DefaultFeeModel returns Binance-like spot fees
func DefaultFeeModel() FeeModel {
	return FeeModel{
		Maker:        decimal.NewFromFloat(0.001),
		Taker:        decimal.NewFromFloat(0.001),
		BaseSlippage: decimal.NewFromFloat(0.0005),
		MarketImpact: decimal.NewFromFloat(0.0001),
		MaxSlippage:  decimal.NewFromFloat(0.003),
	}
}
