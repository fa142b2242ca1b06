package exchange

import (
	"context"

	"github.com/quantforge/tradecore/internal/marketdata"
)

// Exchange is the order-side surface. Both PaperExchange and the live
// REST client implement it.
type Exchange interface {
	// PlaceOrder places a new order; retries with the same InternalID
	// are idempotent
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error)

	// CancelOrder cancels an existing order by internal id
	CancelOrder(ctx context.Context, internalID string) (*Order, error)

	// GetOrder retrieves order details by internal id
	GetOrder(ctx context.Context, internalID string) (*Order, error)

	// GetOrderFills retrieves all fills for an order
	GetOrderFills(ctx context.Context, internalID string) ([]Fill, error)

	// GetBalances retrieves account balances
	GetBalances(ctx context.Context) ([]Balance, error)
}

// MarketDataAPI is the read-only REST surface consumed by the pipeline
// fallback and the universe refresh.
type MarketDataAPI interface {
	ListPairs(ctx context.Context) ([]Pair, error)
	Get24hStats(ctx context.Context, symbol string) (*DayStats, error)
	GetOHLC(ctx context.Context, symbol, period string, limit int) ([]marketdata.Bar, error)
	FetchTicker(ctx context.Context, symbol string) (marketdata.L1Quote, *marketdata.Tick, error)
}
