package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/metrics"
)

const restTimeout = 10 * time.Second

// RESTClient is the live exchange client. Every call runs through the
// transport guard and the bounded-retry policy; order submissions carry
// the internal order id as a request id for exchange-side idempotency.
type RESTClient struct {
	http     *resty.Client
	guard    *TransportGuard
	retry    RetryConfig
	exchange string
	log      zerolog.Logger
}

// RESTConfig configures the live client
type RESTConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Exchange  string
}

// NewRESTClient creates a live exchange client
func NewRESTClient(cfg RESTConfig, guard *TransportGuard, log zerolog.Logger) *RESTClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(restTimeout).
		SetHeader("X-API-Key", cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http:     client,
		guard:    NewOrDefaultGuard(guard),
		retry:    DefaultRetryConfig(),
		exchange: cfg.Exchange,
		log:      log.With().Str("component", "exchange_rest").Str("exchange", cfg.Exchange).Logger(),
	}
}

// NewOrDefaultGuard returns guard, or a fresh production guard when nil
func NewOrDefaultGuard(guard *TransportGuard) *TransportGuard {
	if guard != nil {
		return guard
	}
	return NewTransportGuard()
}

// call runs one guarded, retried request and records latency metrics.
func (c *RESTClient) call(ctx context.Context, endpoint string, fn func(ctx context.Context) (*resty.Response, error)) (*resty.Response, error) {
	var resp *resty.Response
	err := WithRetry(ctx, c.retry, func() error {
		start := time.Now()
		out, err := c.guard.Exchange(func() (any, error) {
			r, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			if r.IsError() {
				return nil, fmt.Errorf("%s: HTTP %d: %s", endpoint, r.StatusCode(), r.String())
			}
			return r, nil
		})
		metrics.RecordExchangeAPICall(c.exchange, endpoint, float64(time.Since(start).Milliseconds()), err)
		if err != nil {
			return err
		}
		resp = out.(*resty.Response)
		return nil
	})
	return resp, err
}

// PlaceOrder places a new order
func (c *RESTClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	var out PlaceOrderResponse
	_, err := c.call(ctx, "place_order", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-Request-ID", req.InternalID).
			SetBody(req).
			SetResult(&out).
			Post("/v1/orders")
	})
	if err != nil {
		metrics.RecordOrderSubmitted(string(req.Type), "error")
		return nil, fmt.Errorf("place order %s: %w", req.InternalID, err)
	}
	metrics.RecordOrderSubmitted(string(req.Type), string(out.Status))
	c.log.Info().
		Str("internal_order_id", req.InternalID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("status", string(out.Status)).
		Msg("Order placed")
	return &out, nil
}

// CancelOrder cancels an existing order
func (c *RESTClient) CancelOrder(ctx context.Context, internalID string) (*Order, error) {
	var out Order
	_, err := c.call(ctx, "cancel_order", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Delete("/v1/orders/" + internalID)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", internalID, err)
	}
	return &out, nil
}

// GetOrder retrieves order details
func (c *RESTClient) GetOrder(ctx context.Context, internalID string) (*Order, error) {
	var out Order
	_, err := c.call(ctx, "get_order", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v1/orders/" + internalID)
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", internalID, err)
	}
	return &out, nil
}

// GetOrderFills retrieves all fills for an order
func (c *RESTClient) GetOrderFills(ctx context.Context, internalID string) ([]Fill, error) {
	var out []Fill
	_, err := c.call(ctx, "get_order_fills", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v1/orders/" + internalID + "/fills")
	})
	if err != nil {
		return nil, fmt.Errorf("get fills %s: %w", internalID, err)
	}
	return out, nil
}

// GetBalances retrieves account balances
func (c *RESTClient) GetBalances(ctx context.Context) ([]Balance, error) {
	var out []Balance
	_, err := c.call(ctx, "get_balances", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v1/account/balances")
	})
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	return out, nil
}

// ListPairs lists tradable pairs
func (c *RESTClient) ListPairs(ctx context.Context) ([]Pair, error) {
	var out []Pair
	_, err := c.call(ctx, "list_pairs", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v1/pairs")
	})
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return out, nil
}

// Get24hStats fetches rolling 24h statistics for a pair
func (c *RESTClient) Get24hStats(ctx context.Context, symbol string) (*DayStats, error) {
	var out DayStats
	_, err := c.call(ctx, "stats_24h", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetResult(&out).
			Get("/v1/stats/24h")
	})
	if err != nil {
		return nil, fmt.Errorf("24h stats %s: %w", symbol, err)
	}
	return &out, nil
}

// GetOHLC fetches historical bars
func (c *RESTClient) GetOHLC(ctx context.Context, symbol, period string, limit int) ([]marketdata.Bar, error) {
	var out []marketdata.Bar
	_, err := c.call(ctx, "ohlc", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": symbol,
				"period": period,
				"limit":  fmt.Sprintf("%d", limit),
			}).
			SetResult(&out).
			Get("/v1/ohlc")
	})
	if err != nil {
		return nil, fmt.Errorf("ohlc %s %s: %w", symbol, period, err)
	}
	return out, nil
}

// FetchTicker fetches the L1 snapshot and last trade for one symbol.
// This is the Snapshotter surface used by the pipeline REST fallback.
func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (marketdata.L1Quote, *marketdata.Tick, error) {
	var out struct {
		L1   marketdata.L1Quote `json:"l1"`
		Last *marketdata.Tick   `json:"last_trade"`
	}
	_, err := c.call(ctx, "ticker", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetResult(&out).
			Get("/v1/ticker")
	})
	if err != nil {
		return marketdata.L1Quote{}, nil, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	return out.L1, out.Last, nil
}
