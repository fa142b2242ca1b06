package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeedType identifies which data stream a record belongs to
type FeedType string

const (
	FeedTick FeedType = "tick"
	FeedL1   FeedType = "l1"
	FeedL2   FeedType = "l2"
)

// BarPeriod is a supported aggregation period
type BarPeriod time.Duration

const (
	Period1s BarPeriod = BarPeriod(time.Second)
	Period1m BarPeriod = BarPeriod(time.Minute)
	Period1h BarPeriod = BarPeriod(time.Hour)
)

// Duration returns the period as a time.Duration
func (p BarPeriod) Duration() time.Duration { return time.Duration(p) }

// String renders the period the way it is keyed in caches and tables
func (p BarPeriod) String() string {
	switch p {
	case Period1s:
		return "1s"
	case Period1m:
		return "1m"
	case Period1h:
		return "1h"
	}
	return p.Duration().String()
}

// Symbol describes one tradable pair on an exchange
type Symbol struct {
	Canonical string          `json:"canonical"` // BASE/QUOTE
	Native    string          `json:"native"`    // exchange-native form
	Exchange  string          `json:"exchange"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	SpreadBps decimal.Decimal `json:"spread_bps"`
	Depth     decimal.Decimal `json:"depth"`
	DailyATR  decimal.Decimal `json:"daily_atr"`
	// Unsupported is set after repeated subscription rejections and only
	// cleared by operator intervention.
	Unsupported bool `json:"unsupported"`
}

// Tick is a single trade print
type Tick struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"ts"`
}

// L1Quote is a top-of-book snapshot
type L1Quote struct {
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"ts"`
}

// Spread returns ask - bid; never negative for a valid quote
func (q L1Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// SpreadBps returns the spread in basis points of the mid price
func (q L1Quote) SpreadBps() decimal.Decimal {
	mid := q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
}

// PriceLevel is one depth level of an order book
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// L2Book is a depth snapshot: bids descending, asks ascending
type L2Book struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"ts"`
}

// Bar is one OHLCV aggregate aligned to a period boundary
type Bar struct {
	Symbol     string          `json:"symbol"`
	Period     string          `json:"period"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	VWAP       decimal.Decimal `json:"vwap"`
	TradeCount int64           `json:"trade_count"`
	BarTS      time.Time       `json:"bar_ts"`
}

// Valid reports whether the bar satisfies low <= min(open,close) and
// max(open,close) <= high.
func (b Bar) Valid() bool {
	lo := decimal.Min(b.Open, b.Close)
	hi := decimal.Max(b.Open, b.Close)
	return b.Low.LessThanOrEqual(lo) && hi.LessThanOrEqual(b.High)
}
