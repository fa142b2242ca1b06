// Package signal implements EMA/ATR long-short signal generation with
// immutable per-signal config snapshots, OCO target computation and
// risk-based position sizing.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Status is the signal lifecycle state
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Expiration reasons (bounded set)
const (
	ReasonConditionLapsed = "condition_lapsed"
	ReasonHorizonElapsed  = "horizon_elapsed"
	ReasonInvalidSizing   = "invalid_sizing"
	ReasonStaleness       = "staleness"
	ReasonSuperseded      = "superseded"
	ReasonOrderRejected   = "order_rejected"
)

// Config is the per (portfolio, symbol) signal configuration. A copy is
// frozen into every generated signal; later edits never reach signals
// already emitted.
type Config struct {
	ID              string          `json:"id"`
	Portfolio       string          `json:"portfolio"`
	Symbol          string          `json:"symbol"`
	Enabled         bool            `json:"enabled"`
	Timeframe       string          `json:"timeframe"`
	LongMult        decimal.Decimal `json:"long_mult"`
	ShortMult       decimal.Decimal `json:"short_mult"`
	TP1Mult         decimal.Decimal `json:"tp1_mult"`
	TP2Mult         decimal.Decimal `json:"tp2_mult"`
	SLMult          decimal.Decimal `json:"sl_mult"`
	TP1ClosePct     decimal.Decimal `json:"tp1_close_pct"`
	RiskPerTradeBps int64           `json:"risk_per_trade_bps"`
	ExpiryHorizon   time.Duration   `json:"expiry_horizon"`
}

// DefaultConfig returns a signal config with production multipliers for
// the given portfolio and symbol.
func DefaultConfig(portfolio, symbol string) Config {
	return Config{
		Portfolio:       portfolio,
		Symbol:          symbol,
		Enabled:         true,
		Timeframe:       "1m",
		LongMult:        decimal.NewFromFloat(2.0),
		ShortMult:       decimal.NewFromFloat(2.0),
		TP1Mult:         decimal.NewFromFloat(1.5),
		TP2Mult:         decimal.NewFromFloat(2.5),
		SLMult:          decimal.NewFromFloat(1.0),
		TP1ClosePct:     decimal.NewFromFloat(0.5),
		RiskPerTradeBps: 50,
		ExpiryHorizon:   5 * time.Minute,
	}
}

// Signal is a point-in-time trade recommendation. All inputs that
// produced it are frozen on the record.
type Signal struct {
	ID               string          `json:"id"`
	Portfolio        string          `json:"portfolio"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Price            decimal.Decimal `json:"price"`
	EMA12            decimal.Decimal `json:"ema12"`
	EMA36            decimal.Decimal `json:"ema36"`
	ATR              decimal.Decimal `json:"atr"`
	TP1              decimal.Decimal `json:"tp1"`
	TP2              decimal.Decimal `json:"tp2"`
	SL               decimal.Decimal `json:"sl"`
	Size             decimal.Decimal `json:"size"`
	ConfigSnapshot   Config          `json:"config_snapshot"`
	RiskBpsUsed      int64           `json:"risk_per_trade_bps_used"`
	BreakerState     string          `json:"circuit_breaker_state"`
	Status           Status          `json:"status"`
	ExecutionReason  string          `json:"execution_reason,omitempty"`
	ExpirationReason string          `json:"expiration_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RiskAmount returns |entry - SL| * size, the 1R of the signal.
func (s *Signal) RiskAmount() decimal.Decimal {
	return s.Price.Sub(s.SL).Abs().Mul(s.Size)
}
