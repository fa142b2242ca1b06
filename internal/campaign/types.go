// Package campaign runs the per-campaign trading robots and the
// background campaign manager. Each robot owns its campaign's risk
// state, positions and orders exclusively; market data, regimes and the
// circuit-breaker singleton are shared read-only.
package campaign

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/internal/exchange"
	"github.com/quantforge/tradecore/internal/signal"
	"github.com/quantforge/tradecore/internal/vre"
)

// Status is the campaign lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the campaign can never trade again
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// PositionState is the position lifecycle state
type PositionState string

const (
	PositionOpen    PositionState = "open"
	PositionClosing PositionState = "closing"
	PositionClosed  PositionState = "closed"
)

// Close reasons (bounded set)
const (
	CloseReasonSLHit      = "sl_hit"
	CloseReasonTPHit      = "tp_hit"
	CloseReasonSignalExit = "signal_exit"
	CloseReasonRebalance  = "rebalance_exit"
	CloseReasonBreaker    = "breaker_exit"
	CloseReasonManual     = "manual"
)

// RiskConfig is the immutable risk snapshot taken at campaign start
type RiskConfig struct {
	MaxDrawdownThreshold decimal.Decimal `json:"max_drawdown_threshold"`
	RiskPerTradeBps      int64           `json:"risk_per_trade_bps"`
	MaxOpenPositions     int             `json:"max_open_positions"`
	MaxPyramidLayers     int             `json:"max_pyramid_layers"`
}

// DefaultRiskConfig returns the production risk snapshot defaults
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxDrawdownThreshold: decimal.NewFromFloat(0.10),
		RiskPerTradeBps:      50,
		MaxOpenPositions:     5,
		MaxPyramidLayers:     2,
	}
}

// SelectionConfig is the immutable universe-selection snapshot
type SelectionConfig struct {
	Symbols        []string       `json:"symbols"`
	ClusterBySym   map[string]int `json:"cluster_by_symbol"`
	MinQuoteVolume decimal.Decimal `json:"min_quote_volume"`
	MaxUniverse    int            `json:"max_universe"`
}

// Campaign is one autonomous trading mandate
type Campaign struct {
	ID             string          `json:"id"`
	Portfolio      string          `json:"portfolio"`
	Profile        vre.Profile     `json:"investor_profile"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Status         Status          `json:"status"`
	Risk           RiskConfig      `json:"risk_config"`
	Selection      SelectionConfig `json:"selection_config"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RiskState is the per-campaign mutable risk ledger. All mutation goes
// through the owning robot under the campaign lock.
type RiskState struct {
	CampaignID         string                     `json:"campaign_id"`
	CurrentEquity      decimal.Decimal            `json:"current_equity"`
	HighWatermark      decimal.Decimal            `json:"equity_high_watermark"`
	DailyPnL           decimal.Decimal            `json:"daily_pnl"`
	DailyLossPct       decimal.Decimal            `json:"daily_loss_pct"`
	CurrentDDPct       decimal.Decimal            `json:"current_dd_pct"`
	LossInRByPair      map[string]decimal.Decimal `json:"loss_in_r_by_pair"`
	TradesToday        int                        `json:"trades_today"`
	TradableSet        []string                   `json:"current_tradable_set"`
	LastRebalanceTS    time.Time                  `json:"last_rebalance_ts"`
	LastDailyResetTS   time.Time                  `json:"last_daily_reset_ts"`
	LastAuditTS        time.Time                  `json:"last_audit_ts"`
	ManualReconcile    bool                       `json:"manual_reconciliation_required"`
	UpdatedAt          time.Time                  `json:"updated_at"`

	// watermarkFloor shadows the highest watermark ever written so a
	// mark-to-market can detect an externally corrupted record
	watermarkFloor decimal.Decimal
}

// Position is one campaign-owned position. A position is never opened
// without both a stop-loss and a take-profit leg.
type Position struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaign_id"`
	Symbol      string          `json:"symbol"`
	Side        signal.Side     `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	ATRAtEntry  decimal.Decimal `json:"atr_at_entry"`
	RiskAmount  decimal.Decimal `json:"risk_amount"`
	State       PositionState   `json:"state"`
	CloseReason string          `json:"close_reason,omitempty"`
	ExitPrice   decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty"`
	SlippageBps decimal.Decimal `json:"realized_slippage_bps,omitempty"`
	OCOGroupID  string          `json:"oco_group_id"`
	SLOrderID   string          `json:"sl_order_id"`
	TPOrderID   string          `json:"tp_order_id"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

// UnrealizedPnL marks the position at price
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.State == PositionClosed || price.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(p.EntryPrice)
	if p.Side == signal.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// OrderRecord is the campaign-scoped view of an exchange order
type OrderRecord struct {
	InternalID   string                `json:"internal_order_id"`
	CampaignID   string                `json:"campaign_id"`
	PositionID   string                `json:"position_id,omitempty"`
	OCOGroupID   string                `json:"oco_group_id,omitempty"`
	Symbol       string                `json:"symbol"`
	Side         exchange.OrderSide    `json:"side"`
	Type         exchange.OrderType    `json:"type"`
	Quantity     decimal.Decimal       `json:"quantity"`
	Price        decimal.Decimal       `json:"price,omitempty"`
	StopPrice    decimal.Decimal       `json:"stop_price,omitempty"`
	Status       exchange.OrderStatus  `json:"status"`
	CancelReason string                `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}
