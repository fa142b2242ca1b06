package campaign

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NewRiskState seeds the risk ledger for a freshly started campaign
func NewRiskState(c *Campaign, now time.Time) *RiskState {
	return &RiskState{
		CampaignID:       c.ID,
		CurrentEquity:    c.InitialCapital,
		HighWatermark:    c.InitialCapital,
		LossInRByPair:    make(map[string]decimal.Decimal),
		TradableSet:      append([]string(nil), c.Selection.Symbols...),
		LastRebalanceTS:  now,
		LastDailyResetTS: now.Truncate(24 * time.Hour),
		UpdatedAt:        now,
		watermarkFloor:   c.InitialCapital,
	}
}

// MarkToMarket recomputes equity from realized state plus unrealized
// PnL on open positions, advances the watermark and the drawdown.
// The watermark is monotone non-decreasing; a decrease is a fatal
// invariant violation surfaced to the caller.
func (rs *RiskState) MarkToMarket(realizedEquity decimal.Decimal, unrealized decimal.Decimal, now time.Time) error {
	rs.CurrentEquity = realizedEquity.Add(unrealized)

	// The floor is the highest watermark this state has ever carried;
	// a stored watermark below it means the record was corrupted
	if rs.HighWatermark.LessThan(rs.watermarkFloor) {
		return fmt.Errorf("equity high watermark decreased: %s < %s",
			rs.HighWatermark, rs.watermarkFloor)
	}
	if rs.CurrentEquity.GreaterThan(rs.HighWatermark) {
		rs.HighWatermark = rs.CurrentEquity
	}
	rs.watermarkFloor = rs.HighWatermark

	if rs.HighWatermark.IsPositive() {
		dd := rs.HighWatermark.Sub(rs.CurrentEquity).Div(rs.HighWatermark)
		if dd.IsNegative() {
			dd = decimal.Zero
		}
		rs.CurrentDDPct = dd
	} else {
		rs.CurrentDDPct = decimal.Zero
	}
	rs.UpdatedAt = now
	return nil
}

// ApplyRealized books a closed trade's PnL into the daily ledger and
// the per-pair R accounting.
func (rs *RiskState) ApplyRealized(symbol string, pnl, riskAmount decimal.Decimal, now time.Time) {
	rs.DailyPnL = rs.DailyPnL.Add(pnl)
	rs.TradesToday++

	if rs.DailyPnL.IsNegative() && rs.HighWatermark.IsPositive() {
		rs.DailyLossPct = rs.DailyPnL.Neg().Div(rs.HighWatermark)
	} else {
		rs.DailyLossPct = decimal.Zero
	}

	if pnl.IsNegative() && riskAmount.IsPositive() {
		if rs.LossInRByPair == nil {
			rs.LossInRByPair = make(map[string]decimal.Decimal)
		}
		rs.LossInRByPair[symbol] = rs.LossInRByPair[symbol].Add(pnl.Neg().Div(riskAmount))
	}
	rs.UpdatedAt = now
}

// DailyReset zeroes the daily ledger. Called at 00:00 UTC.
func (rs *RiskState) DailyReset(now time.Time) {
	rs.DailyPnL = decimal.Zero
	rs.DailyLossPct = decimal.Zero
	rs.TradesToday = 0
	rs.LastDailyResetTS = now
	rs.UpdatedAt = now
}

// DrawdownBreached reports whether the campaign kill-switch threshold
// has been reached.
func (rs *RiskState) DrawdownBreached(threshold decimal.Decimal) bool {
	return threshold.IsPositive() && rs.CurrentDDPct.GreaterThanOrEqual(threshold)
}

// InTradableSet reports whether symbol is currently tradable
func (rs *RiskState) InTradableSet(symbol string) bool {
	for _, s := range rs.TradableSet {
		if s == symbol {
			return true
		}
	}
	return false
}

// validatePosition enforces the OCO bracket invariant before a position
// may be considered open.
func validatePosition(p *Position) error {
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("position %s: quantity must be positive", p.ID)
	}
	if p.StopLoss.IsZero() || p.TakeProfit.IsZero() {
		return fmt.Errorf("position %s: opened without full OCO bracket", p.ID)
	}
	switch p.Side {
	case "long":
		if !p.StopLoss.LessThan(p.EntryPrice) || !p.TakeProfit.GreaterThan(p.EntryPrice) {
			return fmt.Errorf("position %s: long bracket must satisfy sl < entry < tp", p.ID)
		}
	case "short":
		if !p.TakeProfit.LessThan(p.EntryPrice) || !p.StopLoss.GreaterThan(p.EntryPrice) {
			return fmt.Errorf("position %s: short bracket must satisfy tp < entry < sl", p.ID)
		}
	default:
		return fmt.Errorf("position %s: invalid side %q", p.ID, p.Side)
	}
	return nil
}
