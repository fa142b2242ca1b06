package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/campaign"
	"github.com/quantforge/tradecore/internal/vre"
)

// CampaignRepo persists campaigns, risk states, positions and orders.
// It implements the campaign.Store interface consumed by the robots.
type CampaignRepo struct {
	pool Pool
	log  zerolog.Logger
}

// NewCampaignRepo creates the campaign repository
func NewCampaignRepo(pool Pool, log zerolog.Logger) *CampaignRepo {
	return &CampaignRepo{pool: pool, log: log.With().Str("component", "campaign_repo").Logger()}
}

// SaveCampaign upserts the campaign row
func (r *CampaignRepo) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	riskJSON, err := json.Marshal(c.Risk)
	if err != nil {
		return fmt.Errorf("marshal risk config: %w", err)
	}
	selJSON, err := json.Marshal(c.Selection)
	if err != nil {
		return fmt.Errorf("marshal selection config: %w", err)
	}
	return timed("upsert_campaign", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO campaigns (
				id, portfolio_id, investor_profile, start_date, end_date,
				initial_capital, status, risk_config, selection_config,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`,
			c.ID, c.Portfolio, string(c.Profile), c.StartDate, c.EndDate,
			c.InitialCapital, string(c.Status), riskJSON, selJSON,
			c.CreatedAt, c.UpdatedAt,
		)
		return err
	})
}

// SaveRiskState upserts the per-campaign risk ledger
func (r *CampaignRepo) SaveRiskState(ctx context.Context, rs *campaign.RiskState) error {
	lossJSON, err := json.Marshal(rs.LossInRByPair)
	if err != nil {
		return fmt.Errorf("marshal loss ledger: %w", err)
	}
	setJSON, err := json.Marshal(rs.TradableSet)
	if err != nil {
		return fmt.Errorf("marshal tradable set: %w", err)
	}
	return timed("upsert_risk_state", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO campaign_risk_states (
				campaign_id, current_equity, equity_high_watermark, daily_pnl,
				daily_loss_pct, current_dd_pct, loss_in_r_by_pair, trades_today,
				current_tradable_set, last_rebalance_ts, last_daily_reset_ts,
				last_audit_ts, manual_reconciliation_required, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (campaign_id) DO UPDATE SET
				current_equity = EXCLUDED.current_equity,
				equity_high_watermark = EXCLUDED.equity_high_watermark,
				daily_pnl = EXCLUDED.daily_pnl,
				daily_loss_pct = EXCLUDED.daily_loss_pct,
				current_dd_pct = EXCLUDED.current_dd_pct,
				loss_in_r_by_pair = EXCLUDED.loss_in_r_by_pair,
				trades_today = EXCLUDED.trades_today,
				current_tradable_set = EXCLUDED.current_tradable_set,
				last_rebalance_ts = EXCLUDED.last_rebalance_ts,
				last_daily_reset_ts = EXCLUDED.last_daily_reset_ts,
				last_audit_ts = EXCLUDED.last_audit_ts,
				manual_reconciliation_required = EXCLUDED.manual_reconciliation_required,
				updated_at = EXCLUDED.updated_at`,
			rs.CampaignID, rs.CurrentEquity, rs.HighWatermark, rs.DailyPnL,
			rs.DailyLossPct, rs.CurrentDDPct, lossJSON, rs.TradesToday,
			setJSON, rs.LastRebalanceTS, rs.LastDailyResetTS,
			rs.LastAuditTS, rs.ManualReconcile, rs.UpdatedAt,
		)
		return err
	})
}

// SavePosition upserts a campaign position
func (r *CampaignRepo) SavePosition(ctx context.Context, p *campaign.Position) error {
	return timed("upsert_position", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO campaign_positions (
				id, campaign_id, symbol, side, quantity, entry_price,
				stop_loss, take_profit, atr_at_entry, risk_amount, state,
				close_reason, exit_price, realized_pnl, realized_slippage_bps,
				oco_group_id, sl_order_id, tp_order_id, opened_at, closed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				close_reason = EXCLUDED.close_reason,
				exit_price = EXCLUDED.exit_price,
				realized_pnl = EXCLUDED.realized_pnl,
				realized_slippage_bps = EXCLUDED.realized_slippage_bps,
				closed_at = EXCLUDED.closed_at`,
			p.ID, p.CampaignID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice,
			p.StopLoss, p.TakeProfit, p.ATRAtEntry, p.RiskAmount, string(p.State),
			p.CloseReason, p.ExitPrice, p.RealizedPnL, p.SlippageBps,
			p.OCOGroupID, p.SLOrderID, p.TPOrderID, p.OpenedAt, p.ClosedAt,
		)
		return err
	})
}

// SaveOrder upserts a campaign-scoped order record
func (r *CampaignRepo) SaveOrder(ctx context.Context, o *campaign.OrderRecord) error {
	return timed("upsert_order", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO campaign_orders (
				internal_order_id, campaign_id, position_id, oco_group_id,
				symbol, side, type, quantity, price, stop_price, status,
				cancel_reason, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (internal_order_id) DO UPDATE SET
				status = EXCLUDED.status,
				cancel_reason = EXCLUDED.cancel_reason,
				updated_at = EXCLUDED.updated_at`,
			o.InternalID, o.CampaignID, nullable(o.PositionID), nullable(o.OCOGroupID),
			o.Symbol, string(o.Side), string(o.Type), o.Quantity, o.Price, o.StopPrice,
			string(o.Status), nullable(o.CancelReason), o.CreatedAt, o.UpdatedAt,
		)
		return err
	})
}

// ListByStatus loads campaigns in the given lifecycle state
func (r *CampaignRepo) ListByStatus(ctx context.Context, status campaign.Status) ([]*campaign.Campaign, error) {
	var out []*campaign.Campaign
	err := timed("list_campaigns", func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, portfolio_id, investor_profile, start_date, end_date,
				initial_capital, status, risk_config, selection_config,
				created_at, updated_at
			FROM campaigns WHERE status = $1 ORDER BY created_at`,
			string(status),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c campaign.Campaign
			var profile, st string
			var riskJSON, selJSON []byte
			if err := rows.Scan(
				&c.ID, &c.Portfolio, &profile, &c.StartDate, &c.EndDate,
				&c.InitialCapital, &st, &riskJSON, &selJSON,
				&c.CreatedAt, &c.UpdatedAt,
			); err != nil {
				return err
			}
			c.Profile = vre.Profile(profile)
			c.Status = campaign.Status(st)
			if err := json.Unmarshal(riskJSON, &c.Risk); err != nil {
				return fmt.Errorf("unmarshal risk config for %s: %w", c.ID, err)
			}
			if err := json.Unmarshal(selJSON, &c.Selection); err != nil {
				return fmt.Errorf("unmarshal selection config for %s: %w", c.ID, err)
			}
			out = append(out, &c)
		}
		return rows.Err()
	})
	return out, err
}

// GetRiskState loads one campaign's risk ledger
func (r *CampaignRepo) GetRiskState(ctx context.Context, campaignID string) (*campaign.RiskState, error) {
	var rs campaign.RiskState
	err := timed("get_risk_state", func() error {
		var lossJSON, setJSON []byte
		err := r.pool.QueryRow(ctx, `
			SELECT campaign_id, current_equity, equity_high_watermark, daily_pnl,
				daily_loss_pct, current_dd_pct, loss_in_r_by_pair, trades_today,
				current_tradable_set, last_rebalance_ts, last_daily_reset_ts,
				manual_reconciliation_required, updated_at
			FROM campaign_risk_states WHERE campaign_id = $1`,
			campaignID,
		).Scan(
			&rs.CampaignID, &rs.CurrentEquity, &rs.HighWatermark, &rs.DailyPnL,
			&rs.DailyLossPct, &rs.CurrentDDPct, &lossJSON, &rs.TradesToday,
			&setJSON, &rs.LastRebalanceTS, &rs.LastDailyResetTS,
			&rs.ManualReconcile, &rs.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(lossJSON, &rs.LossInRByPair); err != nil {
			return fmt.Errorf("unmarshal loss ledger: %w", err)
		}
		return json.Unmarshal(setJSON, &rs.TradableSet)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
