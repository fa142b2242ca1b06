package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// statements is the ordered schema DDL. Each statement is idempotent so
// Migrate can run on every boot.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS portfolios (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		tenant_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		investor_profile TEXT NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ NOT NULL,
		initial_capital NUMERIC NOT NULL,
		status TEXT NOT NULL,
		risk_config JSONB NOT NULL,
		selection_config JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns (status)`,

	`CREATE TABLE IF NOT EXISTS campaign_risk_states (
		campaign_id UUID PRIMARY KEY REFERENCES campaigns (id),
		current_equity NUMERIC NOT NULL,
		equity_high_watermark NUMERIC NOT NULL,
		daily_pnl NUMERIC NOT NULL,
		daily_loss_pct NUMERIC NOT NULL,
		current_dd_pct NUMERIC NOT NULL,
		loss_in_r_by_pair JSONB NOT NULL DEFAULT '{}',
		trades_today INT NOT NULL DEFAULT 0,
		current_tradable_set JSONB NOT NULL DEFAULT '[]',
		last_rebalance_ts TIMESTAMPTZ NOT NULL,
		last_daily_reset_ts TIMESTAMPTZ NOT NULL,
		last_audit_ts TIMESTAMPTZ,
		manual_reconciliation_required BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS campaign_positions (
		id UUID PRIMARY KEY,
		campaign_id UUID NOT NULL REFERENCES campaigns (id),
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		entry_price NUMERIC NOT NULL,
		stop_loss NUMERIC NOT NULL,
		take_profit NUMERIC NOT NULL,
		atr_at_entry NUMERIC NOT NULL,
		risk_amount NUMERIC NOT NULL,
		state TEXT NOT NULL,
		close_reason TEXT,
		exit_price NUMERIC,
		realized_pnl NUMERIC,
		realized_slippage_bps NUMERIC,
		oco_group_id TEXT NOT NULL,
		sl_order_id TEXT NOT NULL,
		tp_order_id TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_campaign ON campaign_positions (campaign_id, state)`,

	`CREATE TABLE IF NOT EXISTS campaign_orders (
		internal_order_id UUID PRIMARY KEY,
		campaign_id UUID NOT NULL,
		position_id UUID,
		oco_group_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		price NUMERIC,
		stop_price NUMERIC,
		status TEXT NOT NULL,
		cancel_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_campaign ON campaign_orders (campaign_id)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id UUID PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price NUMERIC NOT NULL,
		ema12 NUMERIC NOT NULL,
		ema36 NUMERIC NOT NULL,
		atr NUMERIC NOT NULL,
		tp1 NUMERIC NOT NULL,
		tp2 NUMERIC NOT NULL,
		sl NUMERIC NOT NULL,
		size NUMERIC NOT NULL,
		config_snapshot JSONB NOT NULL,
		risk_bps_used BIGINT NOT NULL,
		breaker_state TEXT,
		status TEXT NOT NULL,
		status_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_portfolio_symbol ON signals (portfolio_id, symbol, status)`,

	`CREATE TABLE IF NOT EXISTS bars (
		symbol TEXT NOT NULL,
		period TEXT NOT NULL,
		bar_ts TIMESTAMPTZ NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		volume NUMERIC NOT NULL,
		vwap NUMERIC,
		trade_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, period, bar_ts)
	)`,

	`CREATE TABLE IF NOT EXISTS circuit_breaker_events (
		id BIGSERIAL PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		breaker_level TEXT NOT NULL,
		event_type TEXT NOT NULL,
		symbol TEXT,
		cluster INT,
		reason TEXT NOT NULL,
		metadata JSONB,
		ts TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS staleness_log (
		id BIGSERIAL PRIMARY KEY,
		exchange TEXT NOT NULL,
		symbol TEXT,
		feed TEXT,
		staleness_seconds DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		action_taken TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS vre_decision_log (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		regime TEXT NOT NULL,
		from_regime TEXT NOT NULL,
		method TEXT NOT NULL,
		z DOUBLE PRECISION NOT NULL,
		rv_ratio DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		decision_hash TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_trail (
		id UUID PRIMARY KEY,
		sequence BIGINT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		resource TEXT,
		payload JSONB,
		ts TIMESTAMPTZ NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	)`,
}

// Migrate applies the schema. Statements are idempotent and applied in
// order.
func Migrate(ctx context.Context, pool Pool, log zerolog.Logger) error {
	for i, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(statements)).Msg("Schema migration complete")
	return nil
}
