package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/signal"
)

// SignalRepo persists signal records. It implements signal.Store.
type SignalRepo struct {
	pool Pool
	log  zerolog.Logger
}

// NewSignalRepo creates the signal repository
func NewSignalRepo(pool Pool, log zerolog.Logger) *SignalRepo {
	return &SignalRepo{pool: pool, log: log.With().Str("component", "signal_repo").Logger()}
}

// SaveSignal upserts a signal. Duplicate emissions update the frozen
// record in place under the same id.
func (r *SignalRepo) SaveSignal(ctx context.Context, s *signal.Signal) error {
	cfgJSON, err := json.Marshal(s.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	return timed("upsert_signal", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO signals (
				id, portfolio_id, symbol, side, price, ema12, ema36, atr,
				tp1, tp2, sl, size, config_snapshot, risk_bps_used,
				breaker_state, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17, $18)
			ON CONFLICT (id) DO UPDATE SET
				price = EXCLUDED.price,
				ema12 = EXCLUDED.ema12,
				ema36 = EXCLUDED.ema36,
				atr = EXCLUDED.atr,
				tp1 = EXCLUDED.tp1,
				tp2 = EXCLUDED.tp2,
				sl = EXCLUDED.sl,
				size = EXCLUDED.size,
				breaker_state = EXCLUDED.breaker_state,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`,
			s.ID, s.Portfolio, s.Symbol, string(s.Side), s.Price, s.EMA12, s.EMA36, s.ATR,
			s.TP1, s.TP2, s.SL, s.Size, cfgJSON, s.RiskBpsUsed,
			s.BreakerState, string(s.Status), s.CreatedAt, s.UpdatedAt,
		)
		return err
	})
}

// UpdateSignalStatus records a lifecycle transition with its reason
func (r *SignalRepo) UpdateSignalStatus(ctx context.Context, id string, status signal.Status, reason string) error {
	return timed("update_signal_status", func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE signals SET status = $2, status_reason = $3, updated_at = now()
			WHERE id = $1`,
			id, string(status), reason,
		)
		return err
	})
}
