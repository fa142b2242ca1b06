package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/marketdata"
)

// BarRepo persists closed bars. It implements marketdata.BarWriter for
// the pipeline's batched flushes.
type BarRepo struct {
	pool Pool
	log  zerolog.Logger
}

// NewBarRepo creates the bar repository
func NewBarRepo(pool Pool, log zerolog.Logger) *BarRepo {
	return &BarRepo{pool: pool, log: log.With().Str("component", "bar_repo").Logger()}
}

// WriteBars inserts a batch of closed bars. Replayed bars are ignored:
// a (symbol, period, bar_ts) key is written once.
func (r *BarRepo) WriteBars(ctx context.Context, bars []marketdata.Bar) error {
	return timed("insert_bars", func() error {
		for i := range bars {
			b := &bars[i]
			_, err := r.pool.Exec(ctx, `
				INSERT INTO bars (
					symbol, period, bar_ts, open, high, low, close,
					volume, vwap, trade_count
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (symbol, period, bar_ts) DO NOTHING`,
				b.Symbol, b.Period, b.BarTS, b.Open, b.High, b.Low, b.Close,
				b.Volume, b.VWAP, b.TradeCount,
			)
			if err != nil {
				return fmt.Errorf("insert bar %s %s @ %s: %w", b.Symbol, b.Period, b.BarTS, err)
			}
		}
		return nil
	})
}

// Recent loads the latest n bars for a (symbol, period), oldest first
func (r *BarRepo) Recent(ctx context.Context, symbol, period string, n int) ([]marketdata.Bar, error) {
	var out []marketdata.Bar
	err := timed("select_bars", func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT symbol, period, bar_ts, open, high, low, close, volume, vwap, trade_count
			FROM bars
			WHERE symbol = $1 AND period = $2
			ORDER BY bar_ts DESC LIMIT $3`,
			symbol, period, n,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var b marketdata.Bar
			if err := rows.Scan(
				&b.Symbol, &b.Period, &b.BarTS, &b.Open, &b.High, &b.Low,
				&b.Close, &b.Volume, &b.VWAP, &b.TradeCount,
			); err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneBefore deletes bars older than the cutoff, returning rows removed
func (r *BarRepo) PruneBefore(ctx context.Context, period string, cutoff time.Time) (int64, error) {
	var n int64
	err := timed("prune_bars", func() error {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM bars WHERE period = $1 AND bar_ts < $2`, period, cutoff)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
