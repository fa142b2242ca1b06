package db

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/breaker"
	"github.com/quantforge/tradecore/internal/staleness"
	"github.com/quantforge/tradecore/internal/vre"
)

// EventLogRepo writes the typed event tables: circuit-breaker events,
// the staleness log and the VRE decision log. It implements the sink
// interfaces of those engines so it can be fanned out next to the audit
// trail. Sink methods never fail the caller; persistence errors are
// logged and dropped.
type EventLogRepo struct {
	pool Pool
	log  zerolog.Logger
}

// NewEventLogRepo creates the event log repository
func NewEventLogRepo(pool Pool, log zerolog.Logger) *EventLogRepo {
	return &EventLogRepo{pool: pool, log: log.With().Str("component", "event_log").Logger()}
}

// BreakerEvent implements breaker.EventSink
func (r *EventLogRepo) BreakerEvent(ctx context.Context, ev breaker.Event) {
	var meta []byte
	if ev.Metadata != nil {
		meta, _ = json.Marshal(ev.Metadata)
	}
	err := timed("insert_breaker_event", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO circuit_breaker_events (
				portfolio_id, breaker_level, event_type, symbol, cluster,
				reason, metadata, ts
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.Portfolio, string(ev.Level), string(ev.Type), nullable(ev.Symbol),
			ev.Cluster, ev.Reason, meta, ev.Timestamp,
		)
		return err
	})
	if err != nil {
		r.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to persist breaker event")
	}
}

// StalenessEvent implements staleness.EventSink
func (r *EventLogRepo) StalenessEvent(ctx context.Context, ev staleness.Event) {
	err := timed("insert_staleness_event", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO staleness_log (
				exchange, symbol, feed, staleness_seconds, severity, action_taken, ts
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.Exchange, nullable(ev.Symbol), nullable(string(ev.Feed)),
			ev.StalenessSeconds, ev.Severity, ev.ActionTaken, ev.Timestamp,
		)
		return err
	})
	if err != nil {
		r.log.Error().Err(err).Str("severity", ev.Severity).Msg("Failed to persist staleness event")
	}
}

// RegimeChange implements vre.DecisionSink
func (r *EventLogRepo) RegimeChange(ctx context.Context, d vre.Decision, from vre.Regime) {
	err := timed("insert_vre_decision", func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO vre_decision_log (
				symbol, regime, from_regime, method, z, rv_ratio,
				confidence, decision_hash, ts
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.Symbol, d.RegimeName, from.String(), string(d.Method), d.Z, d.RVRatio,
			d.Confidence, d.Hash, d.Timestamp,
		)
		return err
	})
	if err != nil {
		r.log.Error().Err(err).Str("symbol", d.Symbol).Msg("Failed to persist regime decision")
	}
}
