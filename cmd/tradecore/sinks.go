package main

import (
	"context"
	"time"

	"github.com/quantforge/tradecore/internal/breaker"
	"github.com/quantforge/tradecore/internal/campaign"
	"github.com/quantforge/tradecore/internal/events"
	"github.com/quantforge/tradecore/internal/signal"
	"github.com/quantforge/tradecore/internal/staleness"
	"github.com/quantforge/tradecore/internal/vre"
)

// Each engine takes a single sink; fanning out to the audit trail, the
// event log tables and the NATS bus happens here.

type stalenessFanout []staleness.EventSink

func (f stalenessFanout) StalenessEvent(ctx context.Context, ev staleness.Event) {
	for _, s := range f {
		s.StalenessEvent(ctx, ev)
	}
}

type breakerFanout []breaker.EventSink

func (f breakerFanout) BreakerEvent(ctx context.Context, ev breaker.Event) {
	for _, s := range f {
		s.BreakerEvent(ctx, ev)
	}
}

type regimeFanout []vre.DecisionSink

func (f regimeFanout) RegimeChange(ctx context.Context, d vre.Decision, from vre.Regime) {
	for _, s := range f {
		s.RegimeChange(ctx, d, from)
	}
}

type auditFanout []campaign.AuditSink

func (f auditFanout) Audit(ctx context.Context, eventType string, payload any) {
	for _, s := range f {
		s.Audit(ctx, eventType, payload)
	}
}

// busSink forwards engine events onto the NATS bus. The publisher is
// nil-safe, so a disabled bus costs nothing here.
type busSink struct {
	pub *events.Publisher
}

func (b busSink) StalenessEvent(_ context.Context, ev staleness.Event) {
	b.pub.Publish(events.SubjectStaleness, ev)
}

func (b busSink) BreakerEvent(_ context.Context, ev breaker.Event) {
	b.pub.Publish(events.SubjectBreakers, ev)
}

func (b busSink) RegimeChange(_ context.Context, d vre.Decision, from vre.Regime) {
	b.pub.Publish(events.SubjectRegimes, struct {
		vre.Decision
		FromRegime string `json:"from_regime"`
	}{d, from.String()})
}

func (b busSink) Audit(_ context.Context, eventType string, payload any) {
	b.pub.Publish(events.SubjectCampaigns, struct {
		Event   string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}{eventType, payload})
}

// signalCanceller zeroes pending signals for a symbol once its feed
// degrades past the hard threshold.
type signalCanceller struct {
	signals *signal.Engine
}

func (s signalCanceller) StalenessEvent(ctx context.Context, ev staleness.Event) {
	switch ev.ActionTaken {
	case "signals_zeroed", "global_pause", "quarantined":
		if ev.Symbol != "" {
			s.signals.CancelForStaleness(ctx, ev.Symbol, time.Now().UTC())
		}
	}
}

// breakerDailyReset adapts the breaker service to the campaign
// manager's midnight hook.
type breakerDailyReset struct {
	svc *breaker.Service
}

func (d breakerDailyReset) ResetDaily(ctx context.Context) error {
	d.svc.ResetDaily(ctx)
	return nil
}
