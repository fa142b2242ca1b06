package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/internal/metrics"
)

// EventSink receives breaker events; implemented by the audit trail
type EventSink interface {
	BreakerEvent(ctx context.Context, ev Event)
}

// StalenessGate is the advisory staleness input composed into CanOpen;
// implemented by the staleness guard.
type StalenessGate interface {
	CanOpen(symbol string) (bool, string)
	GlobalPaused() bool
}

type assetState struct {
	consecutiveLosses int
	cumulativeLossUSD decimal.Decimal // losses accumulate positive
	triggered         bool
	autoResetAt       time.Time
}

type clusterState struct {
	lossUSD     decimal.Decimal
	triggered   bool
	autoResetAt time.Time
}

type portfolioState struct {
	mu           sync.Mutex
	baseEquity   decimal.Decimal
	dailyPnL     decimal.Decimal
	assets       map[string]*assetState
	clusters     map[int]*clusterState
	globalOn     bool
	globalResetAt time.Time
}

// Service is the process-singleton circuit breaker shared by all
// engines. Updates are serialized per portfolio; reads see the most
// recent committed update.
type Service struct {
	settings Settings
	sink     EventSink
	gate     StalenessGate
	logger   zerolog.Logger

	asset   Evaluator
	cluster Evaluator
	global  Evaluator

	mu         sync.RWMutex
	portfolios map[string]*portfolioState
}

// NewService creates the breaker singleton. sink and gate may be nil
// (tests substitute fakes).
func NewService(settings Settings, sink EventSink, gate StalenessGate) *Service {
	return &Service{
		settings:   settings,
		sink:       sink,
		gate:       gate,
		logger:     log.With().Str("component", "breaker").Logger(),
		asset:      assetEvaluator{maxConsecutive: settings.AssetConsecutiveLosses, maxCumulative: settings.AssetCumulativeLossUSD},
		cluster:    clusterEvaluator{maxLossPct: settings.ClusterLossPct},
		global:     globalEvaluator{maxDailyLossPct: settings.MaxDailyLossPct},
		portfolios: make(map[string]*portfolioState),
	}
}

// RegisterPortfolio sets the equity base used for percentage breakers
func (s *Service) RegisterPortfolio(portfolio string, equity decimal.Decimal) {
	ps := s.portfolio(portfolio)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.baseEquity = equity
}

func (s *Service) portfolio(id string) *portfolioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.portfolios[id]
	if !ok {
		ps = &portfolioState{
			assets:   make(map[string]*assetState),
			clusters: make(map[int]*clusterState),
		}
		s.portfolios[id] = ps
	}
	return ps
}

// CanOpen is the unified pre-open gate: staleness advisories first,
// then global, cluster and asset loss breakers.
func (s *Service) CanOpen(portfolio, symbol string, clusters []int) (bool, string) {
	if s.gate != nil {
		if s.gate.GlobalPaused() {
			return false, "staleness_global_pause"
		}
		if ok, reason := s.gate.CanOpen(symbol); !ok {
			return false, reason
		}
	}

	ps := s.portfolio(portfolio)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.globalOn {
		return false, "global_breaker"
	}
	for _, c := range clusters {
		if cs, ok := ps.clusters[c]; ok && cs.triggered {
			return false, fmt.Sprintf("cluster_breaker_%d", c)
		}
	}
	if as, ok := ps.assets[symbol]; ok && as.triggered {
		return false, "asset_breaker"
	}
	return true, ""
}

// RecordTrade updates loss counters with a realized P&L and triggers
// any breaker whose threshold is crossed.
func (s *Service) RecordTrade(ctx context.Context, portfolio, symbol string, realizedPnL decimal.Decimal, cluster int) {
	ps := s.portfolio(portfolio)
	ps.mu.Lock()

	as, ok := ps.assets[symbol]
	if !ok {
		as = &assetState{}
		ps.assets[symbol] = as
	}

	if realizedPnL.Sign() < 0 {
		as.consecutiveLosses++
		as.cumulativeLossUSD = as.cumulativeLossUSD.Add(realizedPnL.Neg())
	} else if realizedPnL.Sign() > 0 {
		as.consecutiveLosses = 0
	}

	ps.dailyPnL = ps.dailyPnL.Add(realizedPnL)

	var events []Event
	now := time.Now().UTC()

	if !as.triggered {
		v := s.asset.Evaluate(Metrics{
			ConsecutiveLosses: as.consecutiveLosses,
			CumulativeLossUSD: as.cumulativeLossUSD,
		})
		if v.Trigger {
			as.triggered = true
			as.autoResetAt = now.Add(s.settings.AssetResetAfter)
			events = append(events, Event{
				Portfolio: portfolio, Level: LevelAsset, Type: EventTriggered,
				Symbol: symbol, Reason: v.Reason, Timestamp: now,
				Metadata: map[string]any{
					"consecutive_losses": as.consecutiveLosses,
					"cumulative_loss":    as.cumulativeLossUSD.String(),
					"auto_reset_at":      as.autoResetAt,
				},
			})
		}
	}

	if cluster > 0 && realizedPnL.Sign() < 0 {
		cs, ok := ps.clusters[cluster]
		if !ok {
			cs = &clusterState{}
			ps.clusters[cluster] = cs
		}
		cs.lossUSD = cs.lossUSD.Add(realizedPnL.Neg())
		if !cs.triggered && ps.baseEquity.Sign() > 0 {
			lossPct, _ := cs.lossUSD.Div(ps.baseEquity).Float64()
			v := s.cluster.Evaluate(Metrics{ClusterLossPct: lossPct})
			if v.Trigger {
				cs.triggered = true
				cs.autoResetAt = now.Add(s.settings.ClusterResetAfter)
				events = append(events, Event{
					Portfolio: portfolio, Level: LevelCluster, Type: EventTriggered,
					Cluster: cluster, Reason: v.Reason, Timestamp: now,
					Metadata: map[string]any{
						"cluster_loss":  cs.lossUSD.String(),
						"loss_pct":      lossPct,
						"auto_reset_at": cs.autoResetAt,
					},
				})
			}
		}
	}

	if !ps.globalOn && ps.baseEquity.Sign() > 0 && ps.dailyPnL.Sign() < 0 {
		dailyLossPct, _ := ps.dailyPnL.Neg().Div(ps.baseEquity).Float64()
		v := s.global.Evaluate(Metrics{DailyLossPct: dailyLossPct})
		if v.Trigger {
			ps.globalOn = true
			ps.globalResetAt = nextUTCMidnight(now)
			events = append(events, Event{
				Portfolio: portfolio, Level: LevelGlobal, Type: EventTriggered,
				Reason: v.Reason, Timestamp: now,
				Metadata: map[string]any{
					"daily_pnl":     ps.dailyPnL.String(),
					"daily_loss_pct": dailyLossPct,
					"auto_reset_at": ps.globalResetAt,
				},
			})
		}
	}
	ps.mu.Unlock()

	for _, ev := range events {
		s.emit(ctx, ev)
	}
}

// Reset clears a breaker explicitly. key is the symbol for asset
// breakers and the cluster number rendered as a string for cluster
// breakers; empty for global.
func (s *Service) Reset(ctx context.Context, portfolio string, level Level, key string, userID string) error {
	ps := s.portfolio(portfolio)
	ps.mu.Lock()

	var ev *Event
	now := time.Now().UTC()
	switch level {
	case LevelAsset:
		as, ok := ps.assets[key]
		if !ok || !as.triggered {
			ps.mu.Unlock()
			return fmt.Errorf("no triggered asset breaker for %s/%s", portfolio, key)
		}
		*as = assetState{}
		ev = &Event{Portfolio: portfolio, Level: LevelAsset, Type: EventReset, Symbol: key, Reason: "manual_reset", Timestamp: now}
	case LevelCluster:
		var cluster int
		if _, err := fmt.Sscanf(key, "%d", &cluster); err != nil {
			ps.mu.Unlock()
			return fmt.Errorf("invalid cluster key %q: %w", key, err)
		}
		cs, ok := ps.clusters[cluster]
		if !ok || !cs.triggered {
			ps.mu.Unlock()
			return fmt.Errorf("no triggered cluster breaker for %s/%d", portfolio, cluster)
		}
		*cs = clusterState{}
		ev = &Event{Portfolio: portfolio, Level: LevelCluster, Type: EventReset, Cluster: cluster, Reason: "manual_reset", Timestamp: now}
	case LevelGlobal:
		if !ps.globalOn {
			ps.mu.Unlock()
			return fmt.Errorf("no triggered global breaker for %s", portfolio)
		}
		ps.globalOn = false
		ps.dailyPnL = decimal.Zero
		ev = &Event{Portfolio: portfolio, Level: LevelGlobal, Type: EventReset, Reason: "manual_reset", Timestamp: now}
	default:
		ps.mu.Unlock()
		return fmt.Errorf("unknown breaker level %q", level)
	}
	ps.mu.Unlock()

	ev.Metadata = map[string]any{"user_id": userID}
	s.emit(ctx, *ev)
	return nil
}

// ResetDaily zeroes the daily P&L counters at the UTC day boundary
func (s *Service) ResetDaily(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.portfolios))
	for id := range s.portfolios {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		ps := s.portfolio(id)
		ps.mu.Lock()
		ps.dailyPnL = decimal.Zero
		ps.mu.Unlock()
	}
}

// Run sweeps for expired breakers at the configured interval
func (s *Service) Run(ctx context.Context, sweepInterval time.Duration) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep auto-resets every breaker whose reset time has passed
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.portfolios))
	for id := range s.portfolios {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		ps := s.portfolio(id)
		ps.mu.Lock()
		var events []Event
		for symbol, as := range ps.assets {
			if as.triggered && now.After(as.autoResetAt) {
				*as = assetState{}
				events = append(events, Event{Portfolio: id, Level: LevelAsset, Type: EventAutoReset, Symbol: symbol, Reason: "auto_reset", Timestamp: now})
			}
		}
		for cluster, cs := range ps.clusters {
			if cs.triggered && now.After(cs.autoResetAt) {
				*cs = clusterState{}
				events = append(events, Event{Portfolio: id, Level: LevelCluster, Type: EventAutoReset, Cluster: cluster, Reason: "auto_reset", Timestamp: now})
			}
		}
		if ps.globalOn && now.After(ps.globalResetAt) {
			ps.globalOn = false
			ps.dailyPnL = decimal.Zero
			events = append(events, Event{Portfolio: id, Level: LevelGlobal, Type: EventAutoReset, Reason: "auto_reset", Timestamp: now})
		}
		ps.mu.Unlock()

		for _, ev := range events {
			s.emit(ctx, ev)
		}
	}
}

func (s *Service) emit(ctx context.Context, ev Event) {
	evt := s.logger.Warn()
	if ev.Type != EventTriggered {
		evt = s.logger.Info()
	}
	evt.
		Str("portfolio", ev.Portfolio).
		Str("level", string(ev.Level)).
		Str("type", string(ev.Type)).
		Str("symbol", ev.Symbol).
		Str("reason", ev.Reason).
		Msg("Circuit breaker event")

	metrics.RecordBreakerEvent(string(ev.Level), string(ev.Type))
	if s.sink != nil {
		s.sink.BreakerEvent(ctx, ev)
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
