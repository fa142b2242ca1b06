package campaign

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/exchange"
	"github.com/quantforge/tradecore/internal/metrics"
)

const (
	managerInterval   = 60 * time.Second
	rebalanceInterval = 8 * time.Hour
)

// UniverseSelector recomputes a campaign's tradable set
type UniverseSelector interface {
	SelectUniverse(ctx context.Context, cfg SelectionConfig) ([]string, error)
}

// DailyResetter is implemented by the circuit-breaker service
type DailyResetter interface {
	ResetDaily(ctx context.Context) error
}

// Manager is the background scheduler. It owns no trading state: every
// mutation is delegated to the owning robot under the robot's lock.
type Manager struct {
	mu     sync.Mutex
	robots map[string]*Robot

	selector UniverseSelector
	daily    DailyResetter
	audit    AuditSink

	lastDailyReset time.Time

	log zerolog.Logger
}

// NewManager creates the campaign scheduler
func NewManager(selector UniverseSelector, daily DailyResetter, audit AuditSink, log zerolog.Logger) *Manager {
	return &Manager{
		robots:         make(map[string]*Robot),
		selector:       selector,
		daily:          daily,
		audit:          audit,
		lastDailyReset: time.Now().UTC().Truncate(24 * time.Hour),
		log:            log.With().Str("component", "campaign_manager").Logger(),
	}
}

// Register adds a robot to the scheduler
func (m *Manager) Register(r *Robot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.robots[r.campaign.ID] = r
	metrics.UpdateActiveCampaigns(m.activeCountLocked())
}

// Deregister removes a campaign from the scheduler
func (m *Manager) Deregister(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.robots, campaignID)
	metrics.UpdateActiveCampaigns(m.activeCountLocked())
}

// Robot returns the registered robot for a campaign, if any
func (m *Manager) Robot(campaignID string) (*Robot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[campaignID]
	return r, ok
}

// Run drives the scheduler until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(managerInterval)
	defer ticker.Stop()

	m.log.Info().Msg("Campaign manager started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep runs one scheduler pass: expiration, drawdown re-check,
// rebalance cadence and the UTC daily reset.
func (m *Manager) Sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	robots := make([]*Robot, 0, len(m.robots))
	for _, r := range m.robots {
		robots = append(robots, r)
	}
	m.mu.Unlock()

	dailyDue := m.dailyResetDue(now)

	for _, r := range robots {
		if r.Status().Terminal() {
			continue
		}
		m.sweepRobot(ctx, r, now, dailyDue)
	}

	if dailyDue && m.daily != nil {
		if err := m.daily.ResetDaily(ctx); err != nil {
			m.log.Error().Err(err).Msg("Breaker daily reset failed")
		}
	}

	m.mu.Lock()
	metrics.UpdateActiveCampaigns(m.activeCountLocked())
	m.mu.Unlock()
}

func (m *Manager) sweepRobot(ctx context.Context, r *Robot, now time.Time, dailyDue bool) {
	c := r.CampaignSnapshot()

	if !c.EndDate.IsZero() && !now.Before(c.EndDate) {
		m.log.Info().Str("campaign_id", c.ID).Msg("Campaign expired, completing")
		r.Complete(ctx, now)
		return
	}

	r.EnforceDrawdown(ctx, now)
	if r.Status().Terminal() {
		return
	}

	if dailyDue {
		r.DailyReset(ctx, now)
	}

	rs := r.RiskSnapshot()
	if now.Sub(rs.LastRebalanceTS) >= rebalanceInterval {
		m.rebalance(ctx, r, c, now)
	}
}

// RequestRebalance forces a rebalance outside the 8h cadence. The
// countdown restarts from the manual rebalance.
func (m *Manager) RequestRebalance(ctx context.Context, campaignID string, now time.Time) bool {
	r, ok := m.Robot(campaignID)
	if !ok || r.Status().Terminal() {
		return false
	}
	m.rebalance(ctx, r, r.CampaignSnapshot(), now)
	return true
}

func (m *Manager) rebalance(ctx context.Context, r *Robot, c Campaign, now time.Time) {
	newSet := c.Selection.Symbols
	if m.selector != nil {
		selected, err := m.selector.SelectUniverse(ctx, c.Selection)
		if err != nil {
			m.log.Error().Err(err).Str("campaign_id", c.ID).Msg("Universe selection failed, keeping current set")
		} else if len(selected) > 0 {
			newSet = selected
		}
	}

	dropped := r.Rebalance(ctx, newSet, now)
	m.log.Info().
		Str("campaign_id", c.ID).
		Int("universe", len(newSet)).
		Strs("dropped", dropped).
		Msg("Campaign rebalanced")

	if m.audit != nil {
		m.audit.Audit(ctx, "campaign_rebalanced", map[string]any{
			"campaign_id": c.ID,
			"tradable":    newSet,
			"dropped":     dropped,
		})
	}
}

func (m *Manager) dailyResetDue(now time.Time) bool {
	day := now.Truncate(24 * time.Hour)
	if !day.After(m.lastDailyReset) {
		return false
	}
	m.lastDailyReset = day
	return true
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, r := range m.robots {
		if r.Status() == StatusActive {
			n++
		}
	}
	return n
}

// CampaignSnapshot returns a copy of the campaign
func (r *Robot) CampaignSnapshot() Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaign
}

// Complete closes all positions and marks the campaign completed
func (r *Robot) Complete(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.campaign.Status.Terminal() {
		return
	}
	r.closeAllLocked(ctx, CloseReasonSignalExit, now)
	r.campaign.Status = StatusCompleted
	r.campaign.UpdatedAt = now
	if r.audit != nil {
		r.audit.Audit(ctx, "campaign_completed", map[string]string{"campaign_id": r.campaign.ID})
	}
	r.persistLocked(ctx)
}

// EnforceDrawdown re-checks the kill-switch outside the robot tick
func (r *Robot) EnforceDrawdown(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.campaign.Status != StatusActive {
		return
	}
	r.markToMarketLocked(ctx, now)
	if r.risk.DrawdownBreached(r.campaign.Risk.MaxDrawdownThreshold) {
		r.stopCampaignLocked(ctx, now, "max_drawdown")
	}
}

// DailyReset zeroes the daily ledger at 00:00 UTC
func (r *Robot) DailyReset(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.risk.DailyReset(now)
	r.log.Info().Msg("Daily risk ledger reset")
	r.persistLocked(ctx)
}

// Rebalance replaces the tradable set and queues rebalance exits for
// positions whose symbol left the set. Returns the dropped symbols.
func (r *Robot) Rebalance(ctx context.Context, newSet []string, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	inNew := make(map[string]bool, len(newSet))
	for _, s := range newSet {
		inNew[s] = true
	}

	var dropped []string
	for _, s := range r.risk.TradableSet {
		if !inNew[s] {
			dropped = append(dropped, s)
		}
	}

	r.risk.TradableSet = append([]string(nil), newSet...)
	r.risk.LastRebalanceTS = now
	r.risk.UpdatedAt = now

	for _, pos := range r.positions {
		if pos.State == PositionOpen && !inNew[pos.Symbol] {
			r.closeAtMarketLocked(ctx, pos, CloseReasonRebalance, now)
		}
	}

	r.persistLocked(ctx)
	return dropped
}

// VolumeSelector ranks active pairs by 24h quote volume against the
// selection config. It is the production UniverseSelector.
type VolumeSelector struct {
	api exchange.MarketDataAPI
	log zerolog.Logger
}

// NewVolumeSelector creates a selector over the exchange market data API
func NewVolumeSelector(api exchange.MarketDataAPI, log zerolog.Logger) *VolumeSelector {
	return &VolumeSelector{api: api, log: log.With().Str("component", "universe_selector").Logger()}
}

// SelectUniverse returns the config's symbols filtered by liquidity,
// capped at MaxUniverse, ordered by descending quote volume.
func (s *VolumeSelector) SelectUniverse(ctx context.Context, cfg SelectionConfig) ([]string, error) {
	type ranked struct {
		symbol string
		volume float64
	}

	pairs, err := s.api.ListPairs(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if p.Active {
			active[p.Symbol] = true
		}
	}

	var out []ranked
	for _, sym := range cfg.Symbols {
		if !active[sym] {
			continue
		}
		stats, err := s.api.Get24hStats(ctx, sym)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("24h stats unavailable, excluding from universe")
			continue
		}
		if cfg.MinQuoteVolume.IsPositive() && stats.QuoteVolume.LessThan(cfg.MinQuoteVolume) {
			continue
		}
		vol, _ := stats.QuoteVolume.Float64()
		out = append(out, ranked{symbol: sym, volume: vol})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].volume > out[j].volume })
	if cfg.MaxUniverse > 0 && len(out) > cfg.MaxUniverse {
		out = out[:cfg.MaxUniverse]
	}

	symbols := make([]string, len(out))
	for i, r := range out {
		symbols[i] = r.symbol
	}
	return symbols, nil
}
