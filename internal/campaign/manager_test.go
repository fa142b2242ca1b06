package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/tradecore/internal/exchange"
	"github.com/quantforge/tradecore/internal/marketdata"
)

type fakeSelector struct {
	symbols []string
	err     error
	calls   int
}

func (f *fakeSelector) SelectUniverse(ctx context.Context, cfg SelectionConfig) ([]string, error) {
	f.calls++
	return f.symbols, f.err
}

type fakeDaily struct {
	calls int
}

func (f *fakeDaily) ResetDaily(ctx context.Context) error {
	f.calls++
	return nil
}

func managerFixture(t *testing.T) (*Manager, *robotFixture, *fakeSelector, *fakeDaily) {
	t.Helper()
	f := newRobotFixture(t, exchange.NewPaperExchange())
	sel := &fakeSelector{symbols: []string{"BTC/USD", "ETH/USD"}}
	daily := &fakeDaily{}
	m := NewManager(sel, daily, f.audit, zerolog.Nop())
	m.Register(f.robot)
	return m, f, sel, daily
}

func TestManagerCompletesExpiredCampaign(t *testing.T) {
	m, f, _, _ := managerFixture(t)
	pos := openLong(t, f, "BTC/USD")

	past := f.robot.CampaignSnapshot().EndDate.Add(time.Hour)
	m.Sweep(context.Background(), past)

	assert.Equal(t, StatusCompleted, f.robot.Status())
	assert.Empty(t, f.robot.OpenPositions(), "completion closes open positions")
	assert.True(t, f.audit.Has("campaign_completed"))

	// Both legs released on the exchange
	sl, err := f.exch.GetOrder(context.Background(), pos.SLOrderID)
	require.NoError(t, err)
	assert.True(t, sl.Status.Terminal())
}

func TestManagerSkipsTerminalCampaigns(t *testing.T) {
	m, f, sel, _ := managerFixture(t)
	f.robot.campaign.Status = StatusStopped

	m.Sweep(context.Background(), time.Now().UTC().Add(100*time.Hour))

	assert.Equal(t, StatusStopped, f.robot.Status())
	assert.Zero(t, sel.calls)
}

func TestManagerRebalanceDropsSymbols(t *testing.T) {
	m, f, sel, _ := managerFixture(t)
	pos := openLong(t, f, "BTC/USD")

	// BTC leaves the universe on the next rebalance
	sel.symbols = []string{"ETH/USD"}
	f.robot.mu.Lock()
	f.robot.risk.LastRebalanceTS = time.Now().UTC().Add(-9 * time.Hour)
	f.robot.mu.Unlock()

	m.Sweep(context.Background(), time.Now().UTC())

	rs := f.robot.RiskSnapshot()
	assert.Equal(t, []string{"ETH/USD"}, rs.TradableSet)
	assert.WithinDuration(t, time.Now().UTC(), rs.LastRebalanceTS, time.Minute)
	assert.Empty(t, f.robot.OpenPositions(), "position on a dropped symbol is exited")
	assert.True(t, f.audit.Has("campaign_rebalanced"))

	f.robot.mu.Lock()
	defer f.robot.mu.Unlock()
	closed := f.robot.positions[pos.ID]
	assert.Equal(t, CloseReasonRebalance, closed.CloseReason)
}

func TestManagerRebalanceCadenceNotDue(t *testing.T) {
	m, f, sel, _ := managerFixture(t)
	f.robot.mu.Lock()
	f.robot.risk.LastRebalanceTS = time.Now().UTC().Add(-7 * time.Hour)
	f.robot.mu.Unlock()

	m.Sweep(context.Background(), time.Now().UTC())

	assert.Zero(t, sel.calls, "7h since last rebalance is inside the 8h cadence")
}

func TestManagerRequestRebalanceRestartsCountdown(t *testing.T) {
	m, f, sel, _ := managerFixture(t)
	now := time.Now().UTC()

	require.True(t, m.RequestRebalance(context.Background(), f.robot.campaign.ID, now))
	assert.Equal(t, 1, sel.calls)

	rs := f.robot.RiskSnapshot()
	assert.Equal(t, now, rs.LastRebalanceTS)
}

func TestManagerDailyResetAtMidnightUTC(t *testing.T) {
	m, f, _, daily := managerFixture(t)

	now := time.Now().UTC()
	f.robot.mu.Lock()
	f.robot.risk.DailyPnL = d("-100")
	f.robot.risk.TradesToday = 3
	f.robot.mu.Unlock()
	m.lastDailyReset = now.Truncate(24 * time.Hour).Add(-24 * time.Hour)

	m.Sweep(context.Background(), now)

	rs := f.robot.RiskSnapshot()
	assert.True(t, rs.DailyPnL.IsZero())
	assert.Equal(t, 0, rs.TradesToday)
	assert.Equal(t, 1, daily.calls, "breaker daily ledger resets once per day")

	// Same day again: no second reset
	m.Sweep(context.Background(), now.Add(time.Minute))
	assert.Equal(t, 1, daily.calls)
}

func TestManagerRebalanceKeepsSetOnSelectorError(t *testing.T) {
	m, f, sel, _ := managerFixture(t)
	sel.err = assert.AnError
	f.robot.mu.Lock()
	f.robot.risk.LastRebalanceTS = time.Now().UTC().Add(-9 * time.Hour)
	f.robot.mu.Unlock()

	m.Sweep(context.Background(), time.Now().UTC())

	rs := f.robot.RiskSnapshot()
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, rs.TradableSet)
}

type fakeMarketAPI struct {
	pairs []exchange.Pair
	stats map[string]*exchange.DayStats
}

func (f *fakeMarketAPI) ListPairs(ctx context.Context) ([]exchange.Pair, error) {
	return f.pairs, nil
}

func (f *fakeMarketAPI) Get24hStats(ctx context.Context, symbol string) (*exchange.DayStats, error) {
	s, ok := f.stats[symbol]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}

func (f *fakeMarketAPI) GetOHLC(ctx context.Context, symbol, period string, limit int) ([]marketdata.Bar, error) {
	return nil, nil
}

func (f *fakeMarketAPI) FetchTicker(ctx context.Context, symbol string) (marketdata.L1Quote, *marketdata.Tick, error) {
	return marketdata.L1Quote{}, nil, nil
}

func TestVolumeSelectorFiltersAndRanks(t *testing.T) {
	api := &fakeMarketAPI{
		pairs: []exchange.Pair{
			{Symbol: "BTC/USD", Active: true},
			{Symbol: "ETH/USD", Active: true},
			{Symbol: "DOGE/USD", Active: true},
			{Symbol: "DEAD/USD", Active: false},
		},
		stats: map[string]*exchange.DayStats{
			"BTC/USD":  {Symbol: "BTC/USD", QuoteVolume: d("5000000")},
			"ETH/USD":  {Symbol: "ETH/USD", QuoteVolume: d("9000000")},
			"DOGE/USD": {Symbol: "DOGE/USD", QuoteVolume: d("1000")},
		},
	}
	sel := NewVolumeSelector(api, zerolog.Nop())

	out, err := sel.SelectUniverse(context.Background(), SelectionConfig{
		Symbols:        []string{"BTC/USD", "ETH/USD", "DOGE/USD", "DEAD/USD"},
		MinQuoteVolume: d("100000"),
		MaxUniverse:    5,
	})
	require.NoError(t, err)

	// Inactive and illiquid symbols drop; the rest rank by volume
	assert.Equal(t, []string{"ETH/USD", "BTC/USD"}, out)
}

func TestVolumeSelectorCapsUniverse(t *testing.T) {
	api := &fakeMarketAPI{
		pairs: []exchange.Pair{
			{Symbol: "A/USD", Active: true},
			{Symbol: "B/USD", Active: true},
			{Symbol: "C/USD", Active: true},
		},
		stats: map[string]*exchange.DayStats{
			"A/USD": {QuoteVolume: d("300")},
			"B/USD": {QuoteVolume: d("200")},
			"C/USD": {QuoteVolume: d("100")},
		},
	}
	sel := NewVolumeSelector(api, zerolog.Nop())

	out, err := sel.SelectUniverse(context.Background(), SelectionConfig{
		Symbols:     []string{"A/USD", "B/USD", "C/USD"},
		MaxUniverse: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A/USD", "B/USD"}, out)
}
