package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/tradecore/internal/exchange"
	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/signal"
	"github.com/quantforge/tradecore/internal/vre"
)

type fakeMarket struct {
	mu   sync.Mutex
	l1   map[string]marketdata.L1Quote
	l2   map[string]marketdata.L2Book
	bars map[string][]marketdata.Bar
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		l1:   make(map[string]marketdata.L1Quote),
		l2:   make(map[string]marketdata.L2Book),
		bars: make(map[string][]marketdata.Bar),
	}
}

func (f *fakeMarket) SetMid(symbol string, mid decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	half := d("0.01")
	f.l1[symbol] = marketdata.L1Quote{
		BidPrice:  mid.Sub(half),
		AskPrice:  mid.Add(half),
		BidSize:   d("10"),
		AskSize:   d("10"),
		Timestamp: time.Now().UTC(),
	}
}

func (f *fakeMarket) SetQuote(symbol string, q marketdata.L1Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l1[symbol] = q
}

func (f *fakeMarket) SetBars(symbol string, bars []marketdata.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[symbol] = bars
}

func (f *fakeMarket) GetL1(symbol string) (marketdata.L1Quote, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.l1[symbol]
	return q, 0, ok
}

func (f *fakeMarket) SetBook(symbol string, b marketdata.L2Book) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l2[symbol] = b
}

func (f *fakeMarket) GetL2(symbol string) (marketdata.L2Book, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.l2[symbol]
	return b, 0, ok
}

func (f *fakeMarket) GetBars(symbol string, period marketdata.BarPeriod, n int) []marketdata.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bars[symbol]
}

type fakeBreakers struct {
	mu       sync.Mutex
	blocked  string // non-empty blocks CanOpen with this reason
	recorded []decimal.Decimal
}

func (f *fakeBreakers) CanOpen(portfolio, symbol string, clusters []int) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked != "" {
		return false, f.blocked
	}
	return true, ""
}

func (f *fakeBreakers) RecordTrade(ctx context.Context, portfolio, symbol string, pnl decimal.Decimal, cluster int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, pnl)
}

func (f *fakeBreakers) Recorded() []decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]decimal.Decimal(nil), f.recorded...)
}

type fakeRegimes struct {
	regime vre.Regime
}

func (f *fakeRegimes) CurrentRegime(symbol string) vre.Regime       { return f.regime }
func (f *fakeRegimes) BlocksPyramiding(string, time.Time) bool      { return false }
func (f *fakeRegimes) WhipsawBlocked(string, time.Time) bool        { return false }

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Audit(ctx context.Context, eventType string, payload any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
}

func (a *recordingAudit) Has(eventType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == eventType {
			return true
		}
	}
	return false
}

// breakout returns 60 one-minute bars: flat at 100, last close at 120.
// EMA12 lags the jump while ATR stays small, so the long entry condition
// holds decisively.
func breakout(symbol string) []marketdata.Bar {
	bars := make([]marketdata.Bar, 0, 60)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 59; i++ {
		bars = append(bars, marketdata.Bar{
			Symbol: symbol, Period: "1m",
			Open: d("100"), High: d("100.5"), Low: d("99.5"), Close: d("100"),
			Volume: d("10"), BarTS: ts.Add(time.Duration(i) * time.Minute),
		})
	}
	bars = append(bars, marketdata.Bar{
		Symbol: symbol, Period: "1m",
		Open: d("100"), High: d("120.5"), Low: d("99.5"), Close: d("120"),
		Volume: d("50"), BarTS: ts.Add(59 * time.Minute),
	})
	return bars
}

type robotFixture struct {
	robot    *Robot
	market   *fakeMarket
	breakers *fakeBreakers
	regimes  *fakeRegimes
	paper    *exchange.PaperExchange
	exch     exchange.Exchange
	audit    *recordingAudit
	signals  *signal.Engine
}

func newRobotFixture(t *testing.T, exch exchange.Exchange) *robotFixture {
	t.Helper()
	c := testCampaign()
	market := newFakeMarket()
	breakers := &fakeBreakers{}
	regimes := &fakeRegimes{regime: vre.Normal}
	signals := signal.NewEngine(decimal.Zero, nil, zerolog.Nop())
	audit := &recordingAudit{}

	paper, _ := exch.(*exchange.PaperExchange)
	r := NewRobot(c, NewRiskState(c, time.Now().UTC()), market, breakers, regimes, signals, exch, nil, audit, zerolog.Nop())

	return &robotFixture{
		robot:    r,
		market:   market,
		breakers: breakers,
		regimes:  regimes,
		paper:    paper,
		exch:     exch,
		audit:    audit,
		signals:  signals,
	}
}

func openLong(t *testing.T, f *robotFixture, symbol string) *Position {
	t.Helper()
	f.market.SetMid(symbol, d("120"))
	f.market.SetBars(symbol, breakout(symbol))
	if f.paper != nil {
		f.paper.MarkPrice(symbol, d("120"))
	}

	f.robot.Tick(context.Background(), time.Now().UTC())

	open := f.robot.OpenPositions()
	require.Len(t, open, 1, "breakout must open exactly one position")
	return open[0]
}

func TestRobotOpensBracketOnBreakout(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	pos := openLong(t, f, "BTC/USD")

	assert.Equal(t, signal.SideLong, pos.Side)
	assert.Equal(t, PositionOpen, pos.State)
	assert.NotEmpty(t, pos.OCOGroupID)
	require.NotEmpty(t, pos.SLOrderID)
	require.NotEmpty(t, pos.TPOrderID)
	assert.True(t, pos.StopLoss.LessThan(pos.EntryPrice))
	assert.True(t, pos.TakeProfit.GreaterThan(pos.EntryPrice))

	// Both legs rest on the exchange under the shared OCO group
	sl, err := f.exch.GetOrder(context.Background(), pos.SLOrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusOpen, sl.Status)
	assert.Equal(t, pos.OCOGroupID, sl.OCOGroupID)

	tp, err := f.exch.GetOrder(context.Background(), pos.TPOrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusOpen, tp.Status)
	assert.Equal(t, pos.OCOGroupID, tp.OCOGroupID)

	// The pending signal was consumed
	assert.Nil(t, f.signals.Pending("port-1", "BTC/USD"))
	assert.True(t, f.audit.Has("position_opened"))
}

func TestRobotTakeProfitExitCancelsSibling(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	pos := openLong(t, f, "BTC/USD")

	// Price runs through the take-profit leg
	f.paper.MarkPrice("BTC/USD", pos.TakeProfit.Add(d("1")))
	f.market.SetMid("BTC/USD", pos.TakeProfit.Add(d("1")))
	f.market.SetBars("BTC/USD", nil) // no further entries
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())

	sl, err := f.exch.GetOrder(context.Background(), pos.SLOrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusCancelled, sl.Status, "surviving OCO leg must be cancelled")

	recorded := f.breakers.Recorded()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].IsPositive(), "take-profit exit books a win")

	rs := f.robot.RiskSnapshot()
	assert.True(t, rs.DailyPnL.IsPositive())
	assert.Equal(t, 1, rs.TradesToday)
	assert.False(t, rs.ManualReconcile)
	assert.True(t, f.audit.Has("position_closed"))
}

func TestRobotStopLossExitBooksLoss(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	pos := openLong(t, f, "BTC/USD")

	f.paper.MarkPrice("BTC/USD", pos.StopLoss.Sub(d("1")))
	f.market.SetMid("BTC/USD", pos.StopLoss.Sub(d("1")))
	f.market.SetBars("BTC/USD", nil)
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())

	tp, err := f.exch.GetOrder(context.Background(), pos.TPOrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusCancelled, tp.Status)

	recorded := f.breakers.Recorded()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].IsNegative(), "stop-loss exit books a loss")

	rs := f.robot.RiskSnapshot()
	assert.True(t, rs.LossInRByPair["BTC/USD"].IsPositive(), "loss accounted in R units")
}

func TestRobotDrawdownKillSwitch(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	openLong(t, f, "BTC/USD")

	// Deep unrealized loss on the quote side; resting legs untouched so
	// the kill-switch, not the stop leg, drives the exit
	f.market.SetMid("BTC/USD", d("50"))
	f.market.SetBars("BTC/USD", nil)
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Equal(t, StatusStopped, f.robot.Status())
	assert.True(t, f.audit.Has("campaign_stopped"))

	// The forced exit carries the breaker close reason
	f.robot.mu.Lock()
	defer f.robot.mu.Unlock()
	for _, p := range f.robot.positions {
		assert.Equal(t, PositionClosed, p.State)
		assert.Equal(t, CloseReasonBreaker, p.CloseReason)
	}
}

func TestRobotBreakerBlocksEntry(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	f.breakers.blocked = "asset_breaker"

	f.market.SetMid("BTC/USD", d("120"))
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())
}

func TestRobotRegimeGateBlocksConservative(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	f.robot.campaign.Profile = vre.ProfileConservative
	f.regimes.regime = vre.Extreme

	f.market.SetMid("BTC/USD", d("120"))
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())
}

func TestRobotSpreadGateBlocksWideMarkets(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())

	// ~167bps quoted spread, far over the 10bps normal-regime cap
	f.market.SetQuote("BTC/USD", marketdata.L1Quote{
		BidPrice: d("119"), AskPrice: d("121"),
		BidSize: d("10"), AskSize: d("10"),
		Timestamp: time.Now().UTC(),
	})
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())
}

func TestRobotEntryRejectionCancelsSignal(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())

	f.market.SetMid("BTC/USD", d("120"))
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.paper.FailNext(errors.New("insufficient_funds"))

	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())
	assert.Nil(t, f.signals.Pending("port-1", "BTC/USD"), "rejected entry must release the signal slot")
}

func TestRobotSecondBreakoutDoesNotPyramid(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	openLong(t, f, "BTC/USD")

	// Condition still holds on the next tick; Aggressive never pyramids
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Len(t, f.robot.OpenPositions(), 1)
}

type noCancelExchange struct {
	*exchange.PaperExchange
}

func (e *noCancelExchange) CancelOrder(ctx context.Context, internalID string) (*exchange.Order, error) {
	return nil, errors.New("cancel timeout")
}

func TestRobotFlagsManualReconciliationWhenCancelExhausted(t *testing.T) {
	paper := exchange.NewPaperExchange()
	f := newRobotFixture(t, &noCancelExchange{PaperExchange: paper})
	f.paper = paper
	pos := openLong(t, f, "BTC/USD")

	f.paper.MarkPrice("BTC/USD", pos.TakeProfit.Add(d("1")))
	f.market.SetMid("BTC/USD", pos.TakeProfit.Add(d("1")))
	f.market.SetBars("BTC/USD", nil)
	f.robot.Tick(context.Background(), time.Now().UTC())

	rs := f.robot.RiskSnapshot()
	assert.True(t, rs.ManualReconcile)
	assert.True(t, f.audit.Has("manual_reconciliation_required"))

	// The position stays in closing until an operator reconciles
	open := f.robot.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, PositionClosing, open[0].State)
}

func TestRobotClosingPositionPinsSymbol(t *testing.T) {
	paper := exchange.NewPaperExchange()
	f := newRobotFixture(t, &noCancelExchange{PaperExchange: paper})
	f.paper = paper
	pos := openLong(t, f, "BTC/USD")

	// TP fills but the sibling cancel keeps failing
	f.paper.MarkPrice("BTC/USD", pos.TakeProfit.Add(d("1")))
	f.market.SetMid("BTC/USD", pos.TakeProfit.Add(d("1")))
	f.market.SetBars("BTC/USD", nil)
	f.robot.Tick(context.Background(), time.Now().UTC())
	require.True(t, f.robot.RiskSnapshot().ManualReconcile)

	// A fresh breakout on the same symbol must not open a new bracket
	// while the old position awaits reconciliation
	f.market.SetMid("BTC/USD", d("120"))
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.robot.Tick(context.Background(), time.Now().UTC())

	open := f.robot.OpenPositions()
	require.Len(t, open, 1, "no new position may open on a symbol pending reconciliation")
	assert.Equal(t, PositionClosing, open[0].State)
}

func TestRobotSlippageGateBlocksThinBooks(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())

	f.market.SetMid("BTC/USD", d("120"))
	// The top ask is too thin for the sized order, so the walk reaches
	// a level ~80bps off mid, over the 6bps normal-regime cap
	f.market.SetBook("BTC/USD", marketdata.L2Book{
		Bids: []marketdata.PriceLevel{{Price: d("119.99"), Quantity: d("50")}},
		Asks: []marketdata.PriceLevel{
			{Price: d("120.01"), Quantity: d("0.001")},
			{Price: d("121"), Quantity: d("50")},
		},
		Timestamp: time.Now().UTC(),
	})
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())
}

func TestEstimateSlippageBps(t *testing.T) {
	book := marketdata.L2Book{
		Bids: []marketdata.PriceLevel{{Price: d("99"), Quantity: d("10")}},
		Asks: []marketdata.PriceLevel{
			{Price: d("101"), Quantity: d("1")},
			{Price: d("103"), Quantity: d("10")},
		},
	}

	// Mid 100; one unit fills at 101 = 100bps
	slip, ok := estimateSlippageBps(book, signal.SideLong, d("1"))
	require.True(t, ok)
	assert.True(t, slip.Equal(d("100")), "got %s", slip)

	// Two units fill at VWAP 102 = 200bps
	slip, ok = estimateSlippageBps(book, signal.SideLong, d("2"))
	require.True(t, ok)
	assert.True(t, slip.Equal(d("200")), "got %s", slip)

	// Short side walks the bids: 99 vs mid 100 = 100bps
	slip, ok = estimateSlippageBps(book, signal.SideShort, d("5"))
	require.True(t, ok)
	assert.True(t, slip.Equal(d("100")), "got %s", slip)

	// No estimate without both sides of the book
	_, ok = estimateSlippageBps(marketdata.L2Book{}, signal.SideLong, d("1"))
	assert.False(t, ok)
}

func TestRobotTickNoopWhenNotActive(t *testing.T) {
	f := newRobotFixture(t, exchange.NewPaperExchange())
	f.robot.campaign.Status = StatusPaused

	f.market.SetMid("BTC/USD", d("120"))
	f.market.SetBars("BTC/USD", breakout("BTC/USD"))
	f.paper.MarkPrice("BTC/USD", d("120"))
	f.robot.Tick(context.Background(), time.Now().UTC())

	assert.Empty(t, f.robot.OpenPositions())
}
