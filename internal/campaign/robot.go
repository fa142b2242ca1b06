package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/internal/exchange"
	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/metrics"
	"github.com/quantforge/tradecore/internal/signal"
	"github.com/quantforge/tradecore/internal/vre"
)

const (
	tickInterval       = 5 * time.Second
	ocoCancelRetries   = 3
	barsForSignal      = 128
	basisPointsDivisor = 10000
)

// MarketView is the read-only market data surface consumed by robots
type MarketView interface {
	GetL1(symbol string) (marketdata.L1Quote, time.Duration, bool)
	GetL2(symbol string) (marketdata.L2Book, time.Duration, bool)
	GetBars(symbol string, period marketdata.BarPeriod, n int) []marketdata.Bar
}

// BreakerService is the circuit-breaker surface consumed by robots
type BreakerService interface {
	CanOpen(portfolio, symbol string, clusters []int) (bool, string)
	RecordTrade(ctx context.Context, portfolio, symbol string, pnl decimal.Decimal, cluster int)
}

// RegimeSource is the VRE surface consumed by robots
type RegimeSource interface {
	CurrentRegime(symbol string) vre.Regime
	BlocksPyramiding(symbol string, now time.Time) bool
	WhipsawBlocked(symbol string, now time.Time) bool
}

// AuditSink records state-changing actions into the audit chain
type AuditSink interface {
	Audit(ctx context.Context, eventType string, payload any)
}

// Store persists campaign entities
type Store interface {
	SaveCampaign(ctx context.Context, c *Campaign) error
	SaveRiskState(ctx context.Context, rs *RiskState) error
	SavePosition(ctx context.Context, p *Position) error
	SaveOrder(ctx context.Context, o *OrderRecord) error
}

// Robot runs the 5-second control loop for one campaign. All state
// mutation happens under mu; two ticks of the same campaign never
// overlap: an overlapping slot is skipped and counted.
type Robot struct {
	mu sync.Mutex

	campaign *Campaign
	risk     *RiskState

	positions map[string]*Position    // by position id
	orders    map[string]*OrderRecord // by internal order id

	realizedEquity decimal.Decimal // initial capital + cumulative realized pnl - fees

	market   MarketView
	breakers BreakerService
	regimes  RegimeSource
	signals  *signal.Engine
	exch     exchange.Exchange
	store    Store
	audit    AuditSink

	ticking  chan struct{} // 1-slot token: held while a tick runs
	overruns int

	log zerolog.Logger
}

// NewRobot creates a robot for an active campaign
func NewRobot(c *Campaign, rs *RiskState, market MarketView, breakers BreakerService, regimes RegimeSource, signals *signal.Engine, exch exchange.Exchange, store Store, audit AuditSink, log zerolog.Logger) *Robot {
	r := &Robot{
		campaign:       c,
		risk:           rs,
		positions:      make(map[string]*Position),
		orders:         make(map[string]*OrderRecord),
		realizedEquity: c.InitialCapital,
		market:         market,
		breakers:       breakers,
		regimes:        regimes,
		signals:        signals,
		exch:           exch,
		store:          store,
		audit:          audit,
		ticking:        make(chan struct{}, 1),
		log:            log.With().Str("component", "robot").Str("campaign_id", c.ID).Logger(),
	}
	r.ticking <- struct{}{}
	return r
}

// Run paces the robot at the tick interval until ctx is cancelled or
// the campaign reaches a terminal state.
func (r *Robot) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	r.log.Info().Str("profile", string(r.campaign.Profile)).Msg("Robot started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case token := <-r.ticking:
				go func() {
					defer func() { r.ticking <- token }()
					r.Tick(ctx, time.Now().UTC())
				}()
			default:
				// Previous tick still running: skip the slot
				r.mu.Lock()
				r.overruns++
				r.mu.Unlock()
				metrics.RecordRobotOverrun(r.campaign.ID)
				r.log.Warn().Msg("Tick overrun, slot skipped")
			}
		}

		if r.Status().Terminal() {
			r.log.Info().Str("status", string(r.Status())).Msg("Robot stopped: campaign terminal")
			return nil
		}
	}
}

// Status returns the campaign status
func (r *Robot) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaign.Status
}

// Overruns returns the skipped-slot counter
func (r *Robot) Overruns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}

// OpenPositions returns a copy of the open/closing positions
func (r *Robot) OpenPositions() []*Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Position, 0, len(r.positions))
	for _, p := range r.positions {
		if p.State != PositionClosed {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// RiskSnapshot returns a copy of the risk state
func (r *Robot) RiskSnapshot() RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := *r.risk
	return rs
}

// Tick runs one full decision cycle. Errors are contained: a failure on
// one symbol never aborts the rest of the cycle.
func (r *Robot) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		metrics.RecordRobotTick(float64(time.Since(start).Milliseconds()))
	}()

	if r.campaign.Status != StatusActive {
		return
	}

	// 1. Reconcile resting OCO legs against the exchange
	r.reconcileOrdersLocked(ctx, now)

	// 2. Mark to market and enforce the drawdown kill-switch
	r.markToMarketLocked(ctx, now)
	if r.risk.DrawdownBreached(r.campaign.Risk.MaxDrawdownThreshold) {
		r.stopCampaignLocked(ctx, now, "max_drawdown")
		return
	}

	// 3. Evaluate entries per tradable symbol
	for _, symbol := range r.risk.TradableSet {
		r.evaluateSymbolLocked(ctx, symbol, now)
	}

	r.persistLocked(ctx)
}

func (r *Robot) evaluateSymbolLocked(ctx context.Context, symbol string, now time.Time) {
	// A closing position pins its symbol: no new bracket may open
	// until the pending exit is reconciled
	for _, p := range r.positions {
		if p.Symbol == symbol && p.State == PositionClosing {
			return
		}
	}

	cluster := r.campaign.Selection.ClusterBySym[symbol]

	ok, reason := r.breakers.CanOpen(r.campaign.Portfolio, symbol, []int{cluster})
	if !ok {
		r.log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("Open blocked")
		return
	}

	regime := r.regimes.CurrentRegime(symbol)
	if !r.campaign.Profile.AllowsRegime(regime) {
		return
	}
	if r.regimes.WhipsawBlocked(symbol, now) {
		return
	}

	// Spread gate per regime
	l1, _, haveL1 := r.market.GetL1(symbol)
	if haveL1 && !l1.BidPrice.IsZero() {
		spreadCap := decimal.NewFromFloat(vre.SpreadCapBps(regime))
		if l1.SpreadBps().GreaterThan(spreadCap) {
			r.log.Debug().Str("symbol", symbol).Str("spread_bps", l1.SpreadBps().String()).Msg("Spread above regime cap")
			return
		}
	}

	existing := r.openPositionsOnLocked(symbol)
	if len(existing) > 0 {
		if !r.campaign.Profile.AllowsPyramiding(regime) ||
			len(existing) >= r.campaign.Risk.MaxPyramidLayers ||
			r.regimes.BlocksPyramiding(symbol, now) {
			return
		}
	}
	if r.openPositionCountLocked() >= r.campaign.Risk.MaxOpenPositions {
		return
	}

	bars := r.market.GetBars(symbol, marketdata.Period1m, barsForSignal)
	if len(bars) == 0 {
		return
	}

	cfg := signal.DefaultConfig(r.campaign.Portfolio, symbol)
	cfg.RiskPerTradeBps = r.campaign.Risk.RiskPerTradeBps

	sig, err := r.signals.Evaluate(ctx, cfg, bars, r.risk.CurrentEquity, reasonOrOK(reason), now)
	if err != nil {
		r.log.Debug().Err(err).Str("symbol", symbol).Msg("Signal evaluation failed")
		return
	}
	if sig == nil || sig.Status != signal.StatusPending {
		return
	}

	// Scale by the profile's regime multiplier
	qty := sig.Size.Mul(decimal.NewFromFloat(r.campaign.Profile.PositionMultiplier(regime)))
	if !qty.IsPositive() {
		return
	}

	// Slippage gate per regime: walk the book for the sized quantity
	if book, _, haveL2 := r.market.GetL2(symbol); haveL2 {
		slipCap := decimal.NewFromFloat(vre.SlippageCapBps(regime))
		if slip, ok := estimateSlippageBps(book, sig.Side, qty); ok && slip.GreaterThan(slipCap) {
			r.log.Debug().Str("symbol", symbol).Str("slippage_bps", slip.String()).Msg("Slippage estimate above regime cap")
			return
		}
	}

	if err := r.openBracketLocked(ctx, sig, qty, now); err != nil {
		r.log.Error().Err(err).Str("symbol", symbol).Msg("Bracket open failed")
	}
}

// estimateSlippageBps walks the book on the entry side for qty and
// returns the expected fill VWAP's distance from mid in basis points.
// ok is false when the book cannot support an estimate.
func estimateSlippageBps(book marketdata.L2Book, side signal.Side, qty decimal.Decimal) (decimal.Decimal, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 || !qty.IsPositive() {
		return decimal.Zero, false
	}
	mid := book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return decimal.Zero, false
	}

	levels := book.Asks
	if side == signal.SideShort {
		levels = book.Bids
	}
	remaining := qty
	var cost, filled decimal.Decimal
	for _, lv := range levels {
		take := decimal.Min(remaining, lv.Quantity)
		cost = cost.Add(take.Mul(lv.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}
	if !filled.IsPositive() {
		return decimal.Zero, false
	}
	vwap := cost.Div(filled)
	return vwap.Sub(mid).Abs().Div(mid).Mul(decimal.NewFromInt(basisPointsDivisor)), true
}

func reasonOrOK(reason string) string {
	if reason == "" {
		return "ok"
	}
	return reason
}

// openBracketLocked submits the entry order and both OCO legs. The
// position only exists once all three orders are accepted; a rejected
// entry cancels the signal.
func (r *Robot) openBracketLocked(ctx context.Context, sig *signal.Signal, qty decimal.Decimal, now time.Time) error {
	ocoGroup := uuid.New().String()

	entrySide := exchange.OrderSideBuy
	exitSide := exchange.OrderSideSell
	if sig.Side == signal.SideShort {
		entrySide, exitSide = exchange.OrderSideSell, exchange.OrderSideBuy
	}

	entry := r.newOrderLocked("", ocoGroup, sig.Symbol, entrySide, exchange.OrderTypeMarket, qty, decimal.Zero, decimal.Zero, now)
	resp, err := r.exch.PlaceOrder(ctx, placeReq(entry))
	if err != nil {
		entry.Status = exchange.OrderStatusRejected
		entry.CancelReason = err.Error()
		r.signals.Cancel(ctx, sig.Portfolio, sig.Symbol, signal.ReasonOrderRejected, now)
		return fmt.Errorf("entry order: %w", err)
	}
	entry.Status = resp.Status
	if resp.Status == exchange.OrderStatusRejected {
		entry.CancelReason = resp.Message
		r.signals.Cancel(ctx, sig.Portfolio, sig.Symbol, signal.ReasonOrderRejected, now)
		return fmt.Errorf("entry order rejected: %s", resp.Message)
	}

	filled, err := r.exch.GetOrder(ctx, entry.InternalID)
	if err != nil {
		return fmt.Errorf("query entry fill: %w", err)
	}
	entryPrice := filled.AvgFillPrice
	if entryPrice.IsZero() {
		entryPrice = sig.Price
	}

	pos := &Position{
		ID:         uuid.New().String(),
		CampaignID: r.campaign.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   qty,
		EntryPrice: entryPrice,
		StopLoss:   sig.SL,
		TakeProfit: sig.TP2,
		ATRAtEntry: sig.ATR,
		RiskAmount: entryPrice.Sub(sig.SL).Abs().Mul(qty),
		State:      PositionOpen,
		OCOGroupID: ocoGroup,
		OpenedAt:   now,
	}
	if !sig.Price.IsZero() {
		pos.SlippageBps = entryPrice.Sub(sig.Price).Abs().
			Div(sig.Price).Mul(decimal.NewFromInt(basisPointsDivisor))
	}
	if err := validatePosition(pos); err != nil {
		r.haltForReconciliationLocked(ctx, err.Error(), now)
		return err
	}

	sl := r.newOrderLocked(pos.ID, ocoGroup, sig.Symbol, exitSide, exchange.OrderTypeStopLoss, qty, decimal.Zero, sig.SL, now)
	if _, err := r.exch.PlaceOrder(ctx, placeReq(sl)); err != nil {
		r.haltForReconciliationLocked(ctx, fmt.Sprintf("sl leg submission failed: %v", err), now)
		return fmt.Errorf("sl leg: %w", err)
	}
	sl.Status = exchange.OrderStatusOpen

	tp := r.newOrderLocked(pos.ID, ocoGroup, sig.Symbol, exitSide, exchange.OrderTypeTakeProfit, qty, pos.TakeProfit, decimal.Zero, now)
	if _, err := r.exch.PlaceOrder(ctx, placeReq(tp)); err != nil {
		r.haltForReconciliationLocked(ctx, fmt.Sprintf("tp leg submission failed: %v", err), now)
		return fmt.Errorf("tp leg: %w", err)
	}
	tp.Status = exchange.OrderStatusOpen

	pos.SLOrderID = sl.InternalID
	pos.TPOrderID = tp.InternalID
	r.positions[pos.ID] = pos

	// Account the entry fees against realized equity
	for _, f := range r.fillsOf(ctx, entry.InternalID) {
		r.realizedEquity = r.realizedEquity.Sub(f.Fee)
	}

	if _, err := r.signals.MarkExecuted(ctx, sig.Portfolio, sig.Symbol, "campaign_open", now); err != nil {
		r.log.Warn().Err(err).Msg("Signal already released")
	}

	r.log.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("qty", qty.String()).
		Str("entry", entryPrice.String()).
		Str("sl", pos.StopLoss.String()).
		Str("tp", pos.TakeProfit.String()).
		Msg("Position opened with OCO bracket")

	if r.audit != nil {
		r.audit.Audit(ctx, "position_opened", pos)
	}
	if r.store != nil {
		if err := r.store.SavePosition(ctx, pos); err != nil {
			r.log.Error().Err(err).Msg("Failed to persist position")
		}
	}
	return nil
}

func (r *Robot) newOrderLocked(positionID, ocoGroup, symbol string, side exchange.OrderSide, typ exchange.OrderType, qty, price, stop decimal.Decimal, now time.Time) *OrderRecord {
	o := &OrderRecord{
		InternalID: uuid.New().String(),
		CampaignID: r.campaign.ID,
		PositionID: positionID,
		OCOGroupID: ocoGroup,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		Price:      price,
		StopPrice:  stop,
		Status:     exchange.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.orders[o.InternalID] = o
	if r.audit != nil {
		r.audit.Audit(context.Background(), "order_created", o)
	}
	return o
}

func placeReq(o *OrderRecord) exchange.PlaceOrderRequest {
	return exchange.PlaceOrderRequest{
		InternalID: o.InternalID,
		OCOGroupID: o.OCOGroupID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Quantity:   o.Quantity,
		Price:      o.Price,
		StopPrice:  o.StopPrice,
	}
}

// reconcileOrdersLocked queries resting legs and drives exits. A filled
// or partially filled leg moves the position to closing, then the
// sibling leg is cancelled with bounded retries.
func (r *Robot) reconcileOrdersLocked(ctx context.Context, now time.Time) {
	for _, pos := range r.positions {
		if pos.State == PositionClosed {
			continue
		}

		slOrder, slErr := r.exch.GetOrder(ctx, pos.SLOrderID)
		tpOrder, tpErr := r.exch.GetOrder(ctx, pos.TPOrderID)
		if slErr != nil || tpErr != nil {
			// Reconciled by a query on the next tick
			continue
		}

		// A partial fill already commits the exit
		switch {
		case slOrder.Status == exchange.OrderStatusFilled || slOrder.Status == exchange.OrderStatusPartiallyFilled:
			r.handleExitLocked(ctx, pos, slOrder, pos.TPOrderID, CloseReasonSLHit, now)
		case tpOrder.Status == exchange.OrderStatusFilled || tpOrder.Status == exchange.OrderStatusPartiallyFilled:
			r.handleExitLocked(ctx, pos, tpOrder, pos.SLOrderID, CloseReasonTPHit, now)
		}
	}
}

func (r *Robot) handleExitLocked(ctx context.Context, pos *Position, filledLeg *exchange.Order, siblingID, closeReason string, now time.Time) {
	pos.State = PositionClosing

	// Cancel the surviving leg with bounded retries
	cancelled := false
	for attempt := 1; attempt <= ocoCancelRetries; attempt++ {
		sibling, err := r.exch.CancelOrder(ctx, siblingID)
		if err == nil {
			cancelled = true
			if rec := r.orders[siblingID]; rec != nil {
				rec.Status = sibling.Status
				rec.CancelReason = "oco_sibling_filled"
				rec.UpdatedAt = now
			}
			break
		}
		// Sibling may already be terminal (e.g. exchange auto-cancel)
		if o, qerr := r.exch.GetOrder(ctx, siblingID); qerr == nil && o.Status.Terminal() {
			cancelled = o.Status != exchange.OrderStatusFilled
			break
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Str("order_id", siblingID).Msg("OCO sibling cancel failed")
	}

	if !cancelled {
		r.risk.ManualReconcile = true
		r.log.Error().
			Str("position_id", pos.ID).
			Str("sibling_order_id", siblingID).
			Msg("OCO sibling cancel exhausted retries, manual reconciliation required")
		if r.audit != nil {
			r.audit.Audit(ctx, "manual_reconciliation_required", map[string]string{
				"campaign_id": pos.CampaignID,
				"position_id": pos.ID,
				"order_id":    siblingID,
			})
		}
		// Position stays closing until reconciled
		return
	}

	r.closePositionLocked(ctx, pos, filledLeg.AvgFillPrice, r.fillsOf(ctx, filledLeg.InternalID), closeReason, now)
}

// closePositionLocked books the realized result and notifies breakers
func (r *Robot) closePositionLocked(ctx context.Context, pos *Position, exitPrice decimal.Decimal, fills []exchange.Fill, closeReason string, now time.Time) {
	if exitPrice.IsZero() {
		switch closeReason {
		case CloseReasonSLHit:
			exitPrice = pos.StopLoss
		case CloseReasonTPHit:
			exitPrice = pos.TakeProfit
		default:
			if l1, _, ok := r.market.GetL1(pos.Symbol); ok {
				exitPrice = l1.BidPrice.Add(l1.AskPrice).Div(decimal.NewFromInt(2))
			} else {
				exitPrice = pos.EntryPrice
			}
		}
	}

	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == signal.SideShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(pos.Quantity)
	var fees decimal.Decimal
	for _, f := range fills {
		fees = fees.Add(f.Fee)
	}
	pnl = pnl.Sub(fees)

	pos.State = PositionClosed
	pos.CloseReason = closeReason
	pos.ExitPrice = exitPrice
	pos.RealizedPnL = pnl
	closedAt := now
	pos.ClosedAt = &closedAt

	r.realizedEquity = r.realizedEquity.Add(pnl)
	r.risk.ApplyRealized(pos.Symbol, pnl, pos.RiskAmount, now)

	cluster := r.campaign.Selection.ClusterBySym[pos.Symbol]
	r.breakers.RecordTrade(ctx, r.campaign.Portfolio, pos.Symbol, pnl, cluster)

	r.log.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("close_reason", closeReason).
		Str("exit", exitPrice.String()).
		Str("realized_pnl", pnl.String()).
		Msg("Position closed")

	if r.audit != nil {
		r.audit.Audit(ctx, "position_closed", pos)
	}
	if r.store != nil {
		if err := r.store.SavePosition(ctx, pos); err != nil {
			r.log.Error().Err(err).Msg("Failed to persist closed position")
		}
	}
}

// CloseAll closes every open position at market with the given reason.
// Used by drawdown stop, rebalance exits and operator stop.
func (r *Robot) CloseAll(ctx context.Context, closeReason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeAllLocked(ctx, closeReason, now)
}

func (r *Robot) closeAllLocked(ctx context.Context, closeReason string, now time.Time) {
	for _, pos := range r.positions {
		if pos.State != PositionOpen {
			continue
		}
		r.closeAtMarketLocked(ctx, pos, closeReason, now)
	}
}

// CloseSymbol queues exits for positions on symbols leaving the
// tradable set.
func (r *Robot) CloseSymbol(ctx context.Context, symbol, closeReason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pos := range r.positions {
		if pos.Symbol == symbol && pos.State == PositionOpen {
			r.closeAtMarketLocked(ctx, pos, closeReason, now)
		}
	}
}

func (r *Robot) closeAtMarketLocked(ctx context.Context, pos *Position, closeReason string, now time.Time) {
	exitSide := exchange.OrderSideSell
	if pos.Side == signal.SideShort {
		exitSide = exchange.OrderSideBuy
	}

	// Cancel both resting legs first; failures flag reconciliation
	for _, legID := range []string{pos.SLOrderID, pos.TPOrderID} {
		if legID == "" {
			continue
		}
		if _, err := r.exch.CancelOrder(ctx, legID); err != nil {
			if o, qerr := r.exch.GetOrder(ctx, legID); qerr != nil || !o.Status.Terminal() {
				r.risk.ManualReconcile = true
				r.log.Error().Err(err).Str("order_id", legID).Msg("Leg cancel failed during market close")
			}
		}
	}

	exit := r.newOrderLocked(pos.ID, "", pos.Symbol, exitSide, exchange.OrderTypeMarket, pos.Quantity, decimal.Zero, decimal.Zero, now)
	resp, err := r.exch.PlaceOrder(ctx, placeReq(exit))
	if err != nil || resp.Status == exchange.OrderStatusRejected {
		pos.State = PositionClosing
		r.risk.ManualReconcile = true
		r.log.Error().Err(err).Str("position_id", pos.ID).Msg("Market close failed, manual reconciliation required")
		if r.audit != nil {
			r.audit.Audit(ctx, "manual_reconciliation_required", map[string]string{
				"campaign_id": pos.CampaignID,
				"position_id": pos.ID,
			})
		}
		return
	}
	exit.Status = resp.Status

	var exitPrice decimal.Decimal
	if o, qerr := r.exch.GetOrder(ctx, exit.InternalID); qerr == nil {
		exitPrice = o.AvgFillPrice
	}
	r.closePositionLocked(ctx, pos, exitPrice, r.fillsOf(ctx, exit.InternalID), closeReason, now)
}

// markToMarketLocked recomputes equity from realized plus unrealized
func (r *Robot) markToMarketLocked(ctx context.Context, now time.Time) {
	var unrealized decimal.Decimal
	for _, pos := range r.positions {
		if pos.State == PositionClosed {
			continue
		}
		if l1, _, ok := r.market.GetL1(pos.Symbol); ok {
			mid := l1.BidPrice.Add(l1.AskPrice).Div(decimal.NewFromInt(2))
			unrealized = unrealized.Add(pos.UnrealizedPnL(mid))
		}
	}
	if err := r.risk.MarkToMarket(r.realizedEquity, unrealized, now); err != nil {
		r.haltForReconciliationLocked(ctx, err.Error(), now)
		return
	}
	eq, _ := r.risk.CurrentEquity.Float64()
	dd, _ := r.risk.CurrentDDPct.Float64()
	metrics.UpdateCampaignRisk(r.campaign.ID, eq, dd)
}

// stopCampaignLocked executes the drawdown kill-switch
func (r *Robot) stopCampaignLocked(ctx context.Context, now time.Time, reason string) {
	r.log.Warn().
		Str("dd_pct", r.risk.CurrentDDPct.String()).
		Str("reason", reason).
		Msg("Campaign stopped by kill-switch")

	r.closeAllLocked(ctx, CloseReasonBreaker, now)
	r.campaign.Status = StatusStopped
	r.campaign.UpdatedAt = now

	if r.audit != nil {
		r.audit.Audit(ctx, "campaign_stopped", map[string]string{
			"campaign_id": r.campaign.ID,
			"reason":      reason,
			"dd_pct":      r.risk.CurrentDDPct.String(),
		})
	}
	r.persistLocked(ctx)
}

// haltForReconciliationLocked handles fatal invariant violations: the
// campaign halts, others keep running.
func (r *Robot) haltForReconciliationLocked(ctx context.Context, detail string, now time.Time) {
	r.risk.ManualReconcile = true
	r.campaign.Status = StatusPaused
	r.campaign.UpdatedAt = now
	r.log.Error().Str("detail", detail).Msg("Fatal invariant violation, campaign halted")
	if r.audit != nil {
		r.audit.Audit(ctx, "manual_reconciliation_required", map[string]string{
			"campaign_id": r.campaign.ID,
			"detail":      detail,
		})
	}
	r.persistLocked(ctx)
}

func (r *Robot) openPositionsOnLocked(symbol string) []*Position {
	var out []*Position
	for _, p := range r.positions {
		if p.Symbol == symbol && p.State == PositionOpen {
			out = append(out, p)
		}
	}
	return out
}

func (r *Robot) openPositionCountLocked() int {
	n := 0
	for _, p := range r.positions {
		if p.State != PositionClosed {
			n++
		}
	}
	return n
}

func (r *Robot) fillsOf(ctx context.Context, internalID string) []exchange.Fill {
	fills, err := r.exch.GetOrderFills(ctx, internalID)
	if err != nil {
		r.log.Warn().Err(err).Str("order_id", internalID).Msg("Fill query failed")
		return nil
	}
	return fills
}

func (r *Robot) persistLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRiskState(ctx, r.risk); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist risk state")
	}
	if err := r.store.SaveCampaign(ctx, r.campaign); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist campaign")
	}
	for _, o := range r.orders {
		if err := r.store.SaveOrder(ctx, o); err != nil {
			r.log.Error().Err(err).Msg("Failed to persist order")
		}
	}
}
