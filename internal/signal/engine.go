package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/metrics"
)

// Store persists signal records. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveSignal(ctx context.Context, s *Signal) error
	UpdateSignalStatus(ctx context.Context, id string, status Status, reason string) error
}

// Engine evaluates signal configs against bar series and maintains the
// one-pending-per-(portfolio,symbol) invariant.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*Signal

	minTick decimal.Decimal
	store   Store
	log     zerolog.Logger
}

// NewEngine creates a signal engine. store may be nil in paper setups;
// minTick is the smallest |entry-SL| distance that still sizes.
func NewEngine(minTick decimal.Decimal, store Store, log zerolog.Logger) *Engine {
	if minTick.IsZero() {
		minTick = decimal.New(1, -8)
	}
	return &Engine{
		pending: make(map[string]*Signal),
		minTick: minTick,
		store:   store,
		log:     log.With().Str("component", "signal_engine").Logger(),
	}
}

func pendingKey(portfolio, symbol string) string {
	return portfolio + "|" + symbol
}

// Evaluate runs one signal cycle for a config. It returns the pending
// signal when the entry condition holds (creating or collapsing into an
// existing pending), nil when it does not. A side condition that lapsed
// expires the previous pending signal.
func (e *Engine) Evaluate(ctx context.Context, cfg Config, bars []marketdata.Bar, equity decimal.Decimal, breakerState string, now time.Time) (*Signal, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	ind, err := computeIndicators(bars)
	if err != nil {
		return nil, fmt.Errorf("compute indicators for %s: %w", cfg.Symbol, err)
	}

	price := bars[len(bars)-1].Close
	ema12 := decimal.NewFromFloat(ind.EMA12)
	atr := decimal.NewFromFloat(ind.ATR)

	side, ok := entrySide(cfg, price, ema12, atr)

	e.mu.Lock()
	defer e.mu.Unlock()

	key := pendingKey(cfg.Portfolio, cfg.Symbol)
	prev := e.pending[key]

	if !ok {
		if prev != nil {
			e.expireLocked(ctx, key, prev, ReasonConditionLapsed, now)
		}
		return nil, nil
	}

	tp1, tp2, sl := targets(side, price, atr, cfg)
	size := positionSize(equity, cfg.RiskPerTradeBps, price, sl, e.minTick)
	if size.IsZero() {
		if prev != nil {
			e.expireLocked(ctx, key, prev, ReasonInvalidSizing, now)
		}
		metrics.RecordSignalRejected(ReasonInvalidSizing)
		e.log.Warn().
			Str("portfolio", cfg.Portfolio).
			Str("symbol", cfg.Symbol).
			Str("entry", price.String()).
			Str("sl", sl.String()).
			Msg("Signal rejected: SL distance below minimum tick")
		return nil, nil
	}

	if prev != nil && prev.Side != side {
		e.expireLocked(ctx, key, prev, ReasonSuperseded, now)
		prev = nil
	}

	if prev != nil {
		// Duplicate emission collapses to an update; the original
		// config snapshot and creation time are preserved.
		prev.Price = price
		prev.EMA12 = ema12
		prev.EMA36 = decimal.NewFromFloat(ind.EMA36)
		prev.ATR = atr
		prev.TP1, prev.TP2, prev.SL = tp1, tp2, sl
		prev.Size = size
		prev.BreakerState = breakerState
		prev.UpdatedAt = now
		e.persist(ctx, prev)
		return prev, nil
	}

	sig := &Signal{
		ID:             uuid.New().String(),
		Portfolio:      cfg.Portfolio,
		Symbol:         cfg.Symbol,
		Side:           side,
		Price:          price,
		EMA12:          ema12,
		EMA36:          decimal.NewFromFloat(ind.EMA36),
		ATR:            atr,
		TP1:            tp1,
		TP2:            tp2,
		SL:             sl,
		Size:           size,
		ConfigSnapshot: cfg,
		RiskBpsUsed:    cfg.RiskPerTradeBps,
		BreakerState:   breakerState,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.pending[key] = sig
	e.persist(ctx, sig)
	metrics.RecordSignal(cfg.Symbol, string(side))
	e.log.Info().
		Str("signal_id", sig.ID).
		Str("portfolio", cfg.Portfolio).
		Str("symbol", cfg.Symbol).
		Str("side", string(side)).
		Str("entry", price.String()).
		Str("sl", sl.String()).
		Str("tp1", tp1.String()).
		Str("tp2", tp2.String()).
		Str("size", size.String()).
		Msg("Signal generated")
	return sig, nil
}

// entrySide checks the threshold conditions:
// long when (price - EMA12) > long_mult * ATR, short mirrored.
func entrySide(cfg Config, price, ema12, atr decimal.Decimal) (Side, bool) {
	if price.Sub(ema12).GreaterThan(cfg.LongMult.Mul(atr)) {
		return SideLong, true
	}
	if ema12.Sub(price).GreaterThan(cfg.ShortMult.Mul(atr)) {
		return SideShort, true
	}
	return "", false
}

// targets computes the OCO bracket: tp1/tp2 on the profit side of entry,
// sl on the loss side.
func targets(side Side, entry, atr decimal.Decimal, cfg Config) (tp1, tp2, sl decimal.Decimal) {
	if side == SideLong {
		tp1 = entry.Add(cfg.TP1Mult.Mul(atr))
		tp2 = entry.Add(cfg.TP2Mult.Mul(atr))
		sl = entry.Sub(cfg.SLMult.Mul(atr))
		return
	}
	tp1 = entry.Sub(cfg.TP1Mult.Mul(atr))
	tp2 = entry.Sub(cfg.TP2Mult.Mul(atr))
	sl = entry.Add(cfg.SLMult.Mul(atr))
	return
}

// positionSize returns (equity * bps/10000) / |entry - sl|, or zero when
// the stop distance is at or below the minimum tick.
func positionSize(equity decimal.Decimal, bps int64, entry, sl, minTick decimal.Decimal) decimal.Decimal {
	dist := entry.Sub(sl).Abs()
	if dist.LessThanOrEqual(minTick) {
		return decimal.Zero
	}
	risk := equity.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))
	return risk.Div(dist)
}

// Pending returns the live pending signal for a (portfolio, symbol), or
// nil.
func (e *Engine) Pending(portfolio, symbol string) *Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[pendingKey(portfolio, symbol)]
}

// MarkExecuted transitions the pending signal to executed and releases
// the idempotency slot.
func (e *Engine) MarkExecuted(ctx context.Context, portfolio, symbol, reason string, now time.Time) (*Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pendingKey(portfolio, symbol)
	sig := e.pending[key]
	if sig == nil {
		return nil, fmt.Errorf("no pending signal for %s %s", portfolio, symbol)
	}
	delete(e.pending, key)
	sig.Status = StatusExecuted
	sig.ExecutionReason = reason
	sig.UpdatedAt = now
	if e.store != nil {
		if err := e.store.UpdateSignalStatus(ctx, sig.ID, StatusExecuted, reason); err != nil {
			e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist signal execution")
		}
	}
	return sig, nil
}

// Cancel moves the pending signal to cancelled with the given reason.
func (e *Engine) Cancel(ctx context.Context, portfolio, symbol, reason string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pendingKey(portfolio, symbol)
	sig := e.pending[key]
	if sig == nil {
		return
	}
	delete(e.pending, key)
	sig.Status = StatusCancelled
	sig.ExpirationReason = reason
	sig.UpdatedAt = now
	if e.store != nil {
		if err := e.store.UpdateSignalStatus(ctx, sig.ID, StatusCancelled, reason); err != nil {
			e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist signal cancellation")
		}
	}
	e.log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", symbol).
		Str("reason", reason).
		Msg("Signal cancelled")
}

// CancelForStaleness cancels every pending signal on a symbol across all
// portfolios. Invoked when the symbol reaches HARD staleness.
func (e *Engine) CancelForStaleness(ctx context.Context, symbol string, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for key, sig := range e.pending {
		if sig.Symbol != symbol {
			continue
		}
		delete(e.pending, key)
		sig.Status = StatusCancelled
		sig.ExpirationReason = ReasonStaleness
		sig.UpdatedAt = now
		if e.store != nil {
			if err := e.store.UpdateSignalStatus(ctx, sig.ID, StatusCancelled, ReasonStaleness); err != nil {
				e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist staleness cancellation")
			}
		}
		n++
	}
	if n > 0 {
		e.log.Warn().Str("symbol", symbol).Int("cancelled", n).Msg("Pending signals zeroed by staleness")
	}
	return n
}

// ExpireStale expires pending signals whose horizon has elapsed.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for key, sig := range e.pending {
		horizon := sig.ConfigSnapshot.ExpiryHorizon
		if horizon <= 0 {
			continue
		}
		if now.Sub(sig.CreatedAt) >= horizon {
			e.expireLocked(ctx, key, sig, ReasonHorizonElapsed, now)
			n++
		}
	}
	return n
}

func (e *Engine) expireLocked(ctx context.Context, key string, sig *Signal, reason string, now time.Time) {
	delete(e.pending, key)
	sig.Status = StatusExpired
	sig.ExpirationReason = reason
	sig.UpdatedAt = now
	if e.store != nil {
		if err := e.store.UpdateSignalStatus(ctx, sig.ID, StatusExpired, reason); err != nil {
			e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist signal expiry")
		}
	}
	e.log.Debug().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Msg("Signal expired")
}

func (e *Engine) persist(ctx context.Context, sig *Signal) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSignal(ctx, sig); err != nil {
		e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist signal")
	}
}
