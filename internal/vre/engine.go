package vre

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/tradecore/internal/metrics"
)

// DecisionSink receives committed regime changes; implemented by the
// audit trail and the VRE decision log repository.
type DecisionSink interface {
	RegimeChange(ctx context.Context, d Decision, from Regime)
}

// StatePublisher pushes per-symbol regime state to the KV cache
type StatePublisher interface {
	SetVREState(ctx context.Context, symbol string, state any)
}

// Engine evaluates the volatility regime per symbol. Evaluation itself
// is pure: the same close series and params always yield the same
// decision sequence and decision hashes. The engine only adds the
// per-symbol state machines and the spike/whipsaw guards around it.
type Engine struct {
	params Params
	sink   DecisionSink
	pub    StatePublisher
	logger zerolog.Logger

	mu       sync.Mutex
	contexts map[string]*Context
	spikes   map[string]time.Time   // symbol -> last |z|>spike time
	losses   map[string][]time.Time // symbol -> realized loss times
	whipsaw  map[string]time.Time   // symbol -> block expiry
}

// NewEngine creates a regime engine. sink and pub may be nil.
func NewEngine(params Params, sink DecisionSink, pub StatePublisher) *Engine {
	return &Engine{
		params:   params,
		sink:     sink,
		pub:      pub,
		logger:   log.With().Str("component", "vre").Logger(),
		contexts: make(map[string]*Context),
		spikes:   make(map[string]time.Time),
		losses:   make(map[string][]time.Time),
		whipsaw:  make(map[string]time.Time),
	}
}

// LogReturns computes ln(close[i]/close[i-1]) skipping non-positive inputs
func LogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i] > 0 && closes[i-1] > 0 {
			out = append(out, math.Log(closes[i]/closes[i-1]))
		}
	}
	return out
}

// realizedVol is sqrt(sum(r^2)/window) over the last window returns
func realizedVol(returns []float64, window int) float64 {
	if len(returns) < window || window <= 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns[len(returns)-window:] {
		sum += r * r
	}
	return math.Sqrt(sum / float64(window))
}

// Classification is the pure statistical result before hysteresis
type Classification struct {
	Raw     Regime
	Method  Method
	Z       float64
	RVShort float64
	RVLong  float64
	RVRatio float64
	Confidence float64
	Spike   bool
	// Defaulted marks a series too short for the long window
	Defaulted bool
}

// Classify computes the raw regime for a close series. With fewer than
// LongWindow+1 closes it returns the default NORMAL at confidence 0.5.
func (e *Engine) Classify(closes []float64) Classification {
	p := e.params
	if len(closes) < p.LongWindow+1 {
		return Classification{
			Raw:        Normal,
			Method:     MethodZScore,
			Confidence: 0.5,
			Defaulted:  true,
		}
	}

	returns := LogReturns(closes)
	if len(returns) < p.LongWindow {
		return Classification{Raw: Normal, Method: MethodZScore, Confidence: 0.5, Defaulted: true}
	}

	rvShort := realizedVol(returns, p.ShortWindow)
	rvLong := realizedVol(returns, p.LongWindow)

	// Rolling rv_short series across the long window
	tail := returns[len(returns)-p.LongWindow:]
	n := p.LongWindow - p.ShortWindow + 1
	series := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		series = append(series, realizedVol(tail[:i+p.ShortWindow], p.ShortWindow))
	}

	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(len(series))
	variance := 0.0
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(series) - 1)
	sigma := math.Sqrt(variance)

	c := Classification{RVShort: rvShort, RVLong: rvLong}
	if rvLong > 0 {
		c.RVRatio = rvShort / rvLong
	}

	if sigma > 1e-4 {
		c.Method = MethodZScore
		c.Z = (rvShort - mean) / sigma
		c.Raw = e.classifyZ(c.Z)
		c.Confidence = math.Min(1, math.Abs(c.Z)/2)
		c.Spike = math.Abs(c.Z) > p.SpikeZ
	} else {
		c.Method = MethodRVRatio
		c.Raw = e.classifyRatio(c.RVRatio)
		c.Confidence = math.Min(1, math.Abs(c.RVRatio-1))
	}
	return c
}

func (e *Engine) classifyZ(z float64) Regime {
	p := e.params
	switch {
	case z < p.EntryLowNormal:
		return Low
	case z < p.EntryNormalHigh:
		return Normal
	case z < p.EntryHighExtreme:
		return High
	default:
		return Extreme
	}
}

func (e *Engine) classifyRatio(ratio float64) Regime {
	p := e.params
	switch {
	case ratio < p.RatioLow:
		return Low
	case ratio < p.RatioHigh:
		return Normal
	case ratio < p.RatioExtreme:
		return High
	default:
		return Extreme
	}
}

// Evaluate runs one classification cycle for the symbol and advances
// its hysteresis state machine.
func (e *Engine) Evaluate(ctx context.Context, symbol string, closes []float64, now time.Time) Decision {
	c := e.Classify(closes)

	e.mu.Lock()
	sctx, ok := e.contexts[symbol]
	if !ok {
		sctx = &Context{Symbol: symbol, CurrentRegime: Normal}
		e.contexts[symbol] = sctx
	}

	d := Decision{
		Symbol:     symbol,
		Raw:        c.Raw,
		Method:     c.Method,
		Z:          c.Z,
		RVShort:    c.RVShort,
		RVLong:     c.RVLong,
		RVRatio:    c.RVRatio,
		Confidence: c.Confidence,
		Spike:      c.Spike,
		Timestamp:  now,
	}

	if c.Spike {
		e.spikes[symbol] = now
	}

	from := sctx.CurrentRegime
	e.advance(sctx, &d, c)
	d.Regime = sctx.CurrentRegime
	d.RegimeName = d.Regime.String()
	sctx.Current = sctx.CurrentRegime.String()
	sctx.Pending = sctx.PendingRegime.String()
	snapshot := *sctx
	e.mu.Unlock()

	metrics.SetVRERegime(symbol, int(d.Regime))

	if d.Changed {
		e.logger.Info().
			Str("symbol", symbol).
			Str("from", from.String()).
			Str("to", d.Regime.String()).
			Str("method", string(d.Method)).
			Float64("z", d.Z).
			Float64("confidence", d.Confidence).
			Str("hash", d.Hash).
			Msg("Volatility regime changed")
		if e.sink != nil {
			e.sink.RegimeChange(ctx, d, from)
		}
	}
	if e.pub != nil {
		e.pub.SetVREState(ctx, symbol, snapshot)
	}
	return d
}

// advance applies cooldown, adjacency, hysteresis and confirmation
// rules. Caller holds the lock.
func (e *Engine) advance(sctx *Context, d *Decision, c Classification) {
	p := e.params

	if sctx.CooldownRemaining > 0 {
		sctx.CooldownRemaining--
		sctx.CyclesInRegime++
		d.BlockedByCooldown = true
		return
	}

	raw := c.Raw
	cur := sctx.CurrentRegime

	if raw == cur {
		sctx.hasPending = false
		sctx.Confirmations = 0
		sctx.CyclesInRegime++
		return
	}

	// Non-adjacent jumps are rejected outright
	if !adjacent(raw, cur) {
		sctx.hasPending = false
		sctx.Confirmations = 0
		sctx.CyclesInRegime++
		return
	}

	// Downward transitions must clear the hysteresis exit threshold
	if c.Method == MethodZScore && raw < cur {
		var exit float64
		switch cur {
		case Extreme:
			exit = p.ExitExtremeHigh
		case High:
			exit = p.ExitHighNormal
		case Normal:
			exit = p.ExitNormalLow
		}
		if c.Z > exit {
			d.BlockedByHysteresis = true
			sctx.CyclesInRegime++
			return
		}
	}

	if sctx.hasPending && sctx.PendingRegime == raw {
		sctx.Confirmations++
	} else {
		sctx.PendingRegime = raw
		sctx.hasPending = true
		sctx.Confirmations = 1
	}

	if sctx.Confirmations >= p.Confirmations {
		sctx.CurrentRegime = raw
		sctx.hasPending = false
		sctx.Confirmations = 0
		sctx.CooldownRemaining = p.CooldownCycles
		sctx.CyclesInRegime = 0
		sctx.LastRegimeChange = d.Timestamp
		d.Changed = true
		d.Hash = decisionHash(sctx.Symbol, raw, d.Z, d.RVRatio, d.Timestamp)
		return
	}
	sctx.CyclesInRegime++
}

// CurrentRegime returns the committed regime for a symbol; symbols the
// engine has never evaluated report NORMAL.
func (e *Engine) CurrentRegime(symbol string) Regime {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sctx, ok := e.contexts[symbol]; ok {
		return sctx.CurrentRegime
	}
	return Normal
}

// BlocksPyramiding reports whether a recent extreme z spike still
// blocks add-ons for the symbol.
func (e *Engine) BlocksPyramiding(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.spikes[symbol]
	return ok && now.Sub(at) < e.params.SpikeBlock
}

// RecordLoss feeds the whipsaw guard with a realized loss on symbol
func (e *Engine) RecordLoss(symbol string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.losses[symbol][:0]
	for _, t := range e.losses[symbol] {
		if now.Sub(t) < e.params.WhipsawWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.losses[symbol] = kept

	if len(kept) >= e.params.WhipsawLosses {
		e.whipsaw[symbol] = now.Add(e.params.WhipsawBlock)
		e.logger.Warn().
			Str("symbol", symbol).
			Int("losses", len(kept)).
			Time("blocked_until", e.whipsaw[symbol]).
			Msg("Whipsaw guard engaged, new opens blocked")
	}
}

// WhipsawBlocked reports whether repeated losses currently block opens
func (e *Engine) WhipsawBlocked(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.whipsaw[symbol]
	return ok && now.Before(until)
}
