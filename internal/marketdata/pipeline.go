package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/tradecore/internal/metrics"
)

// Event is one message from the exchange stream
type Event struct {
	Type     FeedType
	Exchange string
	Symbol   string
	Tick     *Tick
	L1       *L1Quote
	L2       *L2Book
	// SubError reports a per-symbol subscription rejection
	SubError error
}

// Feed delivers market events; implemented by the exchange WebSocket
// client and by the paper-mode simulator.
type Feed interface {
	Events() <-chan Event
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
}

// Snapshotter fetches REST snapshots when the stream goes quiet
type Snapshotter interface {
	FetchTicker(ctx context.Context, symbol string) (L1Quote, *Tick, error)
}

// BarWriter persists durable bars; writes are batched by the pipeline
type BarWriter interface {
	WriteBars(ctx context.Context, bars []Bar) error
}

// PipelineConfig carries pipeline tuning knobs
type PipelineConfig struct {
	Exchange            string
	SubscribeRetryCap   int
	GlobalFallbackAfter time.Duration
	RESTRefreshInterval time.Duration
	TickRingSize        int
	BarRingSize         int
	FlushInterval       time.Duration
}

// DefaultPipelineConfig returns production settings
func DefaultPipelineConfig(exchange string) PipelineConfig {
	return PipelineConfig{
		Exchange:            exchange,
		SubscribeRetryCap:   5,
		GlobalFallbackAfter: 60 * time.Second,
		RESTRefreshInterval: 5 * time.Second,
		TickRingSize:        1024,
		BarRingSize:         1024,
		FlushInterval:       2 * time.Second,
	}
}

// symbolState is the per-symbol view held by the pipeline
type symbolState struct {
	lastTickTS  time.Time
	lastL1      *L1Quote
	lastL1At    time.Time
	lastL2      *L2Book
	lastL2At    time.Time
	ticks       []Tick // ring, newest at end
	bars        map[string][]Bar
	agg         *Aggregator
	subErrors   int
	unsupported bool
}

// Pipeline maintains the near-realtime market view: it validates and
// fans in stream events, aggregates ticks into 1s/1m/1h bars, keeps
// recent history in memory and in the Redis cache, and falls back to
// REST polling when the whole stream goes quiet.
type Pipeline struct {
	cfg   PipelineConfig
	feed  Feed
	snap  Snapshotter
	cache *Cache
	barDB BarWriter
	logger zerolog.Logger

	mu       sync.RWMutex
	symbols  map[string]*symbolState
	barSubs  []func(Bar)
	lastTick time.Time // across all non-quarantined symbols
	fallback bool

	pendMu  sync.Mutex
	pending []Bar // durable bars awaiting batch write

	quarantined func(symbol string) bool
}

// NewPipeline wires the pipeline. snap and barDB may be nil in tests;
// cache may be a no-op cache.
func NewPipeline(cfg PipelineConfig, feed Feed, snap Snapshotter, cache *Cache, barDB BarWriter) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		feed:    feed,
		snap:    snap,
		cache:   cache,
		barDB:   barDB,
		logger:  log.With().Str("component", "marketdata").Logger(),
		symbols: make(map[string]*symbolState),
	}
}

// SetQuarantineCheck installs the staleness guard's quarantine lookup,
// used to exclude quarantined symbols from the global fallback trigger.
func (p *Pipeline) SetQuarantineCheck(fn func(symbol string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quarantined = fn
}

// SubscribeBars registers a callback invoked for every closed bar.
// Must be called before Run.
func (p *Pipeline) SubscribeBars(fn func(Bar)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.barSubs = append(p.barSubs, fn)
}

// Subscribe is idempotent: already-tracked symbols are skipped, and
// symbols marked unsupported are refused until operator intervention.
func (p *Pipeline) Subscribe(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	var fresh []string
	for _, s := range symbols {
		st, ok := p.symbols[s]
		if ok && (st.unsupported || st.agg != nil) {
			continue
		}
		if !ok {
			st = &symbolState{bars: make(map[string][]Bar)}
			p.symbols[s] = st
		}
		st.agg = NewAggregator(s, []BarPeriod{Period1s, Period1m, Period1h}, p.onBarClosed)
		fresh = append(fresh, s)
	}
	p.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := p.feed.Subscribe(ctx, fresh); err != nil {
		return err
	}
	p.logger.Info().Strs("symbols", fresh).Msg("Subscribed to market data")
	return nil
}

// Run consumes the feed until ctx is cancelled. It owns the REST
// fallback loop, the bar-expiry ticker and the durable-bar flusher.
func (p *Pipeline) Run(ctx context.Context) error {
	expiry := time.NewTicker(time.Second)
	defer expiry.Stop()
	flush := time.NewTicker(p.cfg.FlushInterval)
	defer flush.Stop()
	fallbackCheck := time.NewTicker(5 * time.Second)
	defer fallbackCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushAll(context.Background())
			return ctx.Err()
		case ev, ok := <-p.feed.Events():
			if !ok {
				p.flushAll(context.Background())
				return nil
			}
			p.handleEvent(ctx, ev)
		case now := <-expiry.C:
			p.closeExpiredBars(now)
		case <-flush.C:
			p.flushPending(ctx)
		case <-fallbackCheck.C:
			p.checkGlobalFallback(ctx)
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, ev Event) {
	switch {
	case ev.SubError != nil:
		p.handleSubError(ctx, ev)
	case ev.Type == FeedTick && ev.Tick != nil:
		p.ingestTick(ctx, *ev.Tick)
	case ev.Type == FeedL1 && ev.L1 != nil:
		p.ingestL1(ctx, ev.Symbol, *ev.L1)
	case ev.Type == FeedL2 && ev.L2 != nil:
		p.ingestL2(ctx, ev.Symbol, *ev.L2)
	}
}

func (p *Pipeline) handleSubError(ctx context.Context, ev Event) {
	p.mu.Lock()
	st, ok := p.symbols[ev.Symbol]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.subErrors++
	over := st.subErrors >= p.cfg.SubscribeRetryCap
	if over {
		st.unsupported = true
		st.agg = nil
	}
	attempts := st.subErrors
	p.mu.Unlock()

	if over {
		p.logger.Error().
			Str("symbol", ev.Symbol).
			Int("attempts", attempts).
			Err(ev.SubError).
			Msg("Symbol marked UNSUPPORTED after repeated subscription failures")
		_ = p.feed.Unsubscribe(ctx, []string{ev.Symbol})
		metrics.RecordUnsupportedSymbol(ev.Symbol)
		return
	}
	p.logger.Warn().
		Str("symbol", ev.Symbol).
		Int("attempt", attempts).
		Err(ev.SubError).
		Msg("Subscription error, will retry")
	_ = p.feed.Subscribe(ctx, []string{ev.Symbol})
}

func (p *Pipeline) ingestTick(ctx context.Context, t Tick) {
	p.mu.Lock()
	st, ok := p.symbols[t.Symbol]
	if !ok || st.unsupported {
		p.mu.Unlock()
		return
	}
	if reason, ok := ValidateTick(t, st.lastTickTS); !ok {
		p.mu.Unlock()
		metrics.RecordDroppedDatum(string(FeedTick), string(reason))
		return
	}
	st.lastTickTS = t.Timestamp
	st.ticks = appendRing(st.ticks, t, p.cfg.TickRingSize)
	agg := st.agg
	p.lastTick = time.Now()
	if p.fallback {
		p.fallback = false
		p.logger.Info().Msg("WebSocket tick flow recovered, REST fallback disengaged")
	}
	p.mu.Unlock()

	if agg != nil {
		agg.ApplyTick(t)
	}
	p.cache.PushTick(ctx, t)
	metrics.RecordTickIngested(t.Exchange, t.Symbol)
}

func (p *Pipeline) ingestL1(ctx context.Context, symbol string, q L1Quote) {
	if reason, ok := ValidateL1(q); !ok {
		metrics.RecordDroppedDatum(string(FeedL1), string(reason))
		return
	}
	p.mu.Lock()
	st, ok := p.symbols[symbol]
	if !ok || st.unsupported {
		p.mu.Unlock()
		return
	}
	st.lastL1 = &q
	st.lastL1At = time.Now()
	p.mu.Unlock()

	p.cache.SetL1(ctx, p.cfg.Exchange, symbol, q)
}

func (p *Pipeline) ingestL2(ctx context.Context, symbol string, b L2Book) {
	p.mu.Lock()
	st, ok := p.symbols[symbol]
	if !ok || st.unsupported {
		p.mu.Unlock()
		return
	}
	st.lastL2 = &b
	st.lastL2At = time.Now()
	p.mu.Unlock()

	p.cache.SetL2(ctx, p.cfg.Exchange, symbol, b)
}

// onBarClosed receives every closed bar from the per-symbol aggregators
func (p *Pipeline) onBarClosed(bar Bar) {
	p.mu.RLock()
	st := p.symbols[bar.Symbol]
	subs := p.barSubs
	p.mu.RUnlock()

	if st != nil {
		p.mu.Lock()
		st.bars[bar.Period] = appendRing(st.bars[bar.Period], bar, p.cfg.BarRingSize)
		p.mu.Unlock()
	}

	metrics.RecordBarClosed(bar.Symbol, bar.Period)

	switch bar.Period {
	case Period1s.String():
		p.cache.PushSecondBar(context.Background(), p.cfg.Exchange, bar)
	default:
		// 1m and 1h bars go to the durable store, coalesced
		p.pendMu.Lock()
		p.pending = append(p.pending, bar)
		p.pendMu.Unlock()
	}

	for _, fn := range subs {
		fn(bar)
	}
}

func (p *Pipeline) closeExpiredBars(now time.Time) {
	p.mu.RLock()
	aggs := make([]*Aggregator, 0, len(p.symbols))
	for _, st := range p.symbols {
		if st.agg != nil {
			aggs = append(aggs, st.agg)
		}
	}
	p.mu.RUnlock()
	for _, a := range aggs {
		a.CloseExpired(now)
	}
}

func (p *Pipeline) flushPending(ctx context.Context) {
	p.pendMu.Lock()
	batch := p.pending
	p.pending = nil
	p.pendMu.Unlock()

	if len(batch) == 0 || p.barDB == nil {
		return
	}
	if err := p.barDB.WriteBars(ctx, batch); err != nil {
		p.logger.Error().Err(err).Int("bars", len(batch)).Msg("Failed to persist bar batch")
		// Put the batch back so the next flush retries it
		p.pendMu.Lock()
		p.pending = append(batch, p.pending...)
		p.pendMu.Unlock()
	}
}

func (p *Pipeline) flushAll(ctx context.Context) {
	p.mu.RLock()
	for _, st := range p.symbols {
		if st.agg != nil {
			st.agg.Flush()
		}
	}
	p.mu.RUnlock()
	p.flushPending(ctx)
}

// checkGlobalFallback engages the REST refresh loop when no tick has
// arrived on any non-quarantined symbol for the configured window.
func (p *Pipeline) checkGlobalFallback(ctx context.Context) {
	p.mu.RLock()
	last := p.lastTick
	engaged := p.fallback
	quarantined := p.quarantined
	var active []string
	for s, st := range p.symbols {
		if st.unsupported {
			continue
		}
		if quarantined != nil && quarantined(s) {
			continue
		}
		active = append(active, s)
	}
	p.mu.RUnlock()

	if len(active) == 0 || p.snap == nil {
		return
	}
	if last.IsZero() || time.Since(last) < p.cfg.GlobalFallbackAfter {
		return
	}
	if !engaged {
		p.mu.Lock()
		p.fallback = true
		p.mu.Unlock()
		p.logger.Warn().
			Dur("quiet_for", time.Since(last)).
			Msg("No ticks across all active symbols, engaging REST fallback")
		metrics.RecordRESTFallback()
	}

	for _, s := range active {
		p.RefreshSymbol(ctx, s)
	}
}

// RefreshSymbol pulls a REST snapshot for one symbol and folds it into
// the pipeline as if it had arrived on the stream. Also used by the
// staleness guard's per-symbol refresh callback.
func (p *Pipeline) RefreshSymbol(ctx context.Context, symbol string) {
	if p.snap == nil {
		return
	}
	q, tick, err := p.snap.FetchTicker(ctx, symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("REST refresh failed")
		return
	}
	p.ingestL1(ctx, symbol, q)
	if tick != nil {
		p.ingestTick(ctx, *tick)
	}
}

// GetL1 returns the latest top-of-book snapshot and its age
func (p *Pipeline) GetL1(symbol string) (L1Quote, time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	if !ok || st.lastL1 == nil {
		return L1Quote{}, 0, false
	}
	return *st.lastL1, time.Since(st.lastL1At), true
}

// GetL2 returns the latest depth snapshot and its age
func (p *Pipeline) GetL2(symbol string) (L2Book, time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	if !ok || st.lastL2 == nil {
		return L2Book{}, 0, false
	}
	return *st.lastL2, time.Since(st.lastL2At), true
}

// GetRecentTicks returns up to n most recent ticks, newest last
func (p *Pipeline) GetRecentTicks(symbol string, n int) []Tick {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return nil
	}
	if n > len(st.ticks) {
		n = len(st.ticks)
	}
	out := make([]Tick, n)
	copy(out, st.ticks[len(st.ticks)-n:])
	return out
}

// GetBars returns up to n most recent closed bars for the period,
// oldest first
func (p *Pipeline) GetBars(symbol string, period BarPeriod, n int) []Bar {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return nil
	}
	bars := st.bars[period.String()]
	if n > len(bars) {
		n = len(bars)
	}
	out := make([]Bar, n)
	copy(out, bars[len(bars)-n:])
	return out
}

// LastUpdate reports the most recent data timestamp for (symbol, feed);
// the staleness guard polls this at 1 Hz.
func (p *Pipeline) LastUpdate(symbol string, feed FeedType) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return time.Time{}, false
	}
	switch feed {
	case FeedTick:
		return st.lastTickTS, !st.lastTickTS.IsZero()
	case FeedL1:
		return st.lastL1At, st.lastL1 != nil
	case FeedL2:
		return st.lastL2At, st.lastL2 != nil
	}
	return time.Time{}, false
}

// ActiveSymbols lists tracked symbols that are not unsupported
func (p *Pipeline) ActiveSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.symbols))
	for s, st := range p.symbols {
		if !st.unsupported {
			out = append(out, s)
		}
	}
	return out
}

// IsUnsupported reports whether the symbol was rejected by the exchange
func (p *Pipeline) IsUnsupported(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	return ok && st.unsupported
}

func appendRing[T any](ring []T, item T, limit int) []T {
	ring = append(ring, item)
	if len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return ring
}
