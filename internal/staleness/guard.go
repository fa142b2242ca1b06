// Package staleness classifies per-symbol market data freshness and
// drives the trading side effects of degraded feeds: WARN blocks new
// opens, HARD zeros signals, KILL pauses global trading, QUARANTINE
// removes a chronically dead symbol from the kill aggregation so a few
// bad feeds cannot halt the whole engine.
package staleness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/metrics"
)

// Level is the freshness classification of one (symbol, feed)
type Level int

const (
	Fresh Level = iota
	Warn
	Hard
	Kill
	Quarantine
)

// String renders the level for logs and persisted events
func (l Level) String() string {
	switch l {
	case Fresh:
		return "FRESH"
	case Warn:
		return "WARN"
	case Hard:
		return "HARD"
	case Kill:
		return "KILL"
	case Quarantine:
		return "QUARANTINE"
	}
	return "UNKNOWN"
}

// Thresholds holds the classification ladder. Elapsed time at or above
// a threshold classifies at that level.
type Thresholds struct {
	Warn       time.Duration
	Hard       time.Duration
	Kill       time.Duration
	Quarantine time.Duration
}

// DefaultThresholds returns the production ladder: 4/12/60/300 seconds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warn:       4 * time.Second,
		Hard:       12 * time.Second,
		Kill:       60 * time.Second,
		Quarantine: 300 * time.Second,
	}
}

// classify maps elapsed time since last update onto a level
func (t Thresholds) classify(elapsed time.Duration) Level {
	switch {
	case elapsed >= t.Quarantine:
		return Quarantine
	case elapsed >= t.Kill:
		return Kill
	case elapsed >= t.Hard:
		return Hard
	case elapsed >= t.Warn:
		return Warn
	default:
		return Fresh
	}
}

// State is the published freshness view of one (symbol, feed)
type State struct {
	Exchange     string                  `json:"exchange"`
	Symbol       string                  `json:"symbol"`
	Feed         marketdata.FeedType     `json:"feed"`
	LastUpdate   time.Time               `json:"last_update_ts"`
	SecondsSince float64                 `json:"seconds_since_update"`
	Level        Level                   `json:"-"`
	LevelName    string                  `json:"level"`
}

// Event is one append-only staleness log record
type Event struct {
	Exchange         string              `json:"exchange"`
	Symbol           string              `json:"symbol,omitempty"`
	Feed             marketdata.FeedType `json:"feed,omitempty"`
	StalenessSeconds float64             `json:"staleness_seconds"`
	Severity         string              `json:"severity"`
	ActionTaken      string              `json:"action_taken"`
	Timestamp        time.Time           `json:"ts"`
}

// EventSink receives staleness events; implemented by the audit trail
type EventSink interface {
	StalenessEvent(ctx context.Context, ev Event)
}

// Source provides last-update timestamps; implemented by the pipeline
type Source interface {
	LastUpdate(symbol string, feed marketdata.FeedType) (time.Time, bool)
	ActiveSymbols() []string
}

// Refresher triggers a per-symbol REST refresh; implemented by the pipeline
type Refresher func(ctx context.Context, symbol string)

type entry struct {
	level       Level
	lastUpdate  time.Time
	quarantined bool
}

// trackedFeeds are the feeds evaluated per symbol on every cycle
var trackedFeeds = []marketdata.FeedType{
	marketdata.FeedTick,
	marketdata.FeedL1,
	marketdata.FeedL2,
}

// Guard evaluates freshness for every tracked (symbol, feed) at 1 Hz
// and exposes the gates the other engines consult before trading.
type Guard struct {
	exchange   string
	thresholds Thresholds
	source     Source
	refresher  Refresher
	sink       EventSink
	refreshGap time.Duration
	logger     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry // keyed by symbol|feed
	// refresh throttles the REST callback per symbol, across feeds
	refresh map[string]*rate.Limiter
}

// NewGuard creates a staleness guard. sink and refresher may be nil.
func NewGuard(exchange string, th Thresholds, source Source, refresher Refresher, sink EventSink, refreshGap time.Duration) *Guard {
	if refreshGap <= 0 {
		refreshGap = 10 * time.Second
	}
	return &Guard{
		exchange:   exchange,
		thresholds: th,
		source:     source,
		refresher:  refresher,
		sink:       sink,
		refreshGap: refreshGap,
		logger:     log.With().Str("component", "staleness").Logger(),
		entries:    make(map[string]*entry),
		refresh:    make(map[string]*rate.Limiter),
	}
}

// Run evaluates all symbols once per second until ctx is cancelled
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			g.EvaluateAll(ctx, now)
		}
	}
}

// EvaluateAll recomputes freshness for every (symbol, feed) the source
// has timestamps for. Exposed for tests and for the daily-reset
// recompute.
func (g *Guard) EvaluateAll(ctx context.Context, now time.Time) {
	for _, symbol := range g.source.ActiveSymbols() {
		for _, feed := range trackedFeeds {
			g.evaluate(ctx, symbol, feed, now)
		}
	}
}

func (g *Guard) key(symbol string, feed marketdata.FeedType) string {
	return symbol + "|" + string(feed)
}

func (g *Guard) evaluate(ctx context.Context, symbol string, feed marketdata.FeedType, now time.Time) {
	last, ok := g.source.LastUpdate(symbol, feed)
	if !ok {
		return
	}

	g.mu.Lock()
	e, exists := g.entries[g.key(symbol, feed)]
	if !exists {
		e = &entry{level: Fresh}
		g.entries[g.key(symbol, feed)] = e
	}
	lim, ok := g.refresh[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.refreshGap), 1)
		g.refresh[symbol] = lim
	}
	prev := e.level
	wasQuarantined := e.quarantined

	elapsed := now.Sub(last)
	var next Level
	if wasQuarantined {
		if elapsed < g.thresholds.Warn {
			// Single fresh tick exits quarantine atomically: counters
			// reset and the symbol rejoins the kill aggregation.
			next = Fresh
			e.quarantined = false
		} else {
			next = Quarantine
		}
	} else {
		next = g.thresholds.classify(elapsed)
		if next == Quarantine {
			e.quarantined = true
		}
	}
	e.level = next
	e.lastUpdate = last
	needRefresh := next >= Warn && next < Quarantine && lim.Allow()
	g.mu.Unlock()

	if next != prev {
		g.onTransition(ctx, symbol, feed, prev, next, elapsed, wasQuarantined)
	}
	metrics.SetStalenessLevel(symbol, string(feed), int(next))

	if needRefresh && g.refresher != nil {
		g.refresher(ctx, symbol)
	}
}

func (g *Guard) onTransition(ctx context.Context, symbol string, feed marketdata.FeedType, prev, next Level, elapsed time.Duration, wasQuarantined bool) {
	action := actionFor(next)
	if wasQuarantined && next == Fresh {
		action = "quarantine_exit"
	}

	evt := g.logger.Info()
	if next >= Hard {
		evt = g.logger.Warn()
	}
	evt.
		Str("symbol", symbol).
		Str("feed", string(feed)).
		Str("from", prev.String()).
		Str("to", next.String()).
		Float64("staleness_seconds", elapsed.Seconds()).
		Str("action", action).
		Msg("Staleness level changed")

	if g.sink != nil {
		g.sink.StalenessEvent(ctx, Event{
			Exchange:         g.exchange,
			Symbol:           symbol,
			Feed:             feed,
			StalenessSeconds: elapsed.Seconds(),
			Severity:         next.String(),
			ActionTaken:      action,
			Timestamp:        time.Now().UTC(),
		})
	}
}

func actionFor(l Level) string {
	switch l {
	case Fresh:
		return "resumed"
	case Warn:
		return "opens_blocked"
	case Hard:
		return "signals_zeroed"
	case Kill:
		return "global_pause"
	case Quarantine:
		return "quarantined"
	}
	return ""
}

// LevelFor returns the worst level across the symbol's tracked feeds.
// Unknown symbols report FRESH: the guard only gates symbols it has
// seen data timestamps for.
func (g *Guard) LevelFor(symbol string) Level {
	g.mu.RLock()
	defer g.mu.RUnlock()
	worst := Fresh
	for _, feed := range trackedFeeds {
		if e, ok := g.entries[g.key(symbol, feed)]; ok && e.level > worst {
			worst = e.level
		}
	}
	return worst
}

// IsQuarantined reports whether the symbol's tick feed is quarantined;
// the tick feed drives the kill aggregation and the REST fallback.
func (g *Guard) IsQuarantined(symbol string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.entries[g.key(symbol, marketdata.FeedTick)]; ok {
		return e.quarantined
	}
	return false
}

// CanOpen reports whether new positions may be opened on the symbol.
// Anything at or above WARN blocks opens.
func (g *Guard) CanOpen(symbol string) (bool, string) {
	switch l := g.LevelFor(symbol); {
	case l == Fresh:
		return true, ""
	default:
		return false, "staleness_" + l.String()
	}
}

// SignalsZeroed reports whether signals for the symbol must be dropped
func (g *Guard) SignalsZeroed(symbol string) bool {
	return g.LevelFor(symbol) >= Hard
}

// GlobalPaused reports whether any non-quarantined symbol has reached
// KILL, which pauses trading engine-wide.
func (g *Guard) GlobalPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.entries {
		if e.level == Kill && !e.quarantined {
			return true
		}
	}
	return false
}

// States returns a snapshot of all tracked states, for diagnostics
func (g *Guard) States(now time.Time) []State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]State, 0, len(g.entries))
	for key, e := range g.entries {
		symbol, feed := splitKey(key)
		out = append(out, State{
			Exchange:     g.exchange,
			Symbol:       symbol,
			Feed:         marketdata.FeedType(feed),
			LastUpdate:   e.lastUpdate,
			SecondsSince: now.Sub(e.lastUpdate).Seconds(),
			Level:        e.level,
			LevelName:    e.level.String(),
		})
	}
	return out
}

func splitKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
