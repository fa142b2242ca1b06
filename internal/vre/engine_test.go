package vre

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	p := DefaultParams()
	p.ShortWindow = 8
	p.LongWindow = 64
	return p
}

// series generates a deterministic close series whose per-step return
// amplitude is controlled by vol.
func series(n int, vol float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		price *= math.Exp(vol * (rng.Float64()*2 - 1))
		closes[i] = price
	}
	return closes
}

func TestClassifyShortSeriesDefaultsToNormal(t *testing.T) {
	e := NewEngine(testParams(), nil, nil)
	c := e.Classify(series(10, 0.01, 1))
	assert.Equal(t, Normal, c.Raw)
	assert.Equal(t, MethodZScore, c.Method)
	assert.InDelta(t, 0.5, c.Confidence, 1e-9)
	assert.True(t, c.Defaulted)
}

func TestClassifyFlatSeriesFallsBackToRatio(t *testing.T) {
	e := NewEngine(testParams(), nil, nil)
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100.0 // zero variance => sigma below 1e-4
	}
	c := e.Classify(closes)
	assert.Equal(t, MethodRVRatio, c.Method)
}

func TestClassifyVolSpikeRaisesRegime(t *testing.T) {
	e := NewEngine(testParams(), nil, nil)

	// Long calm stretch then a violent tail: rv_short outruns the
	// long-window distribution and z goes strongly positive.
	closes := series(80, 0.002, 7)
	price := closes[len(closes)-1]
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 10; i++ {
		price *= math.Exp(0.08 * (rng.Float64()*2 - 1))
		closes = append(closes, price)
	}

	c := e.Classify(closes)
	require.Equal(t, MethodZScore, c.Method)
	assert.Greater(t, c.Z, 0.75, "z should exceed the NORMAL->HIGH entry threshold")
	assert.True(t, c.Raw == High || c.Raw == Extreme)
	assert.Greater(t, c.Confidence, 0.0)
}

func TestEvaluateDeterministicReplay(t *testing.T) {
	closes := series(90, 0.01, 42)
	// Append a volatile tail so at least one change commits
	price := closes[len(closes)-1]
	rng := rand.New(rand.NewSource(43))
	for i := 0; i < 30; i++ {
		price *= math.Exp(0.09 * (rng.Float64()*2 - 1))
		closes = append(closes, price)
	}

	run := func() []Decision {
		e := NewEngine(testParams(), nil, nil)
		var out []Decision
		ts := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
		for i := 70; i <= len(closes); i++ {
			out = append(out, e.Evaluate(context.Background(), "BTC/USD", closes[:i], ts.Add(time.Duration(i)*time.Minute)))
		}
		return out
	}

	a, b := run(), run()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Regime, b[i].Regime, "cycle %d", i)
		assert.Equal(t, a[i].Hash, b[i].Hash, "cycle %d", i)
		assert.Equal(t, a[i].Changed, b[i].Changed, "cycle %d", i)
	}
}

func TestAdvanceRequiresConfirmationsAndHonorsCooldown(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	sctx := &Context{Symbol: "BTC/USD", CurrentRegime: Normal}
	ts := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	step := func(raw Regime, z float64) Decision {
		d := Decision{Symbol: "BTC/USD", Raw: raw, Z: z, Timestamp: ts}
		e.advance(sctx, &d, Classification{Raw: raw, Method: MethodZScore, Z: z})
		ts = ts.Add(time.Minute)
		return d
	}

	// Two confirmations are not enough
	d := step(High, 1.0)
	assert.False(t, d.Changed)
	assert.Equal(t, Normal, sctx.CurrentRegime)
	d = step(High, 1.0)
	assert.False(t, d.Changed)

	// Third consecutive confirmation commits
	d = step(High, 1.0)
	assert.True(t, d.Changed)
	assert.Equal(t, High, sctx.CurrentRegime)
	assert.NotEmpty(t, d.Hash)
	assert.Equal(t, 8, sctx.CooldownRemaining)
	assert.Equal(t, 0, sctx.CyclesInRegime)

	// Cooldown rejects any attempted transition for 8 cycles,
	// regardless of z
	for i := 0; i < 8; i++ {
		d = step(Normal, 0.0)
		assert.True(t, d.BlockedByCooldown, "cycle %d", i)
		assert.Equal(t, High, sctx.CurrentRegime)
	}
	d = step(Normal, 0.0)
	assert.False(t, d.BlockedByCooldown)
}

func TestAdvanceInterruptedConfirmationsReset(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	sctx := &Context{Symbol: "BTC/USD", CurrentRegime: Normal}

	step := func(raw Regime, z float64) Decision {
		d := Decision{Symbol: "BTC/USD", Raw: raw, Z: z, Timestamp: time.Now()}
		e.advance(sctx, &d, Classification{Raw: raw, Method: MethodZScore, Z: z})
		return d
	}

	step(High, 1.0)
	step(High, 1.0)
	step(Normal, 0.0) // raw == current clears pending
	step(High, 1.0)
	d := step(High, 1.0)
	assert.False(t, d.Changed, "confirmation streak must restart after an interruption")
	d = step(High, 1.0)
	assert.True(t, d.Changed)
}

func TestAdvanceRejectsNonAdjacentJump(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	sctx := &Context{Symbol: "BTC/USD", CurrentRegime: Low}

	for i := 0; i < 5; i++ {
		d := Decision{Symbol: "BTC/USD", Raw: High, Z: 1.0, Timestamp: time.Now()}
		e.advance(sctx, &d, Classification{Raw: High, Method: MethodZScore, Z: 1.0})
		assert.False(t, d.Changed)
	}
	assert.Equal(t, Low, sctx.CurrentRegime)
}

func TestAdvanceHysteresisBlocksDowngrade(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	sctx := &Context{Symbol: "BTC/USD", CurrentRegime: Extreme}

	// z=1.5 classifies raw HIGH but is above the 1.40 exit threshold
	d := Decision{Symbol: "BTC/USD", Raw: High, Z: 1.5, Timestamp: time.Now()}
	e.advance(sctx, &d, Classification{Raw: High, Method: MethodZScore, Z: 1.5})
	assert.True(t, d.BlockedByHysteresis)
	assert.Equal(t, Extreme, sctx.CurrentRegime)

	// z=1.3 clears the threshold; confirmations begin
	for i := 0; i < 3; i++ {
		d = Decision{Symbol: "BTC/USD", Raw: High, Z: 1.3, Timestamp: time.Now()}
		e.advance(sctx, &d, Classification{Raw: High, Method: MethodZScore, Z: 1.3})
	}
	assert.True(t, d.Changed)
	assert.Equal(t, High, sctx.CurrentRegime)
}

func TestDecisionHashStability(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h1 := decisionHash("BTC/USD", High, 1.2345678, 1.1, ts)
	h2 := decisionHash("BTC/USD", High, 1.2345681, 1.1, ts)
	assert.Equal(t, h1, h2, "z rounds to six decimals before hashing")

	h3 := decisionHash("BTC/USD", High, 1.2345692, 1.1, ts)
	assert.NotEqual(t, h1, h3)
	h4 := decisionHash("ETH/USD", High, 1.2345678, 1.1, ts)
	assert.NotEqual(t, h1, h4)
}

func TestSpikeGuardBlocksPyramiding(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	e.mu.Lock()
	e.spikes["BTC/USD"] = now
	e.mu.Unlock()

	assert.True(t, e.BlocksPyramiding("BTC/USD", now.Add(time.Hour)))
	assert.False(t, e.BlocksPyramiding("BTC/USD", now.Add(2*time.Hour)))
	assert.False(t, e.BlocksPyramiding("ETH/USD", now))
}

func TestWhipsawGuard(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	e.RecordLoss("BTC/USD", now)
	e.RecordLoss("BTC/USD", now.Add(time.Hour))
	assert.False(t, e.WhipsawBlocked("BTC/USD", now.Add(time.Hour)))

	// Third loss inside the 6h window engages the 12h block
	e.RecordLoss("BTC/USD", now.Add(2*time.Hour))
	assert.True(t, e.WhipsawBlocked("BTC/USD", now.Add(2*time.Hour)))
	assert.True(t, e.WhipsawBlocked("BTC/USD", now.Add(13*time.Hour)))
	assert.False(t, e.WhipsawBlocked("BTC/USD", now.Add(15*time.Hour)))
}

func TestWhipsawLossesOutsideWindowIgnored(t *testing.T) {
	e := NewEngine(DefaultParams(), nil, nil)
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	e.RecordLoss("BTC/USD", now)
	e.RecordLoss("BTC/USD", now.Add(7*time.Hour)) // first loss aged out
	e.RecordLoss("BTC/USD", now.Add(8*time.Hour))
	assert.False(t, e.WhipsawBlocked("BTC/USD", now.Add(8*time.Hour)))
}
