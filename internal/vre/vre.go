// Package vre classifies per-symbol volatility into regimes with
// hysteresis, confirmation counting and cooldown, so downstream sizing
// reacts to sustained volatility shifts instead of single-bar noise.
package vre

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Regime is a volatility classification bucket
type Regime int

const (
	Low Regime = iota
	Normal
	High
	Extreme
)

// String renders the regime for logs, hashes and persisted decisions
func (r Regime) String() string {
	switch r {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Extreme:
		return "EXTREME"
	}
	return "UNKNOWN"
}

// adjacent reports whether a direct transition between two regimes is
// allowed; the classifier never jumps buckets.
func adjacent(a, b Regime) bool {
	diff := int(a) - int(b)
	return diff == 1 || diff == -1
}

// Method identifies which statistic drove a classification
type Method string

const (
	MethodZScore  Method = "z_score"
	MethodRVRatio Method = "rv_ratio"
)

// Params holds all engine parameters. Identical params and identical
// close series produce identical decisions and hashes.
type Params struct {
	ShortWindow    int
	LongWindow     int
	Confirmations  int
	CooldownCycles int

	// Entry thresholds on z
	EntryLowNormal   float64
	EntryNormalHigh  float64
	EntryHighExtreme float64

	// Exit (hysteresis) thresholds on z for downward transitions
	ExitExtremeHigh float64
	ExitHighNormal  float64
	ExitNormalLow   float64

	// rv_ratio fallback thresholds, used when the z denominator degenerates
	RatioLow     float64
	RatioHigh    float64
	RatioExtreme float64

	// Spike and whipsaw guards
	SpikeZ        float64
	SpikeBlock    time.Duration
	WhipsawLosses int
	WhipsawWindow time.Duration
	WhipsawBlock  time.Duration
}

// DefaultParams returns the production parameter set
func DefaultParams() Params {
	return Params{
		ShortWindow:      96,
		LongWindow:       672,
		Confirmations:    3,
		CooldownCycles:   8,
		EntryLowNormal:   -0.75,
		EntryNormalHigh:  0.75,
		EntryHighExtreme: 1.75,
		ExitExtremeHigh:  1.40,
		ExitHighNormal:   0.55,
		ExitNormalLow:    -0.55,
		RatioLow:         0.7,
		RatioHigh:        1.3,
		RatioExtreme:     1.8,
		SpikeZ:           2.75,
		SpikeBlock:       2 * time.Hour,
		WhipsawLosses:    3,
		WhipsawWindow:    6 * time.Hour,
		WhipsawBlock:     12 * time.Hour,
	}
}

// Context is the per-symbol hysteresis state machine
type Context struct {
	Symbol           string    `json:"symbol"`
	CurrentRegime    Regime    `json:"-"`
	Current          string    `json:"current_regime"`
	PendingRegime    Regime    `json:"-"`
	Pending          string    `json:"pending_regime"`
	Confirmations    int       `json:"confirmations"`
	CyclesInRegime   int       `json:"cycles_in_regime"`
	CooldownRemaining int      `json:"cooldown_remaining"`
	LastRegimeChange time.Time `json:"last_regime_change"`
	hasPending       bool
}

// Decision is the output of one evaluation cycle
type Decision struct {
	Symbol              string    `json:"symbol"`
	Raw                 Regime    `json:"-"`
	Regime              Regime    `json:"-"`
	RegimeName          string    `json:"regime"`
	Method              Method    `json:"method"`
	Z                   float64   `json:"z"`
	RVShort             float64   `json:"rv_short"`
	RVLong              float64   `json:"rv_long"`
	RVRatio             float64   `json:"rv_ratio"`
	Confidence          float64   `json:"confidence"`
	Changed             bool      `json:"changed"`
	BlockedByCooldown   bool      `json:"blocked_by_cooldown"`
	BlockedByHysteresis bool      `json:"blocked_by_hysteresis"`
	Spike               bool      `json:"spike"`
	Hash                string    `json:"decision_hash,omitempty"`
	Timestamp           time.Time `json:"ts"`
}

// decisionHash produces the deterministic replay hash of a committed
// regime change. Float inputs are rounded to six decimals in string
// form so binary representation differences cannot leak in.
func decisionHash(symbol string, regime Regime, z, rvRatio float64, ts time.Time) string {
	payload := fmt.Sprintf("%s|%s|%.6f|%.6f|%s",
		symbol, regime.String(), z, rvRatio, ts.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
