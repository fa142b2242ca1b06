// Package breaker implements the loss-based circuit breakers shared by
// every engine: per-asset consecutive/cumulative loss, per-cluster loss
// percentage, and the per-portfolio daily-loss kill switch. Staleness
// gates compose in as advisory inputs to the single CanOpen gate.
package breaker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level identifies the breaker tier
type Level string

const (
	LevelAsset   Level = "asset"
	LevelCluster Level = "cluster"
	LevelGlobal  Level = "global"
)

// EventType distinguishes trigger, manual reset and timed reset
type EventType string

const (
	EventTriggered EventType = "triggered"
	EventReset     EventType = "reset"
	EventAutoReset EventType = "auto_reset"
)

// Event is one append-only circuit breaker log record
type Event struct {
	Portfolio string         `json:"portfolio"`
	Level     Level          `json:"breaker_level"`
	Type      EventType      `json:"event_type"`
	Symbol    string         `json:"symbol,omitempty"`
	Cluster   int            `json:"cluster,omitempty"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Settings holds the trigger thresholds and reset windows
type Settings struct {
	AssetConsecutiveLosses int
	AssetCumulativeLossUSD decimal.Decimal
	AssetResetAfter        time.Duration
	ClusterLossPct         float64
	ClusterResetAfter      time.Duration
	MaxDailyLossPct        float64
}

// DefaultSettings returns the production thresholds
func DefaultSettings() Settings {
	return Settings{
		AssetConsecutiveLosses: 3,
		AssetCumulativeLossUSD: decimal.NewFromInt(500),
		AssetResetAfter:        24 * time.Hour,
		ClusterLossPct:         0.15,
		ClusterResetAfter:      12 * time.Hour,
		MaxDailyLossPct:        0.05,
	}
}

// Metrics is the observation fed to a breaker's Evaluate
type Metrics struct {
	ConsecutiveLosses int
	CumulativeLossUSD decimal.Decimal
	ClusterLossPct    float64
	DailyLossPct      float64
}

// Verdict is the outcome of an evaluation
type Verdict struct {
	Trigger bool
	Reason  string
}

// Evaluator is the common capability of all breaker variants
type Evaluator interface {
	Evaluate(m Metrics) Verdict
	Level() Level
}

// assetEvaluator triggers on consecutive losses or cumulative loss USD
type assetEvaluator struct {
	maxConsecutive int
	maxCumulative  decimal.Decimal
}

func (a assetEvaluator) Level() Level { return LevelAsset }

func (a assetEvaluator) Evaluate(m Metrics) Verdict {
	if m.ConsecutiveLosses >= a.maxConsecutive {
		return Verdict{Trigger: true, Reason: "consecutive_losses"}
	}
	if m.CumulativeLossUSD.GreaterThanOrEqual(a.maxCumulative) {
		return Verdict{Trigger: true, Reason: "cumulative_loss"}
	}
	return Verdict{}
}

// clusterEvaluator triggers on aggregate cluster loss percentage
type clusterEvaluator struct {
	maxLossPct float64
}

func (c clusterEvaluator) Level() Level { return LevelCluster }

func (c clusterEvaluator) Evaluate(m Metrics) Verdict {
	if m.ClusterLossPct >= c.maxLossPct {
		return Verdict{Trigger: true, Reason: "cluster_loss_pct"}
	}
	return Verdict{}
}

// globalEvaluator triggers on the portfolio daily-loss kill switch
type globalEvaluator struct {
	maxDailyLossPct float64
}

func (g globalEvaluator) Level() Level { return LevelGlobal }

func (g globalEvaluator) Evaluate(m Metrics) Verdict {
	if m.DailyLossPct >= g.maxDailyLossPct {
		return Verdict{Trigger: true, Reason: "max_daily_loss"}
	}
	return Verdict{}
}
