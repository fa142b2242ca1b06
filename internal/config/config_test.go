package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tradecore", cfg.App.Name)
	assert.Equal(t, "paper", cfg.Exchange.Mode)
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, cfg.MarketData.Symbols)

	// Staleness ladder from the guard design
	assert.Equal(t, 4, cfg.Staleness.WarnAfter)
	assert.Equal(t, 12, cfg.Staleness.HardAfter)
	assert.Equal(t, 60, cfg.Staleness.KillAfter)
	assert.Equal(t, 300, cfg.Staleness.QuarantineAfter)

	// VRE defaults
	assert.Equal(t, 96, cfg.VRE.ShortWindow)
	assert.Equal(t, 672, cfg.VRE.LongWindow)
	assert.Equal(t, 3, cfg.VRE.Confirmations)
	assert.Equal(t, 8, cfg.VRE.CooldownCycles)
	assert.InDelta(t, 1.75, cfg.VRE.EntryHighExtreme, 1e-9)

	// Breaker defaults
	assert.Equal(t, 3, cfg.Breaker.AssetConsecutiveLosses)
	assert.InDelta(t, 500.0, cfg.Breaker.AssetCumulativeLossUSD, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("load defaults: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unordered staleness thresholds", func(c *Config) { c.Staleness.HardAfter = 2 }},
		{"bad exchange mode", func(c *Config) { c.Exchange.Mode = "dry-run" }},
		{"live without endpoint", func(c *Config) { c.Exchange.Mode = "live"; c.Exchange.RESTEndpoint = "" }},
		{"no symbols", func(c *Config) { c.MarketData.Symbols = nil }},
		{"symbol without quote", func(c *Config) { c.MarketData.Symbols = []string{"BTCUSD"} }},
		{"long window below short", func(c *Config) { c.VRE.LongWindow = 10 }},
		{"zero confirmations", func(c *Config) { c.VRE.Confirmations = 0 }},
		{"drawdown over 100%", func(c *Config) { c.Campaign.MaxDrawdownThreshold = 1.5 }},
		{"risk bps out of range", func(c *Config) { c.Signal.RiskPerTradeBps = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("not-a-duration", time.Minute))
}
