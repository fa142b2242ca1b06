package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values that would put the engine
// into an unsafe state. It is called during Load.
func (c *Config) Validate() error {
	var errs []string

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Sprintf("app.environment: unknown environment %q", c.App.Environment))
	}

	if c.Database.PoolSize < 1 {
		errs = append(errs, "database.pool_size: must be at least 1")
	}

	switch c.Exchange.Mode {
	case "paper", "live":
	default:
		errs = append(errs, fmt.Sprintf("exchange.mode: must be \"paper\" or \"live\", got %q", c.Exchange.Mode))
	}
	if c.Exchange.Mode == "live" && c.Exchange.RESTEndpoint == "" {
		errs = append(errs, "exchange.rest_endpoint: required in live mode")
	}
	if c.Exchange.RateLimitRPS <= 0 {
		errs = append(errs, "exchange.rate_limit_rps: must be positive")
	}

	if len(c.MarketData.Symbols) == 0 {
		errs = append(errs, "marketdata.symbols: at least one symbol is required")
	}
	for _, s := range c.MarketData.Symbols {
		if !strings.Contains(s, "/") {
			errs = append(errs, fmt.Sprintf("marketdata.symbols: %q is not in BASE/QUOTE form", s))
		}
	}

	// Staleness levels must be strictly ordered or classification is ambiguous.
	st := c.Staleness
	if !(st.WarnAfter > 0 && st.WarnAfter < st.HardAfter && st.HardAfter < st.KillAfter && st.KillAfter < st.QuarantineAfter) {
		errs = append(errs, "staleness: thresholds must satisfy 0 < warn < hard < kill < quarantine")
	}

	if c.VRE.ShortWindow < 2 || c.VRE.LongWindow <= c.VRE.ShortWindow {
		errs = append(errs, "vre: require short_window >= 2 and long_window > short_window")
	}
	if c.VRE.Confirmations < 1 {
		errs = append(errs, "vre.confirmations: must be at least 1")
	}
	if c.VRE.CooldownCycles < 0 {
		errs = append(errs, "vre.cooldown_cycles: must be non-negative")
	}

	if c.Breaker.AssetConsecutiveLosses < 1 {
		errs = append(errs, "breaker.asset_consecutive_losses: must be at least 1")
	}
	if c.Breaker.MaxDailyLossPct <= 0 || c.Breaker.MaxDailyLossPct >= 1 {
		errs = append(errs, "breaker.max_daily_loss_pct: must be in (0, 1)")
	}

	if c.Signal.RiskPerTradeBps <= 0 || c.Signal.RiskPerTradeBps > 1000 {
		errs = append(errs, "signal.risk_per_trade_bps: must be in (0, 1000]")
	}
	if c.Signal.TP1ClosePct < 0 || c.Signal.TP1ClosePct > 1 {
		errs = append(errs, "signal.tp1_close_pct: must be in [0, 1]")
	}
	if c.Signal.SLMult <= 0 {
		errs = append(errs, "signal.sl_mult: must be positive")
	}

	if c.Campaign.MaxDrawdownThreshold <= 0 || c.Campaign.MaxDrawdownThreshold >= 1 {
		errs = append(errs, "campaign.max_drawdown_threshold: must be in (0, 1)")
	}
	if c.Campaign.OCOCancelRetries < 1 {
		errs = append(errs, "campaign.oco_cancel_retries: must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
