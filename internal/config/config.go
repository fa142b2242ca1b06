package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all trading-core configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Staleness  StalenessConfig  `mapstructure:"staleness"`
	VRE        VREConfig        `mapstructure:"vre"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Campaign   CampaignConfig   `mapstructure:"campaign"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the hot market-data cache
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains optional event fan-out settings. An empty URL
// disables publishing entirely.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	Name            string    `mapstructure:"name"`
	RESTEndpoint    string    `mapstructure:"rest_endpoint"`
	WSEndpoint      string    `mapstructure:"ws_endpoint"`
	Mode            string    `mapstructure:"mode"` // "paper" or "live"
	RESTTimeout     string    `mapstructure:"rest_timeout"`
	FillPollTimeout string    `mapstructure:"fill_poll_timeout"`
	RateLimitRPS    float64   `mapstructure:"rate_limit_rps"`
	Fees            FeeConfig `mapstructure:"fees"`
}

// FeeConfig contains the exchange fee and slippage model
type FeeConfig struct {
	Maker        float64 `mapstructure:"maker"`         // fraction, e.g. 0.001 = 0.1%
	Taker        float64 `mapstructure:"taker"`         // fraction
	BaseSlippage float64 `mapstructure:"base_slippage"` // fraction applied to market fills
	MaxSlippage  float64 `mapstructure:"max_slippage"`  // cap on modeled slippage
}

// MarketDataConfig contains ingestion settings
type MarketDataConfig struct {
	Symbols             []string `mapstructure:"symbols"`
	SubscribeRetryCap   int      `mapstructure:"subscribe_retry_cap"`
	GlobalFallbackAfter string   `mapstructure:"global_fallback_after"` // no ticks anywhere for this long => REST loop
	RESTRefreshInterval string   `mapstructure:"rest_refresh_interval"`
	TickTTL             string   `mapstructure:"tick_ttl"`
	BookTTL             string   `mapstructure:"book_ttl"`
	SecondBarTTL        string   `mapstructure:"second_bar_ttl"`
	UniverseRefresh     string   `mapstructure:"universe_refresh"`
}

// StalenessConfig contains the staleness guard thresholds, in seconds
type StalenessConfig struct {
	WarnAfter       int `mapstructure:"warn_after"`
	HardAfter       int `mapstructure:"hard_after"`
	KillAfter       int `mapstructure:"kill_after"`
	QuarantineAfter int `mapstructure:"quarantine_after"`
	RefreshMinGap   int `mapstructure:"refresh_min_gap"` // per-symbol REST refresh throttle, seconds
}

// VREConfig contains volatility-regime-engine parameters
type VREConfig struct {
	ShortWindow      int     `mapstructure:"short_window"`
	LongWindow       int     `mapstructure:"long_window"`
	Confirmations    int     `mapstructure:"confirmations"`
	CooldownCycles   int     `mapstructure:"cooldown_cycles"`
	EntryLowNormal   float64 `mapstructure:"entry_low_normal"`
	EntryNormalHigh  float64 `mapstructure:"entry_normal_high"`
	EntryHighExtreme float64 `mapstructure:"entry_high_extreme"`
	ExitExtremeHigh  float64 `mapstructure:"exit_extreme_high"`
	ExitHighNormal   float64 `mapstructure:"exit_high_normal"`
	ExitNormalLow    float64 `mapstructure:"exit_normal_low"`
	RatioLow         float64 `mapstructure:"ratio_low"`
	RatioHigh        float64 `mapstructure:"ratio_high"`
	RatioExtreme     float64 `mapstructure:"ratio_extreme"`
	SpikeZ           float64 `mapstructure:"spike_z"`
	SpikeBlock       string  `mapstructure:"spike_block"` // how long add-ons stay blocked after a spike
	WhipsawLosses    int     `mapstructure:"whipsaw_losses"`
	WhipsawWindow    string  `mapstructure:"whipsaw_window"`
	WhipsawBlock     string  `mapstructure:"whipsaw_block"`
	StateTTL         string  `mapstructure:"state_ttl"` // redis TTL for published VRE state
}

// BreakerConfig contains loss-based circuit breaker defaults
type BreakerConfig struct {
	AssetConsecutiveLosses int     `mapstructure:"asset_consecutive_losses"`
	AssetCumulativeLossUSD float64 `mapstructure:"asset_cumulative_loss_usd"`
	AssetResetAfter        string  `mapstructure:"asset_reset_after"`
	ClusterLossPct         float64 `mapstructure:"cluster_loss_pct"`
	ClusterResetAfter      string  `mapstructure:"cluster_reset_after"`
	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	SweepInterval          string  `mapstructure:"sweep_interval"`
}

// SignalConfig contains signal engine defaults; per-(portfolio, symbol)
// overrides live in the database
type SignalConfig struct {
	LongATRMult     float64 `mapstructure:"long_atr_mult"`
	ShortATRMult    float64 `mapstructure:"short_atr_mult"`
	TP1Mult         float64 `mapstructure:"tp1_mult"`
	TP2Mult         float64 `mapstructure:"tp2_mult"`
	SLMult          float64 `mapstructure:"sl_mult"`
	TP1ClosePct     float64 `mapstructure:"tp1_close_pct"`
	RiskPerTradeBps int     `mapstructure:"risk_per_trade_bps"`
	Timeframe       string  `mapstructure:"timeframe"`
	ExpiryHorizon   string  `mapstructure:"expiry_horizon"`
}

// CampaignConfig contains campaign engine and manager settings
type CampaignConfig struct {
	TickInterval         string  `mapstructure:"tick_interval"`
	ManagerInterval      string  `mapstructure:"manager_interval"`
	RebalanceEvery       string  `mapstructure:"rebalance_every"`
	MaxDrawdownThreshold float64 `mapstructure:"max_drawdown_threshold"`
	OCOCancelRetries     int     `mapstructure:"oco_cancel_retries"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADECORE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradecore")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradecore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS is opt-in
	v.SetDefault("nats.url", "")

	// Exchange defaults
	v.SetDefault("exchange.name", "kraken")
	v.SetDefault("exchange.mode", "paper")
	v.SetDefault("exchange.rest_timeout", "10s")
	v.SetDefault("exchange.fill_poll_timeout", "30s")
	v.SetDefault("exchange.rate_limit_rps", 5.0)
	v.SetDefault("exchange.fees.maker", 0.001)
	v.SetDefault("exchange.fees.taker", 0.001)
	v.SetDefault("exchange.fees.base_slippage", 0.0005)
	v.SetDefault("exchange.fees.max_slippage", 0.003)

	// Market data defaults
	v.SetDefault("marketdata.symbols", []string{"BTC/USD", "ETH/USD"})
	v.SetDefault("marketdata.subscribe_retry_cap", 5)
	v.SetDefault("marketdata.global_fallback_after", "60s")
	v.SetDefault("marketdata.rest_refresh_interval", "5s")
	v.SetDefault("marketdata.tick_ttl", "60s")
	v.SetDefault("marketdata.book_ttl", "30s")
	v.SetDefault("marketdata.second_bar_ttl", "120s")
	v.SetDefault("marketdata.universe_refresh", "1h")

	// Staleness thresholds (seconds)
	v.SetDefault("staleness.warn_after", 4)
	v.SetDefault("staleness.hard_after", 12)
	v.SetDefault("staleness.kill_after", 60)
	v.SetDefault("staleness.quarantine_after", 300)
	v.SetDefault("staleness.refresh_min_gap", 10)

	// VRE parameters
	v.SetDefault("vre.short_window", 96)
	v.SetDefault("vre.long_window", 672)
	v.SetDefault("vre.confirmations", 3)
	v.SetDefault("vre.cooldown_cycles", 8)
	v.SetDefault("vre.entry_low_normal", -0.75)
	v.SetDefault("vre.entry_normal_high", 0.75)
	v.SetDefault("vre.entry_high_extreme", 1.75)
	v.SetDefault("vre.exit_extreme_high", 1.40)
	v.SetDefault("vre.exit_high_normal", 0.55)
	v.SetDefault("vre.exit_normal_low", -0.55)
	v.SetDefault("vre.ratio_low", 0.7)
	v.SetDefault("vre.ratio_high", 1.3)
	v.SetDefault("vre.ratio_extreme", 1.8)
	v.SetDefault("vre.spike_z", 2.75)
	v.SetDefault("vre.spike_block", "2h")
	v.SetDefault("vre.whipsaw_losses", 3)
	v.SetDefault("vre.whipsaw_window", "6h")
	v.SetDefault("vre.whipsaw_block", "12h")
	v.SetDefault("vre.state_ttl", "300s")

	// Breaker defaults
	v.SetDefault("breaker.asset_consecutive_losses", 3)
	v.SetDefault("breaker.asset_cumulative_loss_usd", 500.0)
	v.SetDefault("breaker.asset_reset_after", "24h")
	v.SetDefault("breaker.cluster_loss_pct", 0.15)
	v.SetDefault("breaker.cluster_reset_after", "12h")
	v.SetDefault("breaker.max_daily_loss_pct", 0.05)
	v.SetDefault("breaker.sweep_interval", "1m")

	// Signal defaults
	v.SetDefault("signal.long_atr_mult", 2.0)
	v.SetDefault("signal.short_atr_mult", 2.0)
	v.SetDefault("signal.tp1_mult", 1.5)
	v.SetDefault("signal.tp2_mult", 3.0)
	v.SetDefault("signal.sl_mult", 1.0)
	v.SetDefault("signal.tp1_close_pct", 0.5)
	v.SetDefault("signal.risk_per_trade_bps", 50)
	v.SetDefault("signal.timeframe", "1m")
	v.SetDefault("signal.expiry_horizon", "5m")

	// Campaign defaults
	v.SetDefault("campaign.tick_interval", "5s")
	v.SetDefault("campaign.manager_interval", "60s")
	v.SetDefault("campaign.rebalance_every", "8h")
	v.SetDefault("campaign.max_drawdown_threshold", 0.10)
	v.SetDefault("campaign.oco_cancel_retries", 3)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Duration parses a duration field, falling back to def on empty or
// malformed values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
