package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/quantforge/tradecore/internal/audit"
	"github.com/quantforge/tradecore/internal/breaker"
	"github.com/quantforge/tradecore/internal/campaign"
	"github.com/quantforge/tradecore/internal/config"
	"github.com/quantforge/tradecore/internal/db"
	"github.com/quantforge/tradecore/internal/events"
	"github.com/quantforge/tradecore/internal/exchange"
	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/metrics"
	"github.com/quantforge/tradecore/internal/secrets"
	"github.com/quantforge/tradecore/internal/signal"
	"github.com/quantforge/tradecore/internal/staleness"
	"github.com/quantforge/tradecore/internal/vre"
)

const signalExpirySweep = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	migrateOnly := flag.Bool("migrate", false, "apply schema migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Str("exchange", cfg.Exchange.Name).
		Str("mode", cfg.Exchange.Mode).
		Msg("Starting tradecore")

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store
	database, err := db.New(ctx, cfg.Database, config.NewLogger("db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	if err := db.Migrate(ctx, database.Pool(), config.NewLogger("db")); err != nil {
		logger.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	if *migrateOnly {
		logger.Info().Msg("Migrations applied")
		return
	}

	// Hot cache. Redis being down degrades reads to the in-memory
	// pipeline views, so it is not fatal.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unreachable, hot cache disabled")
	}
	cache := marketdata.NewCache(rdb, cacheTTLs(cfg))

	// Optional event bus
	bus, err := events.Connect(cfg.NATS.URL, "tradecore.", config.NewLogger("events"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer bus.Close()

	// Audit chain resumes from the stored head
	headHash, headSeq, err := audit.LoadHead(ctx, database.Pool())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load audit chain head")
	}
	trail := audit.NewTrail(database.Pool(), headHash, headSeq, config.NewLogger("audit"))
	logger.Info().Int64("sequence", headSeq).Msg("Audit chain resumed")

	// Repositories
	dbLog := config.NewLogger("db")
	campaignRepo := db.NewCampaignRepo(database.Pool(), dbLog)
	signalRepo := db.NewSignalRepo(database.Pool(), dbLog)
	barRepo := db.NewBarRepo(database.Pool(), dbLog)
	eventLog := db.NewEventLogRepo(database.Pool(), dbLog)

	// Exchange connectivity. The REST client serves public market data
	// in both modes; live mode also routes orders through it.
	creds := exchangeCredentials(cfg, logger)
	rest := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:   cfg.Exchange.RESTEndpoint,
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		Exchange:  cfg.Exchange.Name,
	}, exchange.NewTransportGuard(), config.NewLogger("exchange"))
	feed := exchange.NewWSFeed(cfg.Exchange.WSEndpoint, cfg.Exchange.Name, config.NewLogger("ws"))

	var exch exchange.Exchange
	var paper *exchange.PaperExchange
	if cfg.Exchange.Mode == "live" {
		exch = rest
	} else {
		paper = exchange.NewPaperExchangeWithFees(feeModel(cfg.Exchange.Fees))
		exch = paper
	}

	// Market data pipeline
	pcfg := marketdata.DefaultPipelineConfig(cfg.Exchange.Name)
	if cfg.MarketData.SubscribeRetryCap > 0 {
		pcfg.SubscribeRetryCap = cfg.MarketData.SubscribeRetryCap
	}
	pcfg.GlobalFallbackAfter = config.Duration(cfg.MarketData.GlobalFallbackAfter, pcfg.GlobalFallbackAfter)
	pcfg.RESTRefreshInterval = config.Duration(cfg.MarketData.RESTRefreshInterval, pcfg.RESTRefreshInterval)
	pipeline := marketdata.NewPipeline(pcfg, feed, rest, cache, barRepo)

	// Signal engine
	signals := signal.NewEngine(decimal.Zero, signalRepo, config.NewLogger("signal"))

	// Staleness guard. HARD and worse also zeroes pending signals.
	guard := staleness.NewGuard(
		cfg.Exchange.Name,
		stalenessThresholds(cfg.Staleness),
		pipeline,
		pipeline.RefreshSymbol,
		stalenessFanout{trail, eventLog, signalCanceller{signals}, busSink{bus}},
		time.Duration(cfg.Staleness.RefreshMinGap)*time.Second,
	)
	pipeline.SetQuarantineCheck(guard.IsQuarantined)

	// Circuit breakers, gated on the staleness guard
	breakers := breaker.NewService(
		breakerSettings(cfg.Breaker),
		breakerFanout{trail, eventLog, busSink{bus}},
		guard,
	)

	// Volatility regime engine, fed from closed 1m bars. Closed 1s
	// bars mark paper-exchange prices so simulated brackets trigger
	// off the same stream the robots trade on.
	params := vreParams(cfg.VRE)
	regimes := vre.NewEngine(params, regimeFanout{trail, eventLog, busSink{bus}}, cache)
	pipeline.SubscribeBars(func(b marketdata.Bar) {
		switch b.Period {
		case marketdata.Period1s.String():
			if paper != nil {
				paper.MarkPrice(b.Symbol, b.Close)
			}
		case marketdata.Period1m.String():
			closes := closesOf(pipeline.GetBars(b.Symbol, marketdata.Period1m, params.LongWindow+1))
			if len(closes) >= 2 {
				regimes.Evaluate(ctx, b.Symbol, closes, time.Now().UTC())
			}
		}
	})

	// Campaigns
	auditSinks := auditFanout{trail, busSink{bus}}
	manager := campaign.NewManager(
		campaign.NewVolumeSelector(rest, config.NewLogger("universe")),
		breakerDailyReset{breakers},
		auditSinks,
		config.NewLogger("campaign_manager"),
	)

	active, err := campaignRepo.ListByStatus(ctx, campaign.StatusActive)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load active campaigns")
	}
	robots := make([]*campaign.Robot, 0, len(active))
	for _, c := range active {
		rs, err := campaignRepo.GetRiskState(ctx, c.ID)
		if err != nil {
			logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("No stored risk state, seeding fresh")
			rs = campaign.NewRiskState(c, time.Now().UTC())
		}
		breakers.RegisterPortfolio(c.Portfolio, rs.CurrentEquity)
		r := campaign.NewRobot(c, rs, pipeline, breakers, regimes, signals, exch, campaignRepo, auditSinks, config.NewCampaignLogger(c.ID))
		manager.Register(r)
		robots = append(robots, r)
	}
	logger.Info().Int("campaigns", len(robots)).Msg("Loaded active campaigns")

	if cfg.Monitoring.EnableMetrics {
		msrv := metrics.NewServer(cfg.Monitoring.PrometheusPort, logger)
		if err := msrv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start metrics server")
		}
		defer msrv.Shutdown(context.Background())
	}

	if err := pipeline.Subscribe(ctx, cfg.MarketData.Symbols); err != nil {
		logger.Fatal().Err(err).Strs("symbols", cfg.MarketData.Symbols).Msg("Failed to subscribe to market data")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Exchange.WSEndpoint != "" {
		g.Go(func() error { return feed.Run(gctx) })
	} else {
		logger.Warn().Msg("No WebSocket endpoint configured, relying on REST fallback")
	}
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return guard.Run(gctx) })
	g.Go(func() error {
		return breakers.Run(gctx, config.Duration(cfg.Breaker.SweepInterval, time.Minute))
	})
	g.Go(func() error { return manager.Run(gctx) })
	for _, r := range robots {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error {
		database.ReportStats(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(signalExpirySweep)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				signals.ExpireStale(gctx, time.Now().UTC())
			}
		}
	})

	logger.Info().Msg("tradecore running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("tradecore exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("tradecore stopped")
}

// exchangeCredentials decrypts live-mode API credentials. The tenant
// key and the sealed blob arrive via environment, so plaintext never
// touches config files or logs.
func exchangeCredentials(cfg *config.Config, logger zerolog.Logger) secrets.Credentials {
	if cfg.Exchange.Mode != "live" {
		return secrets.Credentials{}
	}
	key := os.Getenv("TRADECORE_CREDENTIALS_KEY")
	blob := os.Getenv("TRADECORE_CREDENTIALS_BLOB")
	if key == "" || blob == "" {
		logger.Fatal().Msg("Live mode requires TRADECORE_CREDENTIALS_KEY and TRADECORE_CREDENTIALS_BLOB")
	}
	keeper, err := secrets.NewKeeperFromBase64(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid credentials key")
	}
	creds, err := keeper.Open(blob)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to decrypt exchange credentials")
	}
	return creds
}

func feeModel(f config.FeeConfig) exchange.FeeModel {
	m := exchange.DefaultFeeModel()
	m.Maker = decimal.NewFromFloat(f.Maker)
	m.Taker = decimal.NewFromFloat(f.Taker)
	m.BaseSlippage = decimal.NewFromFloat(f.BaseSlippage)
	m.MaxSlippage = decimal.NewFromFloat(f.MaxSlippage)
	return m
}

func cacheTTLs(cfg *config.Config) marketdata.CacheTTLs {
	t := marketdata.DefaultCacheTTLs()
	t.Tick = config.Duration(cfg.MarketData.TickTTL, t.Tick)
	t.Book = config.Duration(cfg.MarketData.BookTTL, t.Book)
	t.SecondBar = config.Duration(cfg.MarketData.SecondBarTTL, t.SecondBar)
	t.VREState = config.Duration(cfg.VRE.StateTTL, t.VREState)
	return t
}

func stalenessThresholds(s config.StalenessConfig) staleness.Thresholds {
	return staleness.Thresholds{
		Warn:       time.Duration(s.WarnAfter) * time.Second,
		Hard:       time.Duration(s.HardAfter) * time.Second,
		Kill:       time.Duration(s.KillAfter) * time.Second,
		Quarantine: time.Duration(s.QuarantineAfter) * time.Second,
	}
}

func breakerSettings(b config.BreakerConfig) breaker.Settings {
	return breaker.Settings{
		AssetConsecutiveLosses: b.AssetConsecutiveLosses,
		AssetCumulativeLossUSD: decimal.NewFromFloat(b.AssetCumulativeLossUSD),
		AssetResetAfter:        config.Duration(b.AssetResetAfter, 24*time.Hour),
		ClusterLossPct:         b.ClusterLossPct,
		ClusterResetAfter:      config.Duration(b.ClusterResetAfter, 12*time.Hour),
		MaxDailyLossPct:        b.MaxDailyLossPct,
	}
}

func vreParams(v config.VREConfig) vre.Params {
	return vre.Params{
		ShortWindow:      v.ShortWindow,
		LongWindow:       v.LongWindow,
		Confirmations:    v.Confirmations,
		CooldownCycles:   v.CooldownCycles,
		EntryLowNormal:   v.EntryLowNormal,
		EntryNormalHigh:  v.EntryNormalHigh,
		EntryHighExtreme: v.EntryHighExtreme,
		ExitExtremeHigh:  v.ExitExtremeHigh,
		ExitHighNormal:   v.ExitHighNormal,
		ExitNormalLow:    v.ExitNormalLow,
		RatioLow:         v.RatioLow,
		RatioHigh:        v.RatioHigh,
		RatioExtreme:     v.RatioExtreme,
		SpikeZ:           v.SpikeZ,
		SpikeBlock:       config.Duration(v.SpikeBlock, 2*time.Hour),
		WhipsawLosses:    v.WhipsawLosses,
		WhipsawWindow:    config.Duration(v.WhipsawWindow, 6*time.Hour),
		WhipsawBlock:     config.Duration(v.WhipsawBlock, 12*time.Hour),
	}
}

func closesOf(bars []marketdata.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}
