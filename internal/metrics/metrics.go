// Package metrics defines the Prometheus instrumentation shared by the
// market data pipeline, staleness guard, regime engine, breakers and
// campaign robots. All label sets are bounded.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange API error categories (bounded set)
const (
	ExchangeErrorTimeout     = "timeout"
	ExchangeErrorRateLimit   = "rate_limit"
	ExchangeErrorAuth        = "authentication"
	ExchangeErrorNetwork     = "network"
	ExchangeErrorInvalidReq  = "invalid_request"
	ExchangeErrorServerError = "server_error"
	ExchangeErrorOther       = "other"
)

// NormalizeExchangeError maps arbitrary error messages to the bounded set
func NormalizeExchangeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ExchangeErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ExchangeErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ExchangeErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ExchangeErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ExchangeErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ExchangeErrorServerError
	default:
		return ExchangeErrorOther
	}
}

// Market Data Pipeline Metrics
var (
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_ticks_ingested_total",
		Help: "Total number of trade ticks accepted by the pipeline",
	}, []string{"exchange", "symbol"})

	BarsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_bars_closed_total",
		Help: "Total number of bars closed by period",
	}, []string{"symbol", "period"})

	DroppedData = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_dropped_data_total",
		Help: "Total number of malformed or rejected feed datums by reason",
	}, []string{"feed", "reason"})

	UnsupportedSymbols = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_unsupported_symbols_total",
		Help: "Subscriptions marked UNSUPPORTED after exhausting retries",
	}, []string{"symbol"})

	RESTFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_rest_fallbacks_total",
		Help: "REST snapshot refreshes triggered by stream quiet periods",
	})

	// Staleness level per symbol/feed: 0=FRESH 1=WARN 2=HARD 3=KILL 4=QUARANTINE
	StalenessLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecore_staleness_level",
		Help: "Current staleness level (0=FRESH 1=WARN 2=HARD 3=KILL 4=QUARANTINE)",
	}, []string{"symbol", "feed"})
)

// Volatility Regime Metrics
var (
	// Regime per symbol: 0=LOW 1=NORMAL 2=HIGH 3=EXTREME
	VRERegime = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecore_vre_regime",
		Help: "Current volatility regime (0=LOW 1=NORMAL 2=HIGH 3=EXTREME)",
	}, []string{"symbol"})

	VRETransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_vre_transitions_total",
		Help: "Committed regime transitions by target regime",
	}, []string{"symbol", "regime"})
)

// Circuit Breaker Metrics
var (
	BreakerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_breaker_events_total",
		Help: "Circuit breaker events by level and type",
	}, []string{"level", "event_type"})
)

// Signal and Campaign Metrics
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_signals_generated_total",
		Help: "Trade signals emitted by the signal engine",
	}, []string{"symbol", "side"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_signals_rejected_total",
		Help: "Signals rejected before emission by reason",
	}, []string{"reason"})

	CampaignEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecore_campaign_equity_usd",
		Help: "Current campaign equity in USD",
	}, []string{"campaign_id"})

	CampaignDrawdown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecore_campaign_drawdown_pct",
		Help: "Current campaign drawdown from watermark (0.0 to 1.0)",
	}, []string{"campaign_id"})

	RobotTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecore_robot_tick_duration_ms",
		Help:    "Campaign robot decision cycle duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	RobotOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_robot_overruns_total",
		Help: "Robot ticks skipped because the previous cycle was still running",
	}, []string{"campaign_id"})

	ActiveCampaigns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecore_active_campaigns",
		Help: "Number of campaigns currently in the active state",
	})
)

// Exchange Metrics
var (
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecore_exchange_api_latency_ms",
		Help:    "Exchange API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"exchange", "endpoint"})

	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_exchange_api_errors_total",
		Help: "Total exchange API errors",
	}, []string{"exchange", "error_type"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_orders_submitted_total",
		Help: "Orders submitted to the exchange by type and status",
	}, []string{"order_type", "status"})

	WSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_ws_reconnects_total",
		Help: "WebSocket feed reconnections",
	}, []string{"exchange"})
)

// Persistence Metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecore_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecore_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecore_database_connections_idle",
		Help: "Number of idle database connections",
	})

	AuditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_audit_records_total",
		Help: "Audit chain appends by event type and status",
	}, []string{"event_type", "status"})

	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})
)

// Helper functions to update metrics

// RecordTickIngested records one accepted trade tick
func RecordTickIngested(exchange, symbol string) {
	TicksIngested.WithLabelValues(exchange, symbol).Inc()
}

// RecordBarClosed records a closed bar
func RecordBarClosed(symbol, period string) {
	BarsClosed.WithLabelValues(symbol, period).Inc()
}

// RecordDroppedDatum records a rejected feed datum
func RecordDroppedDatum(feed, reason string) {
	DroppedData.WithLabelValues(feed, reason).Inc()
}

// RecordUnsupportedSymbol records a symbol marked UNSUPPORTED
func RecordUnsupportedSymbol(symbol string) {
	UnsupportedSymbols.WithLabelValues(symbol).Inc()
}

// RecordRESTFallback records a quiet-period REST refresh sweep
func RecordRESTFallback() {
	RESTFallbacks.Inc()
}

// SetStalenessLevel sets the current staleness level gauge
func SetStalenessLevel(symbol, feed string, level int) {
	StalenessLevel.WithLabelValues(symbol, feed).Set(float64(level))
}

// SetVRERegime sets the current regime gauge for a symbol
func SetVRERegime(symbol string, regime int) {
	VRERegime.WithLabelValues(symbol).Set(float64(regime))
}

// RecordVRETransition records a committed regime change
func RecordVRETransition(symbol, regime string) {
	VRETransitions.WithLabelValues(symbol, regime).Inc()
}

// RecordBreakerEvent records a breaker trigger or reset
func RecordBreakerEvent(level, eventType string) {
	BreakerEvents.WithLabelValues(level, eventType).Inc()
}

// RecordSignal records an emitted signal
func RecordSignal(symbol, side string) {
	SignalsGenerated.WithLabelValues(symbol, side).Inc()
}

// RecordSignalRejected records a signal rejected before emission
func RecordSignalRejected(reason string) {
	SignalsRejected.WithLabelValues(reason).Inc()
}

// UpdateCampaignRisk updates the equity and drawdown gauges for a campaign
func UpdateCampaignRisk(campaignID string, equity, drawdownPct float64) {
	CampaignEquity.WithLabelValues(campaignID).Set(equity)
	CampaignDrawdown.WithLabelValues(campaignID).Set(drawdownPct)
}

// RecordRobotTick records one robot decision cycle
func RecordRobotTick(durationMs float64) {
	RobotTickDuration.Observe(durationMs)
}

// RecordRobotOverrun records a skipped robot tick
func RecordRobotOverrun(campaignID string) {
	RobotOverruns.WithLabelValues(campaignID).Inc()
}

// UpdateActiveCampaigns updates the active campaign count
func UpdateActiveCampaigns(count int) {
	ActiveCampaigns.Set(float64(count))
}

// RecordExchangeAPICall records an exchange API call with normalized error category
func RecordExchangeAPICall(exchange, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(exchange, endpoint).Observe(durationMs)
	if err != nil {
		ExchangeAPIErrors.WithLabelValues(exchange, NormalizeExchangeError(err)).Inc()
	}
}

// RecordOrderSubmitted records an order submission outcome
func RecordOrderSubmitted(orderType, status string) {
	OrdersSubmitted.WithLabelValues(orderType, status).Inc()
}

// RecordWSReconnect records a websocket reconnection
func RecordWSReconnect(exchange string) {
	WSReconnects.WithLabelValues(exchange).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordAuditRecord records an audit chain append
func RecordAuditRecord(eventType string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	AuditRecords.WithLabelValues(eventType, status).Inc()
}

// RecordNATSPublished records a published NATS message
func RecordNATSPublished() {
	NATSMessagesPublished.Inc()
}
