package exchange

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Transport guard thresholds
const (
	exchangeMinRequests     = 5
	exchangeFailureRatio    = 0.6
	exchangeOpenTimeout     = 30 * time.Second
	exchangeHalfOpenMaxReqs = 3
	exchangeCountInterval   = 10 * time.Second

	dbMinRequests     = 10
	dbFailureRatio    = 0.6
	dbOpenTimeout     = 15 * time.Second
	dbHalfOpenMaxReqs = 5
	dbCountInterval   = 10 * time.Second
)

// guardMetrics holds the transport-level circuit breaker gauges,
// registered exactly once.
type guardMetrics struct {
	state *prometheus.GaugeVec
}

var (
	globalGuardMetrics *guardMetrics
	guardMetricsOnce   sync.Once
)

func initGuardMetrics() {
	guardMetricsOnce.Do(func() {
		globalGuardMetrics = &guardMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tradecore_transport_breaker_state",
					Help: "Transport circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"service"},
			),
		}
	})
}

// TransportGuard wraps exchange and database calls in gobreaker
// circuit breakers so a failing dependency sheds load quickly. This is
// the I/O-level guard; the loss-based trading breakers live elsewhere.
type TransportGuard struct {
	exchange *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
	metrics  *guardMetrics
}

// GuardSettings holds circuit breaker configuration for a single service
type GuardSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// NewTransportGuard creates a guard with production settings
func NewTransportGuard() *TransportGuard {
	return NewTransportGuardWithSettings(nil, nil)
}

// NewTransportGuardWithSettings creates a guard; nil settings fall back
// to the defaults above.
func NewTransportGuardWithSettings(exchangeSettings, dbSettings *GuardSettings) *TransportGuard {
	initGuardMetrics()

	g := &TransportGuard{metrics: globalGuardMetrics}

	if exchangeSettings == nil {
		exchangeSettings = &GuardSettings{
			MinRequests:     exchangeMinRequests,
			FailureRatio:    exchangeFailureRatio,
			OpenTimeout:     exchangeOpenTimeout,
			HalfOpenMaxReqs: exchangeHalfOpenMaxReqs,
			CountInterval:   exchangeCountInterval,
		}
	}
	if dbSettings == nil {
		dbSettings = &GuardSettings{
			MinRequests:     dbMinRequests,
			FailureRatio:    dbFailureRatio,
			OpenTimeout:     dbOpenTimeout,
			HalfOpenMaxReqs: dbHalfOpenMaxReqs,
			CountInterval:   dbCountInterval,
		}
	}

	g.exchange = gobreaker.NewCircuitBreaker(breakerSettings("exchange", exchangeSettings, g))
	g.database = gobreaker.NewCircuitBreaker(breakerSettings("database", dbSettings, g))

	g.updateMetrics("exchange", g.exchange.State())
	g.updateMetrics("database", g.database.State())

	return g
}

func breakerSettings(name string, s *GuardSettings, g *TransportGuard) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.updateMetrics(name, to)
		},
	}
}

// NewPassthroughTransportGuard creates a guard that never trips, for
// tests that exercise other components.
func NewPassthroughTransportGuard() *TransportGuard {
	initGuardMetrics()

	g := &TransportGuard{metrics: globalGuardMetrics}
	neverTrip := func(counts gobreaker.Counts) bool { return false }

	g.exchange = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange_passthrough",
		MaxRequests: 1000,
		Timeout:     time.Millisecond,
		ReadyToTrip: neverTrip,
	})
	g.database = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database_passthrough",
		MaxRequests: 1000,
		Timeout:     time.Millisecond,
		ReadyToTrip: neverTrip,
	})

	return g
}

// Exchange runs fn through the exchange breaker
func (g *TransportGuard) Exchange(fn func() (any, error)) (any, error) {
	return g.exchange.Execute(fn)
}

// Database runs fn through the database breaker
func (g *TransportGuard) Database(fn func() (any, error)) (any, error) {
	return g.database.Execute(fn)
}

// ExchangeState returns the exchange breaker state
func (g *TransportGuard) ExchangeState() gobreaker.State {
	return g.exchange.State()
}

func (g *TransportGuard) updateMetrics(service string, state gobreaker.State) {
	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateOpen:
		stateValue = 1
	case gobreaker.StateHalfOpen:
		stateValue = 2
	}
	g.metrics.state.WithLabelValues(service).Set(stateValue)
}
