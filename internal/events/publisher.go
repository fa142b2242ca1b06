// Package events fans trading-core events out over NATS. Publishing is
// best-effort and optional: a nil publisher or an empty broker URL
// disables it without touching any call site.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/metrics"
)

// Subjects relative to the prefix
const (
	SubjectSignals   = "signals"
	SubjectPositions = "positions"
	SubjectOrders    = "orders"
	SubjectBreakers  = "breakers"
	SubjectRegimes   = "regimes"
	SubjectStaleness = "staleness"
	SubjectCampaigns = "campaigns"
)

// Publisher is a thin nil-safe wrapper over a NATS connection
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials the broker. An empty URL returns a nil publisher, which
// every method treats as a no-op.
func Connect(url, prefix string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = "tradecore."
	}

	nc, err := nats.Connect(
		url,
		nats.Name("tradecore"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().Str("url", url).Msg("Connected to NATS")
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		log:    log.With().Str("component", "events").Logger(),
	}, nil
}

// Publish serializes payload and emits it on prefix+subject. Failures
// are logged and dropped; the trading path never blocks on the bus.
func (p *Publisher) Publish(subject string, payload any) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}
	if err := p.nc.Publish(p.prefix+subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}
	metrics.RecordNATSPublished()
}

// Close drains in-flight messages and closes the connection
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("NATS drain failed")
	}
}
