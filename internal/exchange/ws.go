package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/internal/marketdata"
	"github.com/quantforge/tradecore/internal/metrics"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsEventBufferSize  = 1024
)

// wire envelopes for the exchange stream
type wsEnvelope struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

type wsTrade struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	TS       int64           `json:"ts"` // unix millis
}

type wsL1 struct {
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	BidQty decimal.Decimal `json:"bid_qty"`
	AskQty decimal.Decimal `json:"ask_qty"`
	TS     int64           `json:"ts"`
}

type wsL2 struct {
	Bids []json.RawMessage `json:"bids"`
	Asks []json.RawMessage `json:"asks"`
	TS   int64             `json:"ts"`
}

type wsError struct {
	Message string `json:"message"`
}

type wsSubscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WSFeed maintains the exchange market-data WebSocket and translates
// its messages into pipeline events. It reconnects with exponential
// backoff and re-subscribes to all tracked symbols on reconnection.
type WSFeed struct {
	url      string
	exchange string

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	events chan marketdata.Event
	log    zerolog.Logger
}

// NewWSFeed creates a feed for the given stream URL
func NewWSFeed(url, exchangeName string, log zerolog.Logger) *WSFeed {
	return &WSFeed{
		url:        url,
		exchange:   exchangeName,
		subscribed: make(map[string]bool),
		events:     make(chan marketdata.Event, wsEventBufferSize),
		log:        log.With().Str("component", "ws_feed").Str("exchange", exchangeName).Logger(),
	}
}

// Events returns the pipeline-facing event channel. It is closed when
// Run returns.
func (f *WSFeed) Events() <-chan marketdata.Event { return f.events }

// Subscribe adds symbols to the stream
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{Op: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the stream
func (f *WSFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{Op: "unsubscribe", Symbols: symbols})
}

// Run connects and maintains the connection until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	defer close(f.events)
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A connection that lived a while earns a fresh backoff
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("WebSocket disconnected, reconnecting")
		metrics.RecordWSReconnect(f.exchange)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.log.Info().Msg("WebSocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *WSFeed) resubscribe() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{Op: "subscribe", Symbols: symbols})
}

func (f *WSFeed) dispatch(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log.Debug().Msg("Ignoring non-JSON ws message")
		return
	}

	switch env.Type {
	case "trade":
		var t wsTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			f.log.Error().Err(err).Msg("Unmarshal trade event")
			return
		}
		f.emit(marketdata.Event{
			Type:     marketdata.FeedTick,
			Exchange: f.exchange,
			Symbol:   env.Symbol,
			Tick: &marketdata.Tick{
				Exchange:  f.exchange,
				Symbol:    env.Symbol,
				Price:     t.Price,
				Quantity:  t.Quantity,
				Timestamp: time.UnixMilli(t.TS).UTC(),
			},
		})

	case "l1":
		var q wsL1
		if err := json.Unmarshal(env.Data, &q); err != nil {
			f.log.Error().Err(err).Msg("Unmarshal l1 event")
			return
		}
		f.emit(marketdata.Event{
			Type:     marketdata.FeedL1,
			Exchange: f.exchange,
			Symbol:   env.Symbol,
			L1: &marketdata.L1Quote{
				BidPrice:  q.Bid,
				AskPrice:  q.Ask,
				BidSize:   q.BidQty,
				AskSize:   q.AskQty,
				Timestamp: time.UnixMilli(q.TS).UTC(),
			},
		})

	case "l2":
		var d wsL2
		if err := json.Unmarshal(env.Data, &d); err != nil {
			f.log.Error().Err(err).Msg("Unmarshal l2 event")
			return
		}
		book := marketdata.NormalizeBook(d.Bids, d.Asks, time.UnixMilli(d.TS).UTC(), func(reason marketdata.DropReason) {
			metrics.RecordDroppedDatum(string(marketdata.FeedL2), string(reason))
		})
		f.emit(marketdata.Event{
			Type:     marketdata.FeedL2,
			Exchange: f.exchange,
			Symbol:   env.Symbol,
			L2:       &book,
		})

	case "error":
		var e wsError
		if err := json.Unmarshal(env.Data, &e); err != nil {
			f.log.Error().Err(err).Msg("Unmarshal error event")
			return
		}
		f.emit(marketdata.Event{
			Exchange: f.exchange,
			Symbol:   env.Symbol,
			SubError: fmt.Errorf("subscription error: %s", e.Message),
		})

	default:
		f.log.Debug().Str("type", env.Type).Msg("Unknown ws event type")
	}
}

func (f *WSFeed) emit(ev marketdata.Event) {
	select {
	case f.events <- ev:
	default:
		f.log.Warn().Str("symbol", ev.Symbol).Msg("Event channel full, dropping event")
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("Ping failed")
					f.connMu.Unlock()
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; Run will replay the subscription set
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
