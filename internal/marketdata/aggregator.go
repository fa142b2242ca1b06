package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BarSink receives bars as their windows close.
type BarSink func(Bar)

// buildingBar is an in-progress aggregate for one (symbol, period) window.
type buildingBar struct {
	barTS      time.Time
	open       decimal.Decimal
	high       decimal.Decimal
	low        decimal.Decimal
	close      decimal.Decimal
	volume     decimal.Decimal
	notional   decimal.Decimal // sum of price*qty, for vwap
	tradeCount int64
}

// Aggregator folds a per-symbol tick stream into 1s/1m/1h bars. A bar
// closes when the first tick of the next window arrives, or on Flush.
// The caller must feed ticks with non-decreasing timestamps (the
// pipeline filters out-of-order prints before they get here).
type Aggregator struct {
	mu       sync.Mutex
	symbol   string
	periods  []BarPeriod
	building map[BarPeriod]*buildingBar
	sink     BarSink
}

// NewAggregator creates an aggregator for one symbol. Closed bars are
// delivered to sink synchronously, smallest period first.
func NewAggregator(symbol string, periods []BarPeriod, sink BarSink) *Aggregator {
	return &Aggregator{
		symbol:   symbol,
		periods:  periods,
		building: make(map[BarPeriod]*buildingBar, len(periods)),
		sink:     sink,
	}
}

// ApplyTick folds one validated tick into every period window.
func (a *Aggregator) ApplyTick(t Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.periods {
		boundary := t.Timestamp.Truncate(p.Duration())
		cur := a.building[p]

		if cur != nil && boundary.After(cur.barTS) {
			a.emit(p, cur)
			cur = nil
		}
		if cur == nil {
			cur = &buildingBar{
				barTS: boundary,
				open:  t.Price,
				high:  t.Price,
				low:   t.Price,
			}
			a.building[p] = cur
		}

		if t.Price.GreaterThan(cur.high) {
			cur.high = t.Price
		}
		if t.Price.LessThan(cur.low) {
			cur.low = t.Price
		}
		cur.close = t.Price
		cur.volume = cur.volume.Add(t.Quantity)
		cur.notional = cur.notional.Add(t.Price.Mul(t.Quantity))
		cur.tradeCount++
	}
}

// Flush closes and emits all in-progress bars. Called on shutdown and
// when a feed goes quiet long enough that the window is provably over.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.periods {
		if cur := a.building[p]; cur != nil {
			a.emit(p, cur)
			delete(a.building, p)
		}
	}
}

// CloseExpired emits any building bar whose window ended strictly
// before now. Lets bars close during quiet stretches with no ticks.
func (a *Aggregator) CloseExpired(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.periods {
		cur := a.building[p]
		if cur != nil && !now.Before(cur.barTS.Add(p.Duration())) {
			a.emit(p, cur)
			delete(a.building, p)
		}
	}
}

func (a *Aggregator) emit(p BarPeriod, b *buildingBar) {
	if a.sink == nil {
		return
	}
	a.sink(b.toBar(a.symbol, p))
}

func (b *buildingBar) toBar(symbol string, p BarPeriod) Bar {
	vwap := b.close
	if b.volume.Sign() > 0 {
		vwap = b.notional.Div(b.volume)
	}
	return Bar{
		Symbol:     symbol,
		Period:     p.String(),
		Open:       b.open,
		High:       b.high,
		Low:        b.low,
		Close:      b.close,
		Volume:     b.volume,
		VWAP:       vwap,
		TradeCount: b.tradeCount,
		BarTS:      b.barTS,
	}
}

// AggregateBars rolls smaller-period bars into a single bar of the
// enclosing window. All inputs must belong to the same symbol and the
// same target window; used for the 1s -> 1m round trip and backfill.
func AggregateBars(bars []Bar, target BarPeriod) (Bar, error) {
	if len(bars) == 0 {
		return Bar{}, fmt.Errorf("no bars to aggregate")
	}

	out := Bar{
		Symbol: bars[0].Symbol,
		Period: target.String(),
		Open:   bars[0].Open,
		High:   bars[0].High,
		Low:    bars[0].Low,
		Close:  bars[len(bars)-1].Close,
		BarTS:  bars[0].BarTS.Truncate(target.Duration()),
	}

	notional := decimal.Zero
	for _, b := range bars {
		if b.Symbol != out.Symbol {
			return Bar{}, fmt.Errorf("mixed symbols in aggregation: %s vs %s", out.Symbol, b.Symbol)
		}
		if b.BarTS.Truncate(target.Duration()) != out.BarTS {
			return Bar{}, fmt.Errorf("bar %s outside target window %s", b.BarTS, out.BarTS)
		}
		if b.High.GreaterThan(out.High) {
			out.High = b.High
		}
		if b.Low.LessThan(out.Low) {
			out.Low = b.Low
		}
		out.Volume = out.Volume.Add(b.Volume)
		notional = notional.Add(b.VWAP.Mul(b.Volume))
		out.TradeCount += b.TradeCount
	}

	if out.Volume.Sign() > 0 {
		out.VWAP = notional.Div(out.Volume)
	} else {
		out.VWAP = out.Close
	}
	return out, nil
}
