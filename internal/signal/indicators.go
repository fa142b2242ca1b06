package signal

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/quantforge/tradecore/internal/marketdata"
)

const (
	emaFastPeriod = 12
	emaSlowPeriod = 36
	atrPeriod     = 14

	// minBars is the smallest close series that yields a stable slow
	// EMA and a full ATR window.
	minBars = emaSlowPeriod + atrPeriod
)

// Indicators is the snapshot of indicator values at one evaluation.
type Indicators struct {
	EMA12 float64
	EMA36 float64
	ATR   float64
}

func sliceToChan(vals []float64) chan float64 {
	ch := make(chan float64, len(vals))
	for _, v := range vals {
		ch <- v
	}
	close(ch)
	return ch
}

func lastValue(ch <-chan float64) (float64, bool) {
	var last float64
	ok := false
	for v := range ch {
		last = v
		ok = true
	}
	return last, ok
}

// computeIndicators derives EMA12, EMA36 and ATR(14) from a bar series
// using cinar/indicator streams. Bars must be oldest-first.
func computeIndicators(bars []marketdata.Bar) (Indicators, error) {
	if len(bars) < minBars {
		return Indicators{}, fmt.Errorf("insufficient bars: have %d, need %d", len(bars), minBars)
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
	}

	ema12, ok := lastValue(trend.NewEmaWithPeriod[float64](emaFastPeriod).Compute(sliceToChan(closes)))
	if !ok {
		return Indicators{}, fmt.Errorf("no EMA%d values calculated", emaFastPeriod)
	}
	ema36, ok := lastValue(trend.NewEmaWithPeriod[float64](emaSlowPeriod).Compute(sliceToChan(closes)))
	if !ok {
		return Indicators{}, fmt.Errorf("no EMA%d values calculated", emaSlowPeriod)
	}
	atr, ok := lastValue(volatility.NewAtr[float64]().Compute(sliceToChan(highs), sliceToChan(lows), sliceToChan(closes)))
	if !ok {
		return Indicators{}, fmt.Errorf("no ATR values calculated")
	}

	return Indicators{EMA12: ema12, EMA36: ema36, ATR: atr}, nil
}
