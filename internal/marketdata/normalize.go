package marketdata

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// maxLevelMagnitude rejects levels with absurd prices or quantities that
// some venues emit during auction resets.
var maxLevelMagnitude = decimal.NewFromInt(1_000_000_000_000)

// DropReason categorizes why a datum was discarded. Counters per reason
// feed the dropped-data metrics; the reader never fails on bad input.
type DropReason string

const (
	DropNonFinite      DropReason = "non_finite"
	DropNonPositive    DropReason = "non_positive"
	DropTooLarge       DropReason = "too_large"
	DropMalformed      DropReason = "malformed"
	DropOutOfOrder     DropReason = "out_of_order"
	DropCrossedBook    DropReason = "crossed_book"
	DropNonMonotonic   DropReason = "non_monotonic_levels"
	DropZeroPriceTrade DropReason = "zero_price_trade"
)

// rawLevel accepts both {"price": x, "quantity": y} and [x, y] shapes.
type rawLevel struct {
	Price    json.Number `json:"price"`
	Quantity json.Number `json:"quantity"`
}

// ParseLevel normalizes one raw depth level. The payload may be an
// object or a two-element array; anything else is malformed.
func ParseLevel(raw json.RawMessage) (PriceLevel, DropReason, bool) {
	var lvl rawLevel
	if err := json.Unmarshal(raw, &lvl); err != nil {
		var arr []json.Number
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 2 {
			return PriceLevel{}, DropMalformed, false
		}
		lvl.Price, lvl.Quantity = arr[0], arr[1]
	}
	return validateLevel(lvl)
}

func validateLevel(lvl rawLevel) (PriceLevel, DropReason, bool) {
	pf, err1 := lvl.Price.Float64()
	qf, err2 := lvl.Quantity.Float64()
	if err1 != nil || err2 != nil {
		return PriceLevel{}, DropMalformed, false
	}
	if math.IsNaN(pf) || math.IsInf(pf, 0) || math.IsNaN(qf) || math.IsInf(qf, 0) {
		return PriceLevel{}, DropNonFinite, false
	}
	price, err1 := decimal.NewFromString(lvl.Price.String())
	qty, err2 := decimal.NewFromString(lvl.Quantity.String())
	if err1 != nil || err2 != nil {
		return PriceLevel{}, DropMalformed, false
	}
	if price.Sign() <= 0 || qty.Sign() <= 0 {
		return PriceLevel{}, DropNonPositive, false
	}
	if price.Abs().GreaterThan(maxLevelMagnitude) || qty.Abs().GreaterThan(maxLevelMagnitude) {
		return PriceLevel{}, DropTooLarge, false
	}
	return PriceLevel{Price: price, Quantity: qty}, "", true
}

// NormalizeBook parses raw bid/ask level arrays into an L2Book. Invalid
// levels are skipped and counted; levels violating price monotonicity
// (bids strictly descending, asks strictly ascending) are dropped from
// the point of violation onward.
func NormalizeBook(rawBids, rawAsks []json.RawMessage, ts time.Time, dropped func(DropReason)) L2Book {
	book := L2Book{Timestamp: ts}

	for _, raw := range rawBids {
		lvl, reason, ok := ParseLevel(raw)
		if !ok {
			if dropped != nil {
				dropped(reason)
			}
			continue
		}
		if n := len(book.Bids); n > 0 && !lvl.Price.LessThan(book.Bids[n-1].Price) {
			if dropped != nil {
				dropped(DropNonMonotonic)
			}
			continue
		}
		book.Bids = append(book.Bids, lvl)
	}

	for _, raw := range rawAsks {
		lvl, reason, ok := ParseLevel(raw)
		if !ok {
			if dropped != nil {
				dropped(reason)
			}
			continue
		}
		if n := len(book.Asks); n > 0 && !lvl.Price.GreaterThan(book.Asks[n-1].Price) {
			if dropped != nil {
				dropped(DropNonMonotonic)
			}
			continue
		}
		book.Asks = append(book.Asks, lvl)
	}

	return book
}

// ValidateTick rejects prints that would corrupt aggregation state.
// lastTS is the most recent accepted timestamp for the symbol; ticks
// must be monotone non-decreasing per symbol.
func ValidateTick(t Tick, lastTS time.Time) (DropReason, bool) {
	if t.Price.Sign() <= 0 {
		return DropZeroPriceTrade, false
	}
	if t.Quantity.Sign() < 0 {
		return DropNonPositive, false
	}
	if t.Price.Abs().GreaterThan(maxLevelMagnitude) {
		return DropTooLarge, false
	}
	if !lastTS.IsZero() && t.Timestamp.Before(lastTS) {
		return DropOutOfOrder, false
	}
	return "", true
}

// ValidateL1 rejects quotes with a crossed or non-positive book.
func ValidateL1(q L1Quote) (DropReason, bool) {
	if q.BidPrice.Sign() <= 0 || q.AskPrice.Sign() <= 0 {
		return DropNonPositive, false
	}
	if q.AskPrice.LessThan(q.BidPrice) {
		return DropCrossedBook, false
	}
	return "", true
}
