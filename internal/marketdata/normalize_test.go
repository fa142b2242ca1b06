package marketdata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestParseLevelShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantOK  bool
		reason  DropReason
	}{
		{"object shape", `{"price": "50000.5", "quantity": "0.25"}`, true, ""},
		{"object numeric", `{"price": 50000.5, "quantity": 0.25}`, true, ""},
		{"array shape", `["50000.5", "0.25"]`, true, ""},
		{"array numeric", `[50000.5, 0.25]`, true, ""},
		{"null", `null`, false, DropMalformed},
		{"short array", `[50000.5]`, false, DropMalformed},
		{"string garbage", `"hello"`, false, DropMalformed},
		{"zero price", `[0, 1]`, false, DropNonPositive},
		{"negative quantity", `[50000, -1]`, false, DropNonPositive},
		{"over magnitude cap", `[2000000000000, 1]`, false, DropTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lvl, reason, ok := ParseLevel(raw(tt.payload))
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				assert.Equal(t, tt.reason, reason)
				return
			}
			assert.True(t, lvl.Price.Equal(d("50000.5")))
			assert.True(t, lvl.Quantity.Equal(d("0.25")))
		})
	}
}

func TestNormalizeBookOrdering(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	drops := map[DropReason]int{}
	count := func(r DropReason) { drops[r]++ }

	bids := []json.RawMessage{
		raw(`[100, 1]`),
		raw(`[99, 2]`),
		raw(`[99, 3]`),  // equal price: not strictly descending
		raw(`[101, 1]`), // ascending: violates bid order
		raw(`[98, 1]`),
	}
	asks := []json.RawMessage{
		raw(`[102, 1]`),
		raw(`[103, 1]`),
		raw(`[102.5, 1]`), // descending: violates ask order
		raw(`[104, 1]`),
		raw(`null`),
	}

	book := NormalizeBook(bids, asks, ts, count)

	require.Len(t, book.Bids, 3)
	assert.True(t, book.Bids[0].Price.Equal(d("100")))
	assert.True(t, book.Bids[1].Price.Equal(d("99")))
	assert.True(t, book.Bids[2].Price.Equal(d("98")))

	require.Len(t, book.Asks, 3)
	assert.True(t, book.Asks[0].Price.Equal(d("102")))
	assert.True(t, book.Asks[1].Price.Equal(d("103")))
	assert.True(t, book.Asks[2].Price.Equal(d("104")))

	assert.Equal(t, 3, drops[DropNonMonotonic])
	assert.Equal(t, 1, drops[DropMalformed])
	assert.Equal(t, ts, book.Timestamp)
}

func TestValidateTick(t *testing.T) {
	now := time.Now()
	good := Tick{Symbol: "BTC/USD", Price: d("50000"), Quantity: d("0.1"), Timestamp: now}

	_, ok := ValidateTick(good, time.Time{})
	assert.True(t, ok)

	// Equal timestamps are allowed: monotone non-decreasing
	_, ok = ValidateTick(good, now)
	assert.True(t, ok)

	reason, ok := ValidateTick(good, now.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, DropOutOfOrder, reason)

	bad := good
	bad.Price = d("0")
	reason, ok = ValidateTick(bad, time.Time{})
	assert.False(t, ok)
	assert.Equal(t, DropZeroPriceTrade, reason)

	bad = good
	bad.Quantity = d("-1")
	_, ok = ValidateTick(bad, time.Time{})
	assert.False(t, ok)
}

func TestValidateL1(t *testing.T) {
	ok1 := L1Quote{BidPrice: d("99"), AskPrice: d("100")}
	_, ok := ValidateL1(ok1)
	assert.True(t, ok)
	assert.True(t, ok1.Spread().Equal(d("1")))

	crossed := L1Quote{BidPrice: d("101"), AskPrice: d("100")}
	reason, ok := ValidateL1(crossed)
	assert.False(t, ok)
	assert.Equal(t, DropCrossedBook, reason)

	// bid == ask is a legal zero-spread book
	_, ok = ValidateL1(L1Quote{BidPrice: d("100"), AskPrice: d("100")})
	assert.True(t, ok)
}
