package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/tradecore/internal/breaker"
	"github.com/quantforge/tradecore/internal/staleness"
	"github.com/quantforge/tradecore/internal/vre"
)

func newTestTrail() *Trail {
	return NewTrail(nil, GenesisHash, 0, zerolog.Nop())
}

func TestAppendLinksChain(t *testing.T) {
	trail := newTestTrail()
	ctx := context.Background()

	first, err := trail.Append(ctx, "order_created", SeverityInfo, "ord-1", map[string]string{"symbol": "BTC/USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	second, err := trail.Append(ctx, "position_opened", SeverityInfo, "pos-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.Hash, second.PrevHash)

	head, seq := trail.Head()
	assert.Equal(t, second.Hash, head)
	assert.Equal(t, int64(2), seq)
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail := newTestTrail()
	ctx := context.Background()

	var records []Record
	for _, et := range []string{"order_created", "position_opened", "position_closed"} {
		rec, err := trail.Append(ctx, et, SeverityInfo, "", map[string]string{"k": et})
		require.NoError(t, err)
		records = append(records, *rec)
	}

	require.NoError(t, Verify(records, GenesisHash))

	// Mutating a mid-chain record must break verification
	tampered := make([]Record, len(records))
	copy(tampered, records)
	tampered[1].Resource = "forged"
	err := Verify(tampered, GenesisHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence 2")

	// Dropping a record breaks the prev_hash linkage
	gapped := []Record{records[0], records[2]}
	assert.Error(t, Verify(gapped, GenesisHash))
}

func TestVerifyFromMidChainHead(t *testing.T) {
	trail := newTestTrail()
	ctx := context.Background()

	var records []Record
	for i := 0; i < 4; i++ {
		rec, err := trail.Append(ctx, "order_created", SeverityInfo, "", nil)
		require.NoError(t, err)
		records = append(records, *rec)
	}

	// A segment verifies against the hash it continues from
	require.NoError(t, Verify(records[2:], records[1].Hash))
	assert.Error(t, Verify(records[2:], records[0].Hash))
}

func TestHashInputIsReproducible(t *testing.T) {
	trail := newTestTrail()
	rec, err := trail.Append(context.Background(), "order_created", SeverityInfo, "ord-1", map[string]any{
		"price": "50000.25",
		"qty":   "0.1",
	})
	require.NoError(t, err)

	// Re-serializing the stored record reproduces the same hash input
	first, err := rec.hashInput()
	require.NoError(t, err)
	second, err := rec.hashInput()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, rec.Hash, chainHash(rec.PrevHash, first))
}

func TestBreakerEventSink(t *testing.T) {
	trail := newTestTrail()

	trail.BreakerEvent(context.Background(), breaker.Event{
		Portfolio: "port-1",
		Level:     breaker.LevelAsset,
		Type:      breaker.EventTriggered,
		Symbol:    "BTC/USD",
		Reason:    "consecutive_losses",
		Timestamp: time.Now().UTC(),
	})
	trail.BreakerEvent(context.Background(), breaker.Event{
		Portfolio: "port-1",
		Level:     breaker.LevelAsset,
		Type:      breaker.EventReset,
		Symbol:    "BTC/USD",
		Reason:    "manual_reset",
		Timestamp: time.Now().UTC(),
	})

	_, seq := trail.Head()
	assert.Equal(t, int64(2), seq)
}

func TestStalenessAndRegimeSinks(t *testing.T) {
	trail := newTestTrail()

	trail.StalenessEvent(context.Background(), staleness.Event{
		Exchange:         "paper",
		Symbol:           "BTC/USD",
		StalenessSeconds: 13.2,
		Severity:         "HARD",
		ActionTaken:      "signals_zeroed",
		Timestamp:        time.Now().UTC(),
	})
	trail.RegimeChange(context.Background(), vre.Decision{
		Symbol:     "BTC/USD",
		RegimeName: "high",
		Changed:    true,
		Timestamp:  time.Now().UTC(),
	}, vre.Normal)

	_, seq := trail.Head()
	assert.Equal(t, int64(2), seq)
}

func TestCampaignSinkSeverities(t *testing.T) {
	trail := newTestTrail()
	ctx := context.Background()

	trail.Audit(ctx, "manual_reconciliation_required", map[string]string{"campaign_id": "c-1"})
	trail.Audit(ctx, "campaign_stopped", map[string]string{"campaign_id": "c-1"})
	trail.Audit(ctx, "position_opened", nil)

	_, seq := trail.Head()
	assert.Equal(t, int64(3), seq)
}
