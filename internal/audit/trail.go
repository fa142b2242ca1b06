// Package audit maintains the append-only, hash-chained audit trail.
// Every state-changing action in the trading core lands here: order
// creation, position transitions, breaker triggers and resets,
// staleness escalations and regime changes. Records are linked by
// hash(n) = SHA-256(hash(n-1) || record(n)), so any tampering with a
// stored record breaks the chain downstream of it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quantforge/tradecore/internal/breaker"
	"github.com/quantforge/tradecore/internal/metrics"
	"github.com/quantforge/tradecore/internal/staleness"
	"github.com/quantforge/tradecore/internal/vre"
)

// Severity levels for trail records
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// GenesisHash anchors the chain before the first record
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one link of the audit chain. Hash covers PrevHash plus the
// serialized record body; re-serializing a stored record reproduces the
// same hash input.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity"`
	Resource  string          `json:"resource,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// hashInput is the canonical serialization covered by the hash. The
// Hash field itself is excluded.
func (r *Record) hashInput() ([]byte, error) {
	body := struct {
		ID        uuid.UUID       `json:"id"`
		Sequence  int64           `json:"sequence"`
		EventType string          `json:"event_type"`
		Severity  string          `json:"severity"`
		Resource  string          `json:"resource,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Timestamp time.Time       `json:"ts"`
	}{r.ID, r.Sequence, r.EventType, r.Severity, r.Resource, r.Payload, r.Timestamp}
	return json.Marshal(body)
}

func chainHash(prevHash string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Trail is the process-wide audit appender. Safe for concurrent use;
// append order defines chain order.
type Trail struct {
	mu       sync.Mutex
	lastHash string
	seq      int64

	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewTrail creates a trail continuing from the given head. Pass
// GenesisHash and sequence 0 for a fresh chain; db may be nil in paper
// setups, records then live in the log stream only.
func NewTrail(db *pgxpool.Pool, headHash string, headSeq int64, log zerolog.Logger) *Trail {
	if headHash == "" {
		headHash = GenesisHash
	}
	return &Trail{
		lastHash: headHash,
		seq:      headSeq,
		db:       db,
		log:      log.With().Str("component", "audit_trail").Logger(),
	}
}

// LoadHead reads the persisted chain head so a restarted process
// continues the chain instead of forking it. An empty table yields the
// genesis head.
func LoadHead(ctx context.Context, db *pgxpool.Pool) (hash string, seq int64, err error) {
	row := db.QueryRow(ctx, `
		SELECT hash, sequence FROM audit_trail
		ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&hash, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GenesisHash, 0, nil
		}
		return "", 0, fmt.Errorf("load audit head: %w", err)
	}
	return hash, seq, nil
}

// Head returns the current chain head
func (t *Trail) Head() (hash string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHash, t.seq
}

// Append links a new record onto the chain and persists it. The
// returned record carries its computed hash.
func (t *Trail) Append(ctx context.Context, eventType, severity, resource string, payload any) (*Record, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal audit payload: %w", err)
		}
		raw = b
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &Record{
		ID:        uuid.New(),
		Sequence:  t.seq + 1,
		EventType: eventType,
		Severity:  severity,
		Resource:  resource,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		PrevHash:  t.lastHash,
	}
	body, err := rec.hashInput()
	if err != nil {
		return nil, fmt.Errorf("serialize audit record: %w", err)
	}
	rec.Hash = chainHash(rec.PrevHash, body)

	t.lastHash = rec.Hash
	t.seq = rec.Sequence

	evt := t.log.Info()
	if severity == SeverityCritical {
		evt = t.log.Error()
	} else if severity == SeverityWarning {
		evt = t.log.Warn()
	}
	evt.
		Str("event_type", eventType).
		Str("resource", resource).
		Int64("sequence", rec.Sequence).
		Str("hash", rec.Hash).
		Msg("Audit record appended")

	if t.db != nil {
		if err := t.persist(ctx, rec); err != nil {
			// The in-memory chain already advanced; surface the gap
			t.log.Error().Err(err).Int64("sequence", rec.Sequence).Msg("Failed to persist audit record")
			metrics.RecordAuditRecord(eventType, false)
			return rec, err
		}
	}
	metrics.RecordAuditRecord(eventType, true)
	return rec, nil
}

func (t *Trail) persist(ctx context.Context, rec *Record) error {
	start := time.Now()
	_, err := t.db.Exec(ctx, `
		INSERT INTO audit_trail (
			id, sequence, event_type, severity, resource, payload, ts, prev_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Sequence, rec.EventType, rec.Severity, rec.Resource,
		[]byte(rec.Payload), rec.Timestamp, rec.PrevHash, rec.Hash,
	)
	metrics.RecordDatabaseQuery("insert_audit_trail", float64(time.Since(start).Milliseconds()))
	return err
}

// Verify walks a stored chain segment and reports the first break. The
// segment must start at the record whose PrevHash is fromHash.
func Verify(records []Record, fromHash string) error {
	prev := fromHash
	if prev == "" {
		prev = GenesisHash
	}
	for i := range records {
		rec := &records[i]
		if rec.PrevHash != prev {
			return fmt.Errorf("audit chain broken at sequence %d: prev_hash mismatch", rec.Sequence)
		}
		body, err := rec.hashInput()
		if err != nil {
			return fmt.Errorf("audit chain at sequence %d: %w", rec.Sequence, err)
		}
		if chainHash(rec.PrevHash, body) != rec.Hash {
			return fmt.Errorf("audit chain broken at sequence %d: hash mismatch", rec.Sequence)
		}
		prev = rec.Hash
	}
	return nil
}

// Audit implements the campaign audit sink. Severity derives from the
// event type.
func (t *Trail) Audit(ctx context.Context, eventType string, payload any) {
	severity := SeverityInfo
	switch eventType {
	case "manual_reconciliation_required":
		severity = SeverityCritical
	case "campaign_stopped":
		severity = SeverityWarning
	}
	if _, err := t.Append(ctx, eventType, severity, "", payload); err != nil {
		t.log.Error().Err(err).Str("event_type", eventType).Msg("Audit append failed")
	}
}

// BreakerEvent implements the circuit-breaker event sink
func (t *Trail) BreakerEvent(ctx context.Context, ev breaker.Event) {
	severity := SeverityWarning
	if ev.Type == breaker.EventReset {
		severity = SeverityInfo
	}
	if _, err := t.Append(ctx, "circuit_breaker_"+string(ev.Type), severity, ev.Symbol, ev); err != nil {
		t.log.Error().Err(err).Msg("Audit append failed for breaker event")
	}
}

// StalenessEvent implements the staleness guard event sink
func (t *Trail) StalenessEvent(ctx context.Context, ev staleness.Event) {
	severity := SeverityInfo
	switch ev.Severity {
	case "HARD", "KILL", "QUARANTINE":
		severity = SeverityWarning
	}
	if _, err := t.Append(ctx, "staleness_"+ev.Severity, severity, ev.Symbol, ev); err != nil {
		t.log.Error().Err(err).Msg("Audit append failed for staleness event")
	}
}

// RegimeChange implements the VRE decision sink
func (t *Trail) RegimeChange(ctx context.Context, d vre.Decision, from vre.Regime) {
	payload := struct {
		vre.Decision
		From string `json:"from_regime"`
	}{d, from.String()}
	if _, err := t.Append(ctx, "regime_change", SeverityInfo, d.Symbol, payload); err != nil {
		t.log.Error().Err(err).Msg("Audit append failed for regime change")
	}
}
