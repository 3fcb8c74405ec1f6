// Package compositor implements the Verdict Compositor: it merges a
// StructuralVerdict and an anti-proxy Analysis into a final
// AttendanceRecord, commits it to the EvidenceStore under a
// single-writer compare-and-set rule, and countersigns it with
// Ed25519 independent of the HMAC used for the challenge leg.
package compositor

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/logging"
	"attendcheckd/internal/model"
	"attendcheckd/internal/signer"
)

// ErrOverrideUnauthorised is returned by ApplyOverride when the
// authorisation predicate rejects the request.
var ErrOverrideUnauthorised = errors.New("compositor: override not authorised")

// ErrRecordNotFound is returned by ApplyOverride when recordId does
// not name a record this Compositor committed.
var ErrRecordNotFound = errors.New("compositor: record not found")

// AuthorizeOverride decides whether actorID may apply an override to
// record. Supplied by the caller at construction time (§6).
type AuthorizeOverride func(ctx context.Context, actorID string, record model.AttendanceRecord) bool

// Compositor merges verdict + analysis into AttendanceRecords.
type Compositor struct {
	store      evidencestore.Store
	signingKey ed25519.PrivateKey
	authorize  AuthorizeOverride
	clock      clockwork.Clock
	log        *logging.Logger
}

// New constructs a Compositor. signingKey may be nil, in which case
// committed records are left unsigned (RecordSignature empty) — a
// deployment choice documented at call sites, never silently assumed.
// clock and log may be nil.
func New(store evidencestore.Store, signingKey ed25519.PrivateKey, authorize AuthorizeOverride, clock clockwork.Clock, log *logging.Logger) *Compositor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logging.Default()
	}
	if authorize == nil {
		authorize = func(context.Context, string, model.AttendanceRecord) bool { return false }
	}
	return &Compositor{store: store, signingKey: signingKey, authorize: authorize, clock: clock, log: log.WithComponent("compositor")}
}

// Composite implements the §4.6 outcome rules and the §5 compare-and-
// set commit: the first response for a given (sessionId, participantId)
// to commit wins; a second, simultaneous response for the same pair is
// treated as a duplicate submission whose analysis is already stored
// by the Analyzer, and whose record is the winner's (unchanged).
func (c *Compositor) Composite(ctx context.Context, verdict model.StructuralVerdict, analysis model.Analysis) (model.AttendanceRecord, error) {
	record := model.AttendanceRecord{
		SessionID:     verdict.SessionID,
		ParticipantID: verdict.ParticipantID,
		RiskScore:     analysis.RiskScore,
		Flags:         analysis.Flags,
		Timestamp:     c.clock.Now(),
	}

	switch verdict.Status {
	case model.StructuralFail:
		record.Outcome = model.OutcomeRejected
		record.RiskScore = 100
	case model.StructuralExpired:
		record.Outcome = model.OutcomeFlagged
		record.Flags.Set(model.FlagLateResponse)
	case model.StructuralOK:
		if analysis.Flags.Any() {
			record.Outcome = model.OutcomeFlagged
		} else {
			record.Outcome = model.OutcomePresent
		}
	default:
		record.Outcome = model.OutcomeRejected
		record.RiskScore = 100
	}

	record.RecordID = recordID(verdict.SessionID, verdict.ParticipantID, record.Timestamp)

	if err := c.sign(&record); err != nil {
		c.log.Warn("failed to sign attendance record", "recordId", record.RecordID, "err", err)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("compositor: encode record: %w", err)
	}

	if verdict.SessionID == "" && verdict.ParticipantID == "" {
		// No trusted identity at all — the response never got far enough
		// through the Verifier (§4.4 steps 1-2) for its payload to be
		// authenticated, so there is no real (sessionId, participantId)
		// pair to deduplicate against. Committing these under the
		// shared AttendanceKey("", "") would let one unrelated garbage
		// submission's CAS win block every later one system-wide, so
		// each is stored under its own RecordID instead of racing for
		// a commit it was never a candidate to win.
		key := evidencestore.AttendanceKey(record.RecordID, "")
		if err := c.store.PutWithTTL(ctx, key, raw, analysisRetention); err != nil {
			return record, fmt.Errorf("compositor: commit record: %w", err)
		}
		c.log.Info("attendance record committed (no authenticated identity)", "recordId", record.RecordID, "outcome", record.Outcome)
		return record, nil
	}

	key := evidencestore.AttendanceKey(verdict.SessionID, verdict.ParticipantID)
	committed, existing, err := c.store.PutIfAbsent(ctx, key, raw, analysisRetention)
	if err != nil {
		return record, fmt.Errorf("compositor: commit record: %w", err)
	}
	if committed {
		c.log.Info("attendance record committed", "recordId", record.RecordID, "outcome", record.Outcome)
		return record, nil
	}

	// Lost the race: the earlier commit is canonical. Per §3's
	// invariant, re-submissions update only the evidence unless the
	// earlier record was flagged — but the Analyzer has already
	// persisted this submission's Analysis regardless, so nothing
	// further is required here beyond returning the winner's record.
	var winner model.AttendanceRecord
	if err := json.Unmarshal(existing, &winner); err != nil {
		return record, fmt.Errorf("compositor: decode winning record: %w", err)
	}
	winner.Duplicate = true
	c.log.Info("duplicate submission, earlier commit wins", "recordId", winner.RecordID)
	return winner, nil
}

// analysisRetention bounds how long a committed AttendanceRecord is
// retained for compare-and-set purposes; sessions are expected to
// close well within this window.
const analysisRetention = 30 * 24 * time.Hour

func recordID(sessionID, participantID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", sessionID, participantID, ts.UnixNano())
}

func (c *Compositor) sign(record *model.AttendanceRecord) error {
	if len(c.signingKey) == 0 {
		return nil
	}
	record.RecordSignature = ""
	canonical, err := json.Marshal(record)
	if err != nil {
		return err
	}
	sig := signer.SignRecord(c.signingKey, canonical)
	record.RecordSignature = hex.EncodeToString(sig)
	return nil
}

// ApplyOverride transitions a flagged record to present or rejected,
// gated by the AuthorizeOverride predicate supplied at construction.
func (c *Compositor) ApplyOverride(ctx context.Context, sessionID, participantID, actorID, reason string, newOutcome model.Outcome) (model.AttendanceRecord, error) {
	key := evidencestore.AttendanceKey(sessionID, participantID)
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("%w: %v", ErrRecordNotFound, err)
	}
	var record model.AttendanceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("compositor: decode record: %w", err)
	}

	if !c.authorize(ctx, actorID, record) {
		return model.AttendanceRecord{}, ErrOverrideUnauthorised
	}

	prev := record.Outcome
	record.Override = &model.Override{
		ActorID: actorID, Reason: reason, PrevOutcome: prev, NewOutcome: newOutcome, AppliedAt: c.clock.Now(),
	}
	record.Outcome = newOutcome

	if err := c.sign(&record); err != nil {
		c.log.Warn("failed to re-sign overridden record", "recordId", record.RecordID, "err", err)
	}

	raw, err = json.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("compositor: encode overridden record: %w", err)
	}
	if err := c.store.PutWithTTL(ctx, key, raw, analysisRetention); err != nil {
		return record, fmt.Errorf("compositor: persist override: %w", err)
	}

	c.log.Info("override applied", "recordId", record.RecordID, "actorId", actorID, "prevOutcome", prev, "newOutcome", newOutcome)
	return record, nil
}

// VerifyRecordSignature re-derives whether record's RecordSignature
// was produced by pub for this exact record content.
func VerifyRecordSignature(pub ed25519.PublicKey, record model.AttendanceRecord) (bool, error) {
	sig, err := hex.DecodeString(record.RecordSignature)
	if err != nil {
		return false, fmt.Errorf("compositor: decode record signature: %w", err)
	}
	record.RecordSignature = ""
	canonical, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("compositor: encode record: %w", err)
	}
	return signer.VerifyRecord(pub, canonical, sig), nil
}
