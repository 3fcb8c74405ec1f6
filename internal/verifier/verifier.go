// Package verifier implements the Response Verifier: it decodes a
// signed response, recomputes its MAC, checks the response against
// the stored Challenge for replay/tampering/expiry, and emits a
// StructuralVerdict plus the trusted identity fields extracted from
// the now-authenticated payload.
//
// The Verifier never inspects radio, location, or wifi evidence —
// only the cryptography and timing of the challenge itself. Anti-fraud
// signal fusion is the Analyzer's job (internal/antiproxy).
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/logging"
	"attendcheckd/internal/mac"
	"attendcheckd/internal/model"
	"attendcheckd/internal/security"
	"attendcheckd/internal/wire"
)

// ErrInvalidChallenge is returned (wrapped) whenever step 1-5 of the
// algorithm in §4.4 fails; it never escapes Verify as an error — it is
// folded into the returned StructuralVerdict's Reason.
var ErrInvalidChallenge = errors.New("verifier: invalid challenge")

// Verifier checks signed responses against stored Challenges.
type Verifier struct {
	signer *mac.Signer
	store  evidencestore.Store
	log    *logging.Logger
}

// New constructs a Verifier. log may be nil, in which case
// logging.Default() is used.
func New(signer *mac.Signer, store evidencestore.Store, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.Default()
	}
	return &Verifier{signer: signer, store: store, log: log.WithComponent("verifier")}
}

// Verify runs the §4.4 algorithm against a raw wire-format blob, in
// short-circuiting order. Expiry is judged from the payload's own
// timestamp against the stored expiresAt; now is not consulted.
func (v *Verifier) Verify(ctx context.Context, blob []byte, now time.Time) model.StructuralVerdict {
	env, err := wire.Decode(blob)
	if err != nil {
		return v.fail("malformed envelope: " + err.Error())
	}

	ok, err := v.signer.VerifyHex(env.Payload.MACPayload(), env.Signature)
	if err != nil {
		return v.fail("mac verification error: " + err.Error())
	}
	if !ok {
		return v.fail("signature mismatch")
	}

	// From here on the MAC has already verified, so env.Payload's
	// identity fields are authenticated (§4.4 step 7) even though the
	// response goes on to fail for other reasons — every failure
	// branch below carries them on the returned verdict so the
	// Compositor and Analyzer key their writes by the real
	// (sessionId, participantId) instead of colliding on empty strings.
	raw, err := v.store.Get(ctx, evidencestore.ChallengeKey(env.Payload.SessionID))
	if err != nil {
		// Challenge lookup is the one critical EvidenceStore read: a
		// miss or an unavailable store both fail closed (§5, §7).
		return v.failAuthenticated(env.Payload, "no challenge on record for session")
	}
	var ch model.Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return v.failAuthenticated(env.Payload, "stored challenge corrupt")
	}

	if !security.SecureCompare([]byte(env.Payload.ChallengeCode), []byte(ch.ChallengeCode)) {
		return v.failAuthenticated(env.Payload, "challenge code mismatch")
	}
	if !security.SecureCompare([]byte(env.Payload.Nonce), []byte(ch.Nonce)) {
		return v.failAuthenticated(env.Payload, "nonce mismatch")
	}

	respondedAt := time.UnixMilli(env.Payload.TimestampMs).UTC()
	latency := respondedAt.Sub(ch.IssuedAt)

	verdict := model.StructuralVerdict{
		Status:          model.StructuralOK,
		ResponseLatency: latency,
		ParticipantID:   env.Payload.StudentID,
		DeviceID:        env.Payload.DeviceID,
		SessionID:       env.Payload.SessionID,
		RespondedAt:     respondedAt,
	}
	if respondedAt.After(ch.ExpiresAt) {
		verdict.Status = model.StructuralExpired
		verdict.Reason = "response received after challenge expiry"
	}
	return verdict
}

func (v *Verifier) fail(reason string) model.StructuralVerdict {
	v.log.Warn("structural verification failed", "reason", reason)
	return model.StructuralVerdict{
		Status: model.StructuralFail,
		Reason: fmt.Sprintf("%s: %s", ErrInvalidChallenge, reason),
	}
}

// failAuthenticated is fail for the post-MAC branches: payload has
// already passed signature verification, so its identity fields are
// trusted and carried on the verdict even though the response is
// ultimately rejected.
func (v *Verifier) failAuthenticated(payload wire.Payload, reason string) model.StructuralVerdict {
	v.log.Warn("structural verification failed", "reason", reason, "sessionId", payload.SessionID, "participantId", payload.StudentID)
	return model.StructuralVerdict{
		Status:        model.StructuralFail,
		Reason:        fmt.Sprintf("%s: %s", ErrInvalidChallenge, reason),
		ParticipantID: payload.StudentID,
		DeviceID:      payload.DeviceID,
		SessionID:     payload.SessionID,
	}
}
