// Package challenge implements the Challenge Issuer: it mints
// time-bounded challenge material for a session and persists it to
// the EvidenceStore under challenge:{sessionId}.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/logging"
	"attendcheckd/internal/model"
)

// Config controls the Issuer's challenge sizing and validity window.
type Config struct {
	ValidityWindow time.Duration
	CodeBytes      int
	NonceBytes     int
}

// DefaultConfig returns the spec defaults: 15s validity, 32-byte code,
// 16-byte nonce.
func DefaultConfig() Config {
	return Config{
		ValidityWindow: 15 * time.Second,
		CodeBytes:      32,
		NonceBytes:     16,
	}
}

// Issuer creates and persists Challenges.
type Issuer struct {
	cfg   Config
	store evidencestore.Store
	clock clockwork.Clock
	log   *logging.Logger
}

// New constructs an Issuer. clock and log may be nil, in which case
// clockwork.NewRealClock() and logging.Default() are used.
func New(cfg Config, store evidencestore.Store, clock clockwork.Clock, log *logging.Logger) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logging.Default()
	}
	return &Issuer{cfg: cfg, store: store, clock: clock, log: log.WithComponent("challenge")}
}

// Issue samples challengeCode and nonce from a cryptographically
// strong source, stamps issuedAt/expiresAt from the injected clock,
// and persists the Challenge to the EvidenceStore under
// challenge:{sessionId}. Reissuing for a sessionId already holding a
// challenge overwrites it and is logged.
func (iss *Issuer) Issue(ctx context.Context, sessionID, organiserID string) (*model.Challenge, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("challenge: sessionId is required")
	}

	codeBytes := make([]byte, iss.cfg.CodeBytes)
	if _, err := rand.Read(codeBytes); err != nil {
		return nil, fmt.Errorf("challenge: generate code: %w", err)
	}
	nonceBytes := make([]byte, iss.cfg.NonceBytes)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("challenge: generate nonce: %w", err)
	}

	now := iss.clock.Now()
	ch := &model.Challenge{
		SessionID:     sessionID,
		ChallengeCode: base64.RawURLEncoding.EncodeToString(codeBytes),
		Nonce:         base64.RawURLEncoding.EncodeToString(nonceBytes),
		IssuedAt:      now,
		ExpiresAt:     now.Add(iss.cfg.ValidityWindow),
		OrganiserID:   organiserID,
	}

	key := evidencestore.ChallengeKey(sessionID)
	if existing, err := iss.store.Get(ctx, key); err == nil && existing != nil {
		iss.log.Info("reissuing challenge, overwriting prior", "sessionId", sessionID)
	}

	raw, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("challenge: encode: %w", err)
	}
	// validity window bounds how long the stored challenge must
	// outlive the response deadline.
	if err := iss.store.PutWithTTL(ctx, key, raw, iss.cfg.ValidityWindow+time.Second); err != nil {
		return nil, fmt.Errorf("challenge: persist: %w", err)
	}

	iss.log.Info("challenge issued", "sessionId", sessionID, "organiserId", organiserID, "expiresAt", ch.ExpiresAt)
	return ch, nil
}
