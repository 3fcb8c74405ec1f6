package verifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/mac"
	"attendcheckd/internal/model"
	"attendcheckd/internal/wire"
)

func testSigner(t *testing.T) *mac.Signer {
	t.Helper()
	s, err := mac.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

func seedChallenge(t *testing.T, store evidencestore.Store, ch model.Challenge) {
	t.Helper()
	raw, err := json.Marshal(ch)
	require.NoError(t, err)
	require.NoError(t, store.PutWithTTL(context.Background(), evidencestore.ChallengeKey(ch.SessionID), raw, time.Minute))
}

func signedBlob(t *testing.T, signer *mac.Signer, payload wire.Payload) []byte {
	t.Helper()
	sig, err := signer.SignHex(payload.MACPayload())
	require.NoError(t, err)
	blob, err := wire.Encode(&wire.Envelope{Payload: payload, Signature: sig})
	require.NoError(t, err)
	return blob
}

func TestVerifyAcceptsValidResponse(t *testing.T) {
	signer := testSigner(t)
	store := evidencestore.NewMemory(0)
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ch := model.Challenge{
		SessionID: "sess1", ChallengeCode: "code1", Nonce: "nonce1",
		IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(15 * time.Second), OrganiserID: "org1",
	}
	seedChallenge(t, store, ch)

	respondedAt := issuedAt.Add(4200 * time.Millisecond)
	payload := wire.Payload{
		ChallengeCode: "code1", Nonce: "nonce1", StudentID: "p1",
		DeviceID: "d1", SessionID: "sess1", TimestampMs: respondedAt.UnixMilli(),
	}
	blob := signedBlob(t, signer, payload)

	v := New(signer, store, nil)
	verdict := v.Verify(context.Background(), blob, time.Now())
	require.Equal(t, model.StructuralOK, verdict.Status)
	require.Equal(t, "p1", verdict.ParticipantID)
	require.Equal(t, "d1", verdict.DeviceID)
	require.Equal(t, 4200*time.Millisecond, verdict.ResponseLatency)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	signer := testSigner(t)
	store := evidencestore.NewMemory(0)
	issuedAt := time.Now()
	ch := model.Challenge{SessionID: "sess1", ChallengeCode: "code1", Nonce: "nonce1", IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(15 * time.Second)}
	seedChallenge(t, store, ch)

	payload := wire.Payload{ChallengeCode: "code1", Nonce: "nonce1", StudentID: "p1", DeviceID: "d1", SessionID: "sess1", TimestampMs: issuedAt.UnixMilli()}
	sig, err := signer.SignHex(payload.MACPayload())
	require.NoError(t, err)
	last := "0"
	if sig[len(sig)-1] == '0' {
		last = "1"
	}
	tampered := sig[:len(sig)-1] + last
	blob, err := wire.Encode(&wire.Envelope{Payload: payload, Signature: tampered})
	require.NoError(t, err)

	v := New(signer, store, nil)
	verdict := v.Verify(context.Background(), blob, time.Now())
	require.Equal(t, model.StructuralFail, verdict.Status)
}

func TestVerifyRejectsMissingChallenge(t *testing.T) {
	signer := testSigner(t)
	store := evidencestore.NewMemory(0)

	payload := wire.Payload{ChallengeCode: "code1", Nonce: "nonce1", StudentID: "p1", DeviceID: "d1", SessionID: "no-such-session", TimestampMs: time.Now().UnixMilli()}
	blob := signedBlob(t, signer, payload)

	v := New(signer, store, nil)
	verdict := v.Verify(context.Background(), blob, time.Now())
	require.Equal(t, model.StructuralFail, verdict.Status)
	require.Equal(t, "p1", verdict.ParticipantID)
	require.Equal(t, "no-such-session", verdict.SessionID)
}

func TestVerifyRejectsCodeMismatch(t *testing.T) {
	signer := testSigner(t)
	store := evidencestore.NewMemory(0)
	issuedAt := time.Now()
	seedChallenge(t, store, model.Challenge{SessionID: "sess1", ChallengeCode: "realcode", Nonce: "nonce1", IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(15 * time.Second)})

	payload := wire.Payload{ChallengeCode: "wrongcode", Nonce: "nonce1", StudentID: "p1", DeviceID: "d1", SessionID: "sess1", TimestampMs: issuedAt.UnixMilli()}
	blob := signedBlob(t, signer, payload)

	v := New(signer, store, nil)
	verdict := v.Verify(context.Background(), blob, time.Now())
	require.Equal(t, model.StructuralFail, verdict.Status)
	require.Equal(t, "p1", verdict.ParticipantID)
	require.Equal(t, "sess1", verdict.SessionID)
}

func TestVerifyExpiredExactBoundaryAccepted(t *testing.T) {
	signer := testSigner(t)
	store := evidencestore.NewMemory(0)
	issuedAt := time.Now()
	validity := 15 * time.Second
	seedChallenge(t, store, model.Challenge{SessionID: "sess1", ChallengeCode: "code1", Nonce: "nonce1", IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(validity)})

	payload := wire.Payload{ChallengeCode: "code1", Nonce: "nonce1", StudentID: "p1", DeviceID: "d1", SessionID: "sess1", TimestampMs: issuedAt.Add(validity).UnixMilli()}
	blob := signedBlob(t, signer, payload)

	v := New(signer, store, nil)
	verdict := v.Verify(context.Background(), blob, time.Now())
	require.Equal(t, model.StructuralOK, verdict.Status)
}

func TestVerifyOneMillisecondPastExpiryIsExpired(t *testing.T) {
	signer := testSigner(t)
	store := evidencestore.NewMemory(0)
	issuedAt := time.Now()
	validity := 15 * time.Second
	seedChallenge(t, store, model.Challenge{SessionID: "sess1", ChallengeCode: "code1", Nonce: "nonce1", IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(validity)})

	payload := wire.Payload{ChallengeCode: "code1", Nonce: "nonce1", StudentID: "p1", DeviceID: "d1", SessionID: "sess1", TimestampMs: issuedAt.Add(validity + time.Millisecond).UnixMilli()}
	blob := signedBlob(t, signer, payload)

	v := New(signer, store, nil)
	verdict := v.Verify(context.Background(), blob, time.Now())
	require.Equal(t, model.StructuralExpired, verdict.Status)
}
