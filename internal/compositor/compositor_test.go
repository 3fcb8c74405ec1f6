package compositor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/model"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestCompositeStructuralOKNoFlagsIsPresent(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, nil, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	analysis := model.Analysis{}

	record, err := c.Composite(context.Background(), verdict, analysis)
	require.NoError(t, err)
	require.Equal(t, model.OutcomePresent, record.Outcome)
}

func TestCompositeStructuralOKWithFlagsIsFlagged(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, nil, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	analysis := model.Analysis{Flags: model.AntiProxyFlags{WeakSignal: true}}

	record, err := c.Composite(context.Background(), verdict, analysis)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeFlagged, record.Outcome)
}

func TestCompositeStructuralFailIsRejected(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, nil, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralFail, SessionID: "s1", ParticipantID: "p1"}
	record, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeRejected, record.Outcome)
	require.Equal(t, 100.0, record.RiskScore)
}

func TestCompositeStructuralExpiredIsFlaggedLate(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, nil, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralExpired, SessionID: "s1", ParticipantID: "p1"}
	record, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeFlagged, record.Outcome)
	require.True(t, record.Flags.LateResponse)
}

func TestCompositeUnauthenticatedFailuresDoNotCollide(t *testing.T) {
	store := evidencestore.NewMemory(0)
	clock := clockwork.NewFakeClock()
	c := New(store, nil, nil, clock, nil)

	// Malformed envelope / signature mismatch never reach a trusted
	// identity, so two unrelated rejections must not race for the same
	// AttendanceKey("", "") commit — each gets its own record.
	verdict := model.StructuralVerdict{Status: model.StructuralFail}
	first, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeRejected, first.Outcome)
	require.False(t, first.Duplicate)

	clock.Advance(time.Second)
	second, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeRejected, second.Outcome)
	require.False(t, second.Duplicate)
	require.NotEqual(t, first.RecordID, second.RecordID)
}

func TestCompositeSecondSubmissionIsDuplicate(t *testing.T) {
	store := evidencestore.NewMemory(0)
	clock := clockwork.NewFakeClock()
	c := New(store, nil, nil, clock, nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	first, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	clock.Advance(time.Second)
	second, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.RecordID, second.RecordID)
}

func TestCompositeSignsRecordWhenKeyProvided(t *testing.T) {
	store := evidencestore.NewMemory(0)
	priv := testKey(t)
	c := New(store, priv, nil, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	record, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.NotEmpty(t, record.RecordSignature)

	ok, err := VerifyRecordSignature(priv.Public().(ed25519.PublicKey), record)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompositeUnsignedWhenNoKey(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, nil, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	record, err := c.Composite(context.Background(), verdict, model.Analysis{})
	require.NoError(t, err)
	require.Empty(t, record.RecordSignature)
}

func TestApplyOverrideRequiresAuthorization(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, func(context.Context, string, model.AttendanceRecord) bool { return false }, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	analysis := model.Analysis{Flags: model.AntiProxyFlags{WeakSignal: true}}
	_, err := c.Composite(context.Background(), verdict, analysis)
	require.NoError(t, err)

	_, err = c.ApplyOverride(context.Background(), "s1", "p1", "admin1", "manual review", model.OutcomePresent)
	require.ErrorIs(t, err, ErrOverrideUnauthorised)
}

func TestApplyOverrideTransitionsOutcome(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, func(context.Context, string, model.AttendanceRecord) bool { return true }, clockwork.NewFakeClock(), nil)

	verdict := model.StructuralVerdict{Status: model.StructuralOK, SessionID: "s1", ParticipantID: "p1"}
	analysis := model.Analysis{Flags: model.AntiProxyFlags{WeakSignal: true}}
	_, err := c.Composite(context.Background(), verdict, analysis)
	require.NoError(t, err)

	record, err := c.ApplyOverride(context.Background(), "s1", "p1", "admin1", "manual review", model.OutcomePresent)
	require.NoError(t, err)
	require.Equal(t, model.OutcomePresent, record.Outcome)
	require.NotNil(t, record.Override)
	require.Equal(t, model.OutcomeFlagged, record.Override.PrevOutcome)
}

func TestApplyOverrideRecordNotFound(t *testing.T) {
	store := evidencestore.NewMemory(0)
	c := New(store, nil, nil, clockwork.NewFakeClock(), nil)

	_, err := c.ApplyOverride(context.Background(), "no-session", "no-participant", "admin1", "reason", model.OutcomePresent)
	require.ErrorIs(t, err, ErrRecordNotFound)
}
