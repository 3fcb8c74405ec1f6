package challenge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/model"
)

func TestIssueStoresChallenge(t *testing.T) {
	store := evidencestore.NewMemory(0)
	clock := clockwork.NewFakeClock()
	iss := New(DefaultConfig(), store, clock, nil)

	ch, err := iss.Issue(context.Background(), "sess1", "org1")
	require.NoError(t, err)
	require.Equal(t, "sess1", ch.SessionID)
	require.Equal(t, "org1", ch.OrganiserID)
	require.Equal(t, clock.Now(), ch.IssuedAt)
	require.Equal(t, clock.Now().Add(15*time.Second), ch.ExpiresAt)
	require.NotEmpty(t, ch.ChallengeCode)
	require.NotEmpty(t, ch.Nonce)

	raw, err := store.Get(context.Background(), evidencestore.ChallengeKey("sess1"))
	require.NoError(t, err)
	var stored model.Challenge
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, ch.ChallengeCode, stored.ChallengeCode)
}

func TestIssueTwiceOverwrites(t *testing.T) {
	store := evidencestore.NewMemory(0)
	clock := clockwork.NewFakeClock()
	iss := New(DefaultConfig(), store, clock, nil)

	first, err := iss.Issue(context.Background(), "sess1", "org1")
	require.NoError(t, err)
	second, err := iss.Issue(context.Background(), "sess1", "org1")
	require.NoError(t, err)
	require.NotEqual(t, first.ChallengeCode, second.ChallengeCode)

	raw, err := store.Get(context.Background(), evidencestore.ChallengeKey("sess1"))
	require.NoError(t, err)
	var stored model.Challenge
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, second.ChallengeCode, stored.ChallengeCode)
}

func TestIssueRequiresSessionID(t *testing.T) {
	store := evidencestore.NewMemory(0)
	iss := New(DefaultConfig(), store, clockwork.NewFakeClock(), nil)

	_, err := iss.Issue(context.Background(), "", "org1")
	require.Error(t, err)
}

func TestIssueDistinctCodesAcrossSessions(t *testing.T) {
	store := evidencestore.NewMemory(0)
	iss := New(DefaultConfig(), store, clockwork.NewFakeClock(), nil)

	a, err := iss.Issue(context.Background(), "sess-a", "org1")
	require.NoError(t, err)
	b, err := iss.Issue(context.Background(), "sess-b", "org1")
	require.NoError(t, err)
	require.NotEqual(t, a.ChallengeCode, b.ChallengeCode)
	require.NotEqual(t, a.Nonce, b.Nonce)
}
