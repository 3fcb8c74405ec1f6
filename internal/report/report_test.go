package report

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/model"
)

func seedAnalysis(t *testing.T, store evidencestore.Store, sessionID, participantID string, riskScore float64, flags model.AntiProxyFlags, ts int64) {
	t.Helper()
	a := model.Analysis{ParticipantID: participantID, SessionID: sessionID, RiskScore: riskScore, Flags: flags, Timestamp: time.UnixMilli(ts)}
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	key := evidencestore.AnalysisKey(participantID, ts)
	require.NoError(t, store.PutWithTTL(context.Background(), key, raw, time.Hour))
	require.NoError(t, store.AppendSetMember(context.Background(), evidencestore.AnalysesBySessionIndexKey(sessionID), key, time.Hour))
}

func TestGenerateEmptySession(t *testing.T) {
	store := evidencestore.NewMemory(0)
	rep, err := Generate(context.Background(), store, "empty")
	require.NoError(t, err)
	require.Zero(t, rep.TotalResponses)
	require.Empty(t, rep.Recommendations)
}

func TestGenerateCountsAndRecommendations(t *testing.T) {
	store := evidencestore.NewMemory(0)
	for i := 0; i < 10; i++ {
		flags := model.AntiProxyFlags{}
		if i == 0 {
			flags.DuplicateDevice = true
		}
		seedAnalysis(t, store, "sess1", fmt.Sprintf("p%d", i), 0, flags, int64(1000+i))
	}
	// 2 flagged out of 11 -> ~18% > 10%.
	seedAnalysis(t, store, "sess1", "p10", 40, model.AntiProxyFlags{WeakSignal: true}, 2000)

	rep, err := Generate(context.Background(), store, "sess1")
	require.NoError(t, err)
	require.Equal(t, 11, rep.TotalResponses)
	require.Equal(t, 2, rep.FlaggedResponses)
	require.Contains(t, rep.Recommendations, "review attendance policies")
	require.Contains(t, rep.Recommendations, "enforce device binding")
	require.NotContains(t, rep.Recommendations, "check short-range radio range")
}

func TestGenerateWeakSignalRecommendation(t *testing.T) {
	store := evidencestore.NewMemory(0)
	for i := 0; i < 6; i++ {
		seedAnalysis(t, store, "sess2", fmt.Sprintf("p%d", i), 20, model.AntiProxyFlags{WeakSignal: true}, int64(3000+i))
	}

	rep, err := Generate(context.Background(), store, "sess2")
	require.NoError(t, err)
	require.Contains(t, rep.Recommendations, "check short-range radio range")
}

func TestGenerateRiskDistribution(t *testing.T) {
	store := evidencestore.NewMemory(0)
	seedAnalysis(t, store, "sess3", "p1", 10, model.AntiProxyFlags{}, 4000)
	seedAnalysis(t, store, "sess3", "p2", 50, model.AntiProxyFlags{}, 4001)
	seedAnalysis(t, store, "sess3", "p3", 90, model.AntiProxyFlags{}, 4002)

	rep, err := Generate(context.Background(), store, "sess3")
	require.NoError(t, err)
	require.Equal(t, 1, rep.RiskDistribution.Low)
	require.Equal(t, 1, rep.RiskDistribution.Medium)
	require.Equal(t, 1, rep.RiskDistribution.High)
}
