// Package report implements the sessionReport operation: it scans
// the per-session Analysis index and summarises risk distribution,
// flag counts, and policy recommendations for an organiser.
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/model"
)

// RiskDistribution counts analyses by risk band.
type RiskDistribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// SessionReport is the sessionReport operation's return value.
type SessionReport struct {
	SessionID        string           `json:"sessionId"`
	TotalResponses   int              `json:"totalResponses"`
	FlaggedResponses int              `json:"flaggedResponses"`
	RiskDistribution RiskDistribution `json:"riskDistribution"`
	FlagTypeCounts   map[string]int   `json:"flagTypeCounts"`
	Recommendations  []string         `json:"recommendations"`
}

// Generate builds a SessionReport by reading every Analysis indexed
// under analyses:by-session:{sessionId} (never by scanning the
// keyspace — see evidencestore's secondary-index requirement).
func Generate(ctx context.Context, store evidencestore.Store, sessionID string) (SessionReport, error) {
	raws, err := store.ScanBySession(ctx, sessionID)
	if err != nil {
		return SessionReport{}, fmt.Errorf("report: scan session: %w", err)
	}

	rep := SessionReport{
		SessionID:      sessionID,
		FlagTypeCounts: map[string]int{},
	}

	for _, raw := range raws {
		var a model.Analysis
		if err := json.Unmarshal(raw, &a); err != nil {
			continue // a corrupt analysis record should not sink the whole report
		}
		rep.TotalResponses++

		switch model.Band(a.RiskScore) {
		case model.RiskLow:
			rep.RiskDistribution.Low++
		case model.RiskMedium:
			rep.RiskDistribution.Medium++
		case model.RiskHigh:
			rep.RiskDistribution.High++
		}

		if a.Flags.Any() {
			rep.FlaggedResponses++
		}
		for _, flag := range a.Flags.Tripped() {
			rep.FlagTypeCounts[string(flag)]++
		}
	}

	rep.Recommendations = recommend(rep)
	return rep, nil
}

// recommend implements the §6 report rules.
func recommend(rep SessionReport) []string {
	var recs []string
	if rep.TotalResponses > 0 && float64(rep.FlaggedResponses)/float64(rep.TotalResponses) > 0.10 {
		recs = append(recs, "review attendance policies")
	}
	if rep.FlagTypeCounts[string(model.FlagDuplicateDevice)] > 0 {
		recs = append(recs, "enforce device binding")
	}
	if rep.FlagTypeCounts[string(model.FlagWeakSignal)] > 5 {
		recs = append(recs, "check short-range radio range")
	}
	return recs
}
