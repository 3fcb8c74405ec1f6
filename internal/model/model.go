// Package model holds the data types shared across the presence
// verification engine's components: Challenge Issuer, Response
// Verifier, Anti-Proxy Analyzer, and Verdict Compositor all read or
// write these shapes through the evidencestore.Store.
package model

import "time"

// Challenge is a time-bounded secret a participant's signed response
// must echo exactly.
type Challenge struct {
	SessionID     string    `json:"sessionId"`
	ChallengeCode string    `json:"challengeCode"`
	Nonce         string    `json:"nonce"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	OrganiserID   string    `json:"organiserId"`
}

// Location is a coarse position reading supplied alongside a
// SignedResponse.
type Location struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Evidence is everything a client submits alongside the signed
// response that is not itself cryptographically authenticated.
type Evidence struct {
	RSSI               int             `json:"rssi"`
	ResponseLatencyMs   int64           `json:"responseLatencyMs"`
	Location            *Location       `json:"location,omitempty"`
	WifiNetworks        []string        `json:"wifiNetworks,omitempty"`
	DeviceAttestation   []string        `json:"deviceAttestation,omitempty"`
	OrganiserSessionMeta map[string]any `json:"organiserSessionMeta,omitempty"`
}

// SignalClass classifies RSSI into a coarse proximity bucket.
type SignalClass string

const (
	SignalWeak   SignalClass = "weak"
	SignalMedium SignalClass = "medium"
	SignalStrong SignalClass = "strong"
)

// ProximityFacts are computed from Evidence.RSSI, never stored.
type ProximityFacts struct {
	SignalClass       SignalClass `json:"signalClass"`
	EstimatedDistance float64     `json:"estimatedDistance"`
}

// Flag names a single anti-proxy sub-analysis outcome.
type Flag string

const (
	FlagWeakSignal       Flag = "weakSignal"
	FlagDuplicateDevice  Flag = "duplicateDevice"
	FlagInvalidLocation  Flag = "invalidLocation"
	FlagSuspiciousWifi   Flag = "suspiciousWifi"
	FlagLateResponse     Flag = "lateResponse"
	FlagInvalidChallenge Flag = "invalidChallenge"
	FlagRootedDevice     Flag = "rootedDevice"
	FlagMockedLocation   Flag = "mockedLocation"
	FlagUnusualPattern   Flag = "unusualPattern"
)

// AllFlags lists every known flag in a stable order, used to reject a
// risk-weight policy document that names a flag outside this set.
var AllFlags = []Flag{
	FlagWeakSignal, FlagDuplicateDevice, FlagInvalidLocation, FlagSuspiciousWifi,
	FlagLateResponse, FlagInvalidChallenge, FlagRootedDevice, FlagMockedLocation,
	FlagUnusualPattern,
}

// AntiProxyFlags is the accumulator the Analyzer's sub-analyses write
// into, plus an opaque details map used only for diagnostics — never
// branched on by the Compositor.
type AntiProxyFlags struct {
	WeakSignal       bool `json:"weakSignal"`
	DuplicateDevice  bool `json:"duplicateDevice"`
	InvalidLocation  bool `json:"invalidLocation"`
	SuspiciousWifi   bool `json:"suspiciousWifi"`
	LateResponse     bool `json:"lateResponse"`
	InvalidChallenge bool `json:"invalidChallenge"`
	RootedDevice     bool `json:"rootedDevice"`
	MockedLocation   bool `json:"mockedLocation"`
	UnusualPattern   bool `json:"unusualPattern"`

	Details map[string]any `json:"details,omitempty"`
}

// Set marks flag as tripped.
func (f *AntiProxyFlags) Set(flag Flag) {
	switch flag {
	case FlagWeakSignal:
		f.WeakSignal = true
	case FlagDuplicateDevice:
		f.DuplicateDevice = true
	case FlagInvalidLocation:
		f.InvalidLocation = true
	case FlagSuspiciousWifi:
		f.SuspiciousWifi = true
	case FlagLateResponse:
		f.LateResponse = true
	case FlagInvalidChallenge:
		f.InvalidChallenge = true
	case FlagRootedDevice:
		f.RootedDevice = true
	case FlagMockedLocation:
		f.MockedLocation = true
	case FlagUnusualPattern:
		f.UnusualPattern = true
	}
}

// Detail records an opaque diagnostic value for flag, without itself
// implying the flag tripped.
func (f *AntiProxyFlags) Detail(key string, value any) {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
}

// Tripped returns the set of flags that are true, in AllFlags order.
func (f AntiProxyFlags) Tripped() []Flag {
	var out []Flag
	for _, flag := range AllFlags {
		if f.isSet(flag) {
			out = append(out, flag)
		}
	}
	return out
}

// Any reports whether at least one flag tripped.
func (f AntiProxyFlags) Any() bool {
	return len(f.Tripped()) > 0
}

func (f AntiProxyFlags) isSet(flag Flag) bool {
	switch flag {
	case FlagWeakSignal:
		return f.WeakSignal
	case FlagDuplicateDevice:
		return f.DuplicateDevice
	case FlagInvalidLocation:
		return f.InvalidLocation
	case FlagSuspiciousWifi:
		return f.SuspiciousWifi
	case FlagLateResponse:
		return f.LateResponse
	case FlagInvalidChallenge:
		return f.InvalidChallenge
	case FlagRootedDevice:
		return f.RootedDevice
	case FlagMockedLocation:
		return f.MockedLocation
	case FlagUnusualPattern:
		return f.UnusualPattern
	default:
		return false
	}
}

// RiskBand classifies a risk score into a coarse bucket for reporting.
type RiskBand string

const (
	RiskLow    RiskBand = "low"
	RiskMedium RiskBand = "medium"
	RiskHigh   RiskBand = "high"
)

// Band classifies score per §4.5: <30 low, <70 medium, else high.
func Band(score float64) RiskBand {
	switch {
	case score < 30:
		return RiskLow
	case score < 70:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Analysis is written on every response and kept in the EvidenceStore
// for 7 days.
type Analysis struct {
	ParticipantID string         `json:"participantId"`
	SessionID     string         `json:"sessionId"`
	Timestamp     time.Time      `json:"timestamp"`
	Flags         AntiProxyFlags `json:"flags"`
	RiskScore     float64        `json:"riskScore"`
	Evidence      Evidence       `json:"evidence"`
}

// DeviceUsage tracks which participants have ever signed with a
// device, for duplicateDevice detection.
type DeviceUsage struct {
	DeviceID       string           `json:"deviceId"`
	Participants   []string         `json:"participants"`
	LastSeen       map[string]time.Time `json:"lastSeen"`
}

// HasOtherParticipant reports whether a participant other than
// participantID has ever used this device.
func (d DeviceUsage) HasOtherParticipant(participantID string) bool {
	for _, p := range d.Participants {
		if p != participantID {
			return true
		}
	}
	return false
}

// BehavioralBaseline is a participant's rolling response-latency
// profile, updated with an exponentially weighted moving average so
// history stays bounded rather than growing without limit.
type BehavioralBaseline struct {
	ParticipantID string  `json:"participantId"`
	MeanMs        float64 `json:"meanMs"`
	VarianceMs2   float64 `json:"varianceMs2"`
	Samples       int64   `json:"samples"`
}

// StructuralStatus is the Response Verifier's pre-analyzer judgement.
type StructuralStatus string

const (
	StructuralOK      StructuralStatus = "ok"
	StructuralExpired StructuralStatus = "expired"
	StructuralFail    StructuralStatus = "fail"
)

// StructuralVerdict is the Response Verifier's output: cryptography
// and timing facts about the challenge itself, nothing about radio,
// location, or wifi.
type StructuralVerdict struct {
	Status          StructuralStatus `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	ResponseLatency time.Duration    `json:"responseLatency"`
	ParticipantID   string           `json:"participantId"`
	DeviceID        string           `json:"deviceId"`
	SessionID       string           `json:"sessionId"`
	RespondedAt     time.Time        `json:"respondedAt"`
}

// Outcome is the Verdict Compositor's final attendance verdict.
type Outcome string

const (
	OutcomePresent  Outcome = "present"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeRejected Outcome = "rejected"
)

// Override records a human decision that moved a flagged record to a
// different outcome.
type Override struct {
	ActorID   string    `json:"actorId"`
	Reason    string    `json:"reason"`
	PrevOutcome Outcome `json:"prevOutcome"`
	NewOutcome  Outcome `json:"newOutcome"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// AttendanceRecord is the Compositor's committed output, handed to
// the caller's own durable store.
type AttendanceRecord struct {
	RecordID      string          `json:"recordId"`
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Outcome       Outcome         `json:"outcome"`
	RiskScore     float64         `json:"riskScore"`
	Flags         AntiProxyFlags  `json:"flags"`
	Timestamp     time.Time       `json:"timestamp"`
	Override      *Override       `json:"override,omitempty"`
	Duplicate     bool            `json:"duplicate,omitempty"`

	// RecordSignature is the Ed25519 signature (hex) over the
	// canonical encoding of this record (with RecordSignature itself
	// cleared), independent of the HMAC used for the challenge leg.
	RecordSignature string `json:"recordSignature,omitempty"`
}
