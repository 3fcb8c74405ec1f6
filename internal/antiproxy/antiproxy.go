// Package antiproxy implements the Anti-Proxy Analyzer: six
// sub-analyses run in fixed order (§4.5) over the evidence bundle
// accompanying a response, fusing radio signal, timing, location,
// wireless environment, device binding, and behavioral deviation into
// a set of flags and a bounded risk score.
package antiproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"attendcheckd/internal/config"
	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/logging"
	"attendcheckd/internal/model"
)

const earthRadiusM = 6371000.0

// Analyzer runs the fixed sub-analysis battery and maintains the
// per-identity history (last location, device usage, behavioral
// baseline) the sub-analyses read and update.
type Analyzer struct {
	cfg     *config.Config
	weights map[model.Flag]float64
	store   evidencestore.Store
	clock   clockwork.Clock
	log     *logging.Logger
}

// New constructs an Analyzer. weights is normally the result of
// antiproxy.LoadPolicy; clock and log may be nil.
func New(cfg *config.Config, weights map[model.Flag]float64, store evidencestore.Store, clock clockwork.Clock, log *logging.Logger) *Analyzer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logging.Default()
	}
	return &Analyzer{cfg: cfg, weights: weights, store: store, clock: clock, log: log.WithComponent("antiproxy")}
}

// Analyze runs the six sub-analyses against verdict (trusted identity
// fields from the Verifier) and evidence (untrusted, client-supplied),
// then persists the resulting Analysis under
// analysis:{participantId}:{timestampMs} and indexes it for
// sessionReport. It never inspects verdict.Status: an expired or
// failed structural verdict still produces an Analysis, because the
// spec requires observability into what evidence accompanied every
// response, rejected or not.
func (a *Analyzer) Analyze(ctx context.Context, verdict model.StructuralVerdict, evidence model.Evidence) (model.Analysis, error) {
	var flags model.AntiProxyFlags

	proximity := a.analyzeProximity(evidence.RSSI, &flags)
	a.analyzeTiming(verdict.ResponseLatency, &flags)
	a.analyzeLocation(ctx, verdict.ParticipantID, evidence.Location, &flags)
	a.analyzeWifi(evidence.WifiNetworks, &flags)
	a.analyzeDeviceBinding(ctx, verdict.ParticipantID, verdict.DeviceID, evidence.DeviceAttestation, &flags)
	a.analyzeBehavior(ctx, verdict.ParticipantID, verdict.ResponseLatency, &flags)

	flags.Detail("proximity", proximity)

	score := a.riskScore(flags)

	analysis := model.Analysis{
		ParticipantID: verdict.ParticipantID,
		SessionID:     verdict.SessionID,
		Timestamp:     a.clock.Now(),
		Flags:         flags,
		RiskScore:     score,
		Evidence:      evidence,
	}

	if err := a.persist(ctx, analysis); err != nil {
		return analysis, err
	}
	return analysis, nil
}

func (a *Analyzer) persist(ctx context.Context, analysis model.Analysis) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("antiproxy: encode analysis: %w", err)
	}
	key := evidencestore.AnalysisKey(analysis.ParticipantID, analysis.Timestamp.UnixMilli())
	ttl := a.cfg.AnalysisTTL()
	if err := a.store.PutWithTTL(ctx, key, raw, ttl); err != nil {
		a.log.Warn("failed to persist analysis", "participantId", analysis.ParticipantID, "err", err)
		return nil // non-critical: history writes degrade, never fail the response
	}
	if err := a.store.AppendSetMember(ctx, evidencestore.AnalysesBySessionIndexKey(analysis.SessionID), key, ttl); err != nil {
		a.log.Warn("failed to index analysis for session report", "sessionId", analysis.SessionID, "err", err)
	}
	return nil
}

// analyzeProximity implements §4.5(a).
func (a *Analyzer) analyzeProximity(rssi int, flags *model.AntiProxyFlags) model.ProximityFacts {
	var class model.SignalClass
	switch {
	case rssi <= a.cfg.RSSIWeakThreshold:
		class = model.SignalWeak
	case rssi <= a.cfg.RSSIMediumThreshold:
		class = model.SignalMedium
	default:
		class = model.SignalStrong
	}
	if class == model.SignalWeak {
		flags.Set(model.FlagWeakSignal)
	}
	distance := math.Pow(10, (-69-float64(rssi))/20)
	return model.ProximityFacts{SignalClass: class, EstimatedDistance: distance}
}

// analyzeTiming implements §4.5(b). t is the elapsed time between
// challenge issuance and response, as already computed by the
// Verifier — the same quantity the structural "expired" check is
// based on, just with finer-grained thresholds for plausibility
// rather than a hard cutoff.
func (a *Analyzer) analyzeTiming(t time.Duration, flags *model.AntiProxyFlags) {
	maxReasonable := time.Duration(a.cfg.ResponseMaxReasonableMs) * time.Millisecond
	suspiciousFast := time.Duration(a.cfg.ResponseSuspiciousFastMs) * time.Millisecond
	if t > maxReasonable {
		flags.Set(model.FlagLateResponse)
	}
	if t < suspiciousFast {
		flags.Set(model.FlagUnusualPattern)
	}
}

// analyzeLocation implements §4.5(c).
func (a *Analyzer) analyzeLocation(ctx context.Context, participantID string, loc *model.Location, flags *model.AntiProxyFlags) {
	if loc == nil {
		return
	}
	if loc.Lat == 0 && loc.Lon == 0 {
		flags.Set(model.FlagInvalidLocation)
	}
	if loc.Accuracy < 1.0 {
		flags.Set(model.FlagMockedLocation)
	}

	key := evidencestore.LastLocationKey(participantID)
	if raw, err := a.store.Get(ctx, key); err == nil {
		var last model.Location
		if err := json.Unmarshal(raw, &last); err == nil {
			d := haversine(last.Lat, last.Lon, loc.Lat, loc.Lon)
			dt := loc.Timestamp.Sub(last.Timestamp)
			if dt < 0 {
				dt = 0 // clamp: don't let client clock skew manufacture an implausible jump
			}
			minMovement := time.Duration(a.cfg.LocationMinMovementTimeMs) * time.Millisecond
			if d > a.cfg.LocationJumpDistanceM && dt < minMovement {
				flags.Set(model.FlagInvalidLocation)
			}
		}
	}
	// evidenceStoreUnavailable on this read is non-critical (§7): a
	// missing prior location is treated as "no history" and the jump
	// check above is simply skipped.

	raw, err := json.Marshal(loc)
	if err == nil {
		if err := a.store.PutWithTTL(ctx, key, raw, a.cfg.LocationTTL()); err != nil {
			a.log.Warn("failed to persist last location", "participantId", participantID, "err", err)
		}
	}
}

// haversine returns the great-circle distance in metres between two
// lat/lon points, Earth radius 6,371,000 m.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// analyzeWifi implements §4.5(d). The blacklist substring match is
// deliberately case-insensitive and unanchored: "guest-MOCK_WIFI-2"
// must still trip suspiciousWifi (§9).
func (a *Analyzer) analyzeWifi(networks []string, flags *model.AntiProxyFlags) {
	n := len(networks)
	if n < a.cfg.WifiMinExpected || n > a.cfg.WifiMaxReasonable {
		flags.Set(model.FlagSuspiciousWifi)
	}
	for _, ssid := range networks {
		upper := strings.ToUpper(ssid)
		for _, bad := range a.cfg.WifiBlacklist {
			if strings.Contains(upper, strings.ToUpper(bad)) {
				flags.Set(model.FlagSuspiciousWifi)
				break
			}
		}
	}
}

// analyzeDeviceBinding implements §4.5(e).
func (a *Analyzer) analyzeDeviceBinding(ctx context.Context, participantID, deviceID string, attestation []string, flags *model.AntiProxyFlags) {
	if deviceID == "" {
		return
	}
	key := evidencestore.DeviceUsageKey(deviceID)
	usage := model.DeviceUsage{DeviceID: deviceID, LastSeen: map[string]time.Time{}}
	if raw, err := a.store.Get(ctx, key); err == nil {
		_ = json.Unmarshal(raw, &usage)
	}
	if usage.HasOtherParticipant(participantID) {
		flags.Set(model.FlagDuplicateDevice)
	}

	for _, token := range attestation {
		for _, bad := range a.cfg.AttestationBlacklist {
			if strings.EqualFold(token, bad) {
				flags.Set(model.FlagRootedDevice)
			}
		}
	}

	if usage.LastSeen == nil {
		usage.LastSeen = map[string]time.Time{}
	}
	alreadyMember := false
	for _, p := range usage.Participants {
		if p == participantID {
			alreadyMember = true
			break
		}
	}
	if !alreadyMember {
		usage.Participants = append(usage.Participants, participantID)
	}
	usage.LastSeen[participantID] = a.clock.Now()

	raw, err := json.Marshal(usage)
	if err != nil {
		a.log.Warn("failed to encode device usage", "deviceId", deviceID, "err", err)
		return
	}
	if err := a.store.PutWithTTL(ctx, key, raw, a.cfg.AnalysisTTL()); err != nil {
		a.log.Warn("failed to persist device usage", "deviceId", deviceID, "err", err)
	}
}

// analyzeBehavior implements §4.5(f): an exponentially weighted
// moving average keeps the baseline bounded rather than retaining
// unbounded response-latency history.
func (a *Analyzer) analyzeBehavior(ctx context.Context, participantID string, latency time.Duration, flags *model.AntiProxyFlags) {
	if participantID == "" {
		return
	}
	key := evidencestore.BehaviorKey(participantID)
	latencyMs := float64(latency.Milliseconds())

	var baseline model.BehavioralBaseline
	hasBaseline := false
	if raw, err := a.store.Get(ctx, key); err == nil {
		if err := json.Unmarshal(raw, &baseline); err == nil && baseline.Samples > 0 {
			hasBaseline = true
		}
	}

	if hasBaseline {
		if math.Abs(latencyMs-baseline.MeanMs) > 0.5*baseline.MeanMs {
			flags.Set(model.FlagUnusualPattern)
		}
		alpha := a.cfg.BehavioralAlpha
		delta := latencyMs - baseline.MeanMs
		baseline.MeanMs += alpha * delta
		baseline.VarianceMs2 = (1 - alpha) * (baseline.VarianceMs2 + alpha*delta*delta)
	} else {
		baseline = model.BehavioralBaseline{ParticipantID: participantID, MeanMs: latencyMs, VarianceMs2: 0}
	}
	baseline.Samples++

	raw, err := json.Marshal(baseline)
	if err != nil {
		a.log.Warn("failed to encode behavioral baseline", "participantId", participantID, "err", err)
		return
	}
	if err := a.store.PutWithTTL(ctx, key, raw, a.cfg.AnalysisTTL()); err != nil {
		a.log.Warn("failed to persist behavioral baseline", "participantId", participantID, "err", err)
	}
}

// riskScore implements the fixed-denominator formula §9's Open
// Question preserves from the source: the denominator is the sum of
// ALL configured weights, not only those applicable to flags that
// could have tripped for this response.
func (a *Analyzer) riskScore(flags model.AntiProxyFlags) float64 {
	var total, tripped float64
	for flag, w := range a.weights {
		total += w
		if flagIsSet(flags, flag) {
			tripped += w
		}
	}
	if total == 0 {
		return 0
	}
	score := 100 * tripped / total
	if score > 100 {
		score = 100
	}
	return score
}

func flagIsSet(flags model.AntiProxyFlags, flag model.Flag) bool {
	for _, f := range flags.Tripped() {
		if f == flag {
			return true
		}
	}
	return false
}
