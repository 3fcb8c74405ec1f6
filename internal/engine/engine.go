// Package engine wires the six core components — KeyedMAC,
// EvidenceStore, Challenge Issuer, Response Verifier, Anti-Proxy
// Analyzer, and Verdict Compositor — into the library-shaped surface
// an HTTP/WebSocket handler or CLI calls (§6): issueChallenge,
// verifyResponse, sessionReport, applyOverride.
//
// Every response is processed on the caller's goroutine after it takes
// a token from a token-bucket rate limiter (WorkerPoolSize tokens per
// second, burst WorkerPoolBurst), so bursts above the configured rate
// wait for a token instead of being rejected (§5). The limiter bounds
// the rate at which responses start processing, not the number
// processed at the same time.
package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"attendcheckd/internal/antiproxy"
	"attendcheckd/internal/challenge"
	"attendcheckd/internal/compositor"
	"attendcheckd/internal/config"
	"attendcheckd/internal/evidencestore"
	"attendcheckd/internal/health"
	"attendcheckd/internal/logging"
	"attendcheckd/internal/mac"
	"attendcheckd/internal/metrics"
	"attendcheckd/internal/model"
	"attendcheckd/internal/report"
	"attendcheckd/internal/signer"
	"attendcheckd/internal/verifier"
)

// Engine is the process-scoped singleton wiring every component
// together (§5 resource policy): the process secret, configuration,
// and EvidenceStore handle are constructed once and passed by
// reference.
type Engine struct {
	cfg *config.Config

	macSigner *mac.Signer
	store     evidencestore.Store
	clock     clockwork.Clock
	log       *logging.Logger

	issuer   *challenge.Issuer
	verifier *verifier.Verifier
	analyzer *antiproxy.Analyzer
	compose  *compositor.Compositor
	audit    *logging.AuditLogger

	limiter *rate.Limiter

	metrics *metrics.Registry
	health  *health.Checker

	responsesTotal   *metrics.Counter
	outcomeCounters  map[model.Outcome]*metrics.Counter
	flagCounters     map[model.Flag]*metrics.Counter
	responseLatency  *metrics.Histogram
	challengesIssued *metrics.Counter
}

// Dependencies bundles the constructed resources New needs, so tests
// can substitute fakes (a clockwork.FakeClock, an in-memory store)
// without the engine itself knowing about configuration file parsing.
type Dependencies struct {
	Store             evidencestore.Store
	Clock             clockwork.Clock
	Log               *logging.Logger
	Secret            []byte
	RecordSigningKey  ed25519.PrivateKey
	RiskWeights       map[model.Flag]float64
	AuthorizeOverride compositor.AuthorizeOverride
	Audit             *logging.AuditLogger
}

// New constructs an Engine from cfg and deps. The MAC signer derives
// its subkey from deps.Secret immediately; the caller should wipe
// deps.Secret after New returns.
func New(cfg *config.Config, deps Dependencies) (*Engine, error) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log == nil {
		deps.Log = logging.Default()
	}
	if deps.RiskWeights == nil {
		deps.RiskWeights = antiproxy.DefaultWeights
	}
	if deps.Audit == nil {
		deps.Audit = logging.DefaultAuditLogger()
	}

	signerInst, err := mac.NewSigner(deps.Secret)
	if err != nil {
		return nil, fmt.Errorf("engine: init mac signer: %w", err)
	}

	issCfg := challenge.Config{
		ValidityWindow: cfg.ChallengeValidity(),
		CodeBytes:      cfg.ChallengeCodeBytes,
		NonceBytes:     cfg.NonceBytes,
	}

	reg := metrics.NewRegistry("attendcheckd", "engine")
	outcomeCounters := make(map[model.Outcome]*metrics.Counter, 3)
	for _, outcome := range []model.Outcome{model.OutcomePresent, model.OutcomeFlagged, model.OutcomeRejected} {
		outcomeCounters[outcome] = reg.RegisterCounter("attendance_outcomes_total", "attendance records committed, by outcome", metrics.Labels{"outcome": string(outcome)})
	}
	flagCounters := make(map[model.Flag]*metrics.Counter, len(model.AllFlags))
	for _, flag := range model.AllFlags {
		flagCounters[flag] = reg.RegisterCounter("antiproxy_flags_total", "anti-proxy flags tripped, by flag", metrics.Labels{"flag": string(flag)})
	}

	e := &Engine{
		cfg:       cfg,
		macSigner: signerInst,
		store:     deps.Store,
		clock:     deps.Clock,
		log:       deps.Log.WithComponent("engine"),
		issuer:    challenge.New(issCfg, deps.Store, deps.Clock, deps.Log),
		verifier:  verifier.New(signerInst, deps.Store, deps.Log),
		analyzer:  antiproxy.New(cfg, deps.RiskWeights, deps.Store, deps.Clock, deps.Log),
		compose:   compositor.New(deps.Store, deps.RecordSigningKey, deps.AuthorizeOverride, deps.Clock, deps.Log),
		audit:     deps.Audit,
		limiter:   rate.NewLimiter(rate.Limit(cfg.WorkerPoolSize), cfg.WorkerPoolBurst),

		metrics:          reg,
		health:           health.NewChecker(),
		responsesTotal:   reg.RegisterCounter("responses_verified_total", "signed responses processed by verifyResponse", nil),
		outcomeCounters:  outcomeCounters,
		flagCounters:     flagCounters,
		responseLatency:  reg.RegisterHistogram("response_latency_seconds", "time between challenge issuance and response", nil, metrics.DurationBuckets),
		challengesIssued: reg.RegisterCounter("challenges_issued_total", "challenges minted by issueChallenge", nil),
	}

	if deps.Store != nil {
		e.health.RegisterFunc("evidencestore", true, e.evidenceStoreHealthCheck)
	}
	e.health.SetReady(true)
	return e, nil
}

// evidenceStoreHealthCheck probes the EvidenceStore with a short-TTL
// canary write/read, per §5's resource policy that the store handle is
// a process-scoped singleton whose availability gates readiness.
func (e *Engine) evidenceStoreHealthCheck(ctx context.Context) health.CheckResult {
	key := "health:probe"
	if err := e.store.PutWithTTL(ctx, key, []byte("ok"), time.Minute); err != nil {
		return health.CheckResult{Status: health.StatusUnhealthy, Message: "evidence store write failed", Error: err.Error()}
	}
	if _, err := e.store.Get(ctx, key); err != nil {
		return health.CheckResult{Status: health.StatusUnhealthy, Message: "evidence store read failed", Error: err.Error()}
	}
	return health.CheckResult{Status: health.StatusHealthy, Message: "evidence store reachable"}
}

// Metrics returns the engine's metrics registry, for an external
// HTTP/WebSocket handler to expose on a scrape endpoint.
func (e *Engine) Metrics() *metrics.Registry {
	return e.metrics
}

// HealthResponse runs the engine's registered health checks and
// returns the aggregated result, for an external handler to expose on
// a liveness/readiness endpoint.
func (e *Engine) HealthResponse(ctx context.Context) health.HealthResponse {
	return e.health.HealthResponse(ctx, true)
}

// MetricsHandler serves the engine's metrics as Prometheus text or JSON
// (content-negotiated), for a process entrypoint to mount directly.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.HTTPHandler()
}

// LivenessHandler reports process liveness, independent of dependency
// health, for a process entrypoint to mount directly.
func (e *Engine) LivenessHandler() http.Handler {
	return e.health.LivenessHandler()
}

// ReadinessHandler reports whether the engine is ready to serve
// traffic, for a process entrypoint to mount directly.
func (e *Engine) ReadinessHandler() http.Handler {
	return e.health.ReadinessHandler()
}

// Close releases the process-scoped secret material. It does not
// close the EvidenceStore handle, which the caller owns.
func (e *Engine) Close() {
	e.health.SetReady(false)
	e.macSigner.Close()
}

// IssueChallenge implements issueChallenge(sessionId, organiserId, metadata?).
func (e *Engine) IssueChallenge(ctx context.Context, sessionID, organiserID string) (*model.Challenge, error) {
	ch, err := e.issuer.Issue(ctx, sessionID, organiserID)
	if err == nil {
		e.challengesIssued.Inc()
		_ = e.audit.LogChallengeIssued(ctx, sessionID, organiserID)
	}
	return ch, err
}

// VerifyResponse implements verifyResponse(signedResponseBlob, evidence, now).
// It waits for a token from the configured rate limiter, runs the
// Verifier, then the Analyzer (for every structural verdict, failed
// ones included), then the Compositor, all under a timeout of one
// challenge validity window (§5). The timeout is the full window; it
// is not shortened to the challenge's remaining validity.
func (e *Engine) VerifyResponse(ctx context.Context, blob []byte, evidence model.Evidence, now time.Time) (model.AttendanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ChallengeValidity())
	defer cancel()

	if err := e.limiter.Wait(ctx); err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("engine: worker pool saturated: %w", err)
	}

	e.responsesTotal.Inc()

	verdict := e.verifier.Verify(ctx, blob, now)
	if verdict.Status != model.StructuralFail {
		e.responseLatency.ObserveDuration(verdict.ResponseLatency)
	}
	_ = e.audit.LogResponseVerified(ctx, verdict.SessionID, verdict.ParticipantID, string(verdict.Status))

	analysis, err := e.analyzer.Analyze(ctx, verdict, evidence)
	if err != nil {
		e.log.Warn("analyzer failed, proceeding with bare structural verdict", "err", err)
	}

	record, err := e.compose.Composite(ctx, verdict, analysis)
	if err == nil {
		_ = e.audit.LogRecordCommitted(ctx, record.RecordID, string(record.Outcome), record.RiskScore)
		if c, ok := e.outcomeCounters[record.Outcome]; ok {
			c.Inc()
		}
		for _, flag := range record.Flags.Tripped() {
			if c, ok := e.flagCounters[flag]; ok {
				c.Inc()
			}
		}
	}
	return record, err
}

// SessionReport implements sessionReport(sessionId).
func (e *Engine) SessionReport(ctx context.Context, sessionID string) (report.SessionReport, error) {
	return report.Generate(ctx, e.store, sessionID)
}

// ApplyOverride implements applyOverride(recordId, actorId, reason, newOutcome).
// The spec's recordId is opaque to external callers but internally
// addressed by (sessionId, participantId); callers supply both.
func (e *Engine) ApplyOverride(ctx context.Context, sessionID, participantID, actorID, reason string, newOutcome model.Outcome) (model.AttendanceRecord, error) {
	record, err := e.compose.ApplyOverride(ctx, sessionID, participantID, actorID, reason, newOutcome)
	if err == nil {
		_ = e.audit.LogOverrideApplied(ctx, record.RecordID, actorID, reason, string(newOutcome))
	}
	return record, err
}

// NewEvidenceStore builds the configured Store backend.
func NewEvidenceStore(cfg *config.Config) (evidencestore.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return evidencestore.OpenSQLite(cfg.StorePath)
	default:
		return evidencestore.NewMemory(0), nil
	}
}

// LoadSigningMaterial loads the process secret and (if configured) the
// Ed25519 record-signing key from disk, per §4.1 and §9's secret
// handling notes.
func LoadSigningMaterial(cfg *config.Config) (secret []byte, recordKey ed25519.PrivateKey, err error) {
	secret, err = mac.LoadSecret(cfg.SecretPath)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: load secret: %w", err)
	}
	if cfg.RecordSigningKeyPath == "" {
		return secret, nil, nil
	}
	recordKey, err = signer.LoadPrivateKey(cfg.RecordSigningKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: load record signing key: %w", err)
	}
	return secret, recordKey, nil
}
