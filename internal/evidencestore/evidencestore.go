// Package evidencestore provides the short-TTL keyed store the engine
// uses for per-identity history: challenges, last-known location,
// device/participant binding, behavioral baselines, and per-response
// analyses.
//
// The interface is intentionally narrow. Two implementations are
// provided: Memory, a process-local expiring cache suitable for tests
// and single-process deployments, and SQLite, a durable single-node
// reference backend. Production deployments with multiple engine
// processes are expected to supply their own implementation backed by
// a networked cache.
package evidencestore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned by any Store operation that could not
// complete (backend down, deadline exceeded, etc). Callers degrade by
// treating a missing read as "no history" — except for the challenge
// lookup, which is always fail-closed (see the verifier package).
var ErrUnavailable = errors.New("evidencestore: unavailable")

// ErrNotFound is returned by Get when the key does not exist (and is
// not wrapped in ErrUnavailable — it is a normal, expected outcome).
var ErrNotFound = errors.New("evidencestore: not found")

// Store is the abstract key/value interface the engine depends on.
// All methods accept a context carrying the caller's deadline, which
// implementations must honour.
type Store interface {
	// PutWithTTL stores value under key, expiring it after ttl.
	PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves the value stored under key. Returns ErrNotFound if
	// absent (not yet expired keys only; expired keys also read as
	// ErrNotFound).
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes key, if present.
	Del(ctx context.Context, key string) error

	// AppendSetMember adds member to the string set stored under key,
	// creating it if absent and (re)applying ttl to the whole set.
	AppendSetMember(ctx context.Context, key string, member string, ttl time.Duration) error

	// SetMembers returns the current members of the set stored under
	// key, or an empty slice if the key does not exist.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// ScanBySession returns the raw analysis values indexed under the
	// given session via the analyses:by-session:{sessionId} secondary
	// index (see Key helpers below), never by scanning the keyspace.
	ScanBySession(ctx context.Context, sessionID string) ([][]byte, error)

	// PutIfAbsent atomically stores value under key only if key does
	// not already hold a value, expiring it after ttl. It reports
	// whether this call won the race; when it loses, existing holds
	// the value written by the winner. This backs the Compositor's
	// single-writer-per-(sessionId,participantId) commit rule.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (committed bool, existing []byte, err error)
}

// Key scheme — stable and part of the contract because reports and
// operators read these keys directly.

// ChallengeKey returns the key a Challenge is stored under.
func ChallengeKey(sessionID string) string {
	return fmt.Sprintf("challenge:%s", sessionID)
}

// AnalysisKey returns the key a single Analysis is stored under.
func AnalysisKey(participantID string, timestampMs int64) string {
	return fmt.Sprintf("analysis:%s:%d", participantID, timestampMs)
}

// AnalysesBySessionIndexKey returns the secondary-index key listing
// the AnalysisKeys recorded for a session.
func AnalysesBySessionIndexKey(sessionID string) string {
	return fmt.Sprintf("analyses:by-session:%s", sessionID)
}

// LastLocationKey returns the key a participant's last known Location
// is stored under.
func LastLocationKey(participantID string) string {
	return fmt.Sprintf("location:%s:last", participantID)
}

// DeviceUsageKey returns the key a device's DeviceUsage record is
// stored under.
func DeviceUsageKey(deviceID string) string {
	return fmt.Sprintf("device:%s:usage", deviceID)
}

// BehaviorKey returns the key a participant's BehavioralBaseline is
// stored under.
func BehaviorKey(participantID string) string {
	return fmt.Sprintf("behavior:%s:pattern", participantID)
}

// AttendanceKey returns the key a committed AttendanceRecord is
// stored under, used for the compare-and-set commit race (§5).
func AttendanceKey(sessionID, participantID string) string {
	return fmt.Sprintf("attendance:%s:%s", sessionID, participantID)
}
