// Package config handles configuration loading and validation for attendcheckd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the engine configuration.
type Config struct {
	// ChallengeValidityMs is how long an issued challenge remains
	// acceptable, in milliseconds.
	ChallengeValidityMs int64 `toml:"challenge_validity_ms"`

	// ChallengeCodeBytes/NonceBytes control the entropy of generated
	// challenge material; spec requires >=32 and >=16 respectively.
	ChallengeCodeBytes int `toml:"challenge_code_bytes"`
	NonceBytes         int `toml:"nonce_bytes"`

	// RSSI thresholds, dBm.
	RSSIWeakThreshold   int `toml:"rssi_weak_threshold"`
	RSSIMediumThreshold int `toml:"rssi_medium_threshold"`

	// Response timing thresholds, milliseconds.
	ResponseSuspiciousFastMs int64 `toml:"response_suspicious_fast_ms"`
	ResponseMinHumanMs       int64 `toml:"response_min_human_ms"`
	ResponseMaxReasonableMs  int64 `toml:"response_max_reasonable_ms"`

	// Location plausibility thresholds.
	LocationJumpDistanceM     float64 `toml:"location_jump_distance_m"`
	LocationMinMovementTimeMs int64   `toml:"location_min_movement_time_ms"`

	// Wireless environment thresholds.
	WifiMinExpected   int      `toml:"wifi_min_expected"`
	WifiMaxReasonable int      `toml:"wifi_max_reasonable"`
	WifiBlacklist     []string `toml:"wifi_blacklist"`

	// AttestationBlacklist names device attestation tokens that trip
	// rootedDevice.
	AttestationBlacklist []string `toml:"attestation_blacklist"`

	// BehavioralAlpha is the EWMA smoothing factor for the response
	// latency baseline, in (0,1].
	BehavioralAlpha float64 `toml:"behavioral_alpha"`

	// AnalysisTtlSec / LocationTtlSec control how long per-response
	// analyses and last-known locations live in the EvidenceStore.
	AnalysisTtlSec int64 `toml:"analysis_ttl_sec"`
	LocationTtlSec int64 `toml:"location_ttl_sec"`

	// SecretPath is the path to the process-scoped HMAC secret. Raw
	// bytes, OpenSSH-format, or a 32/64-byte seed are all accepted.
	SecretPath string `toml:"secret_path"`

	// RiskPolicyPath optionally points to a YAML document overriding
	// the built-in flag-weight table. Empty uses the spec defaults.
	RiskPolicyPath string `toml:"risk_policy_path"`

	// RecordSigningKeyPath is the Ed25519 key used to countersign
	// every committed AttendanceRecord, independent of the HMAC used
	// for the challenge/response leg.
	RecordSigningKeyPath string `toml:"record_signing_key_path"`

	// WorkerPoolSize / WorkerPoolBurst are the rate (tokens per second)
	// and burst of the token-bucket limiter that paces response
	// verification; they do not cap how many responses run at once.
	WorkerPoolSize  int `toml:"worker_pool_size"`
	WorkerPoolBurst int `toml:"worker_pool_burst"`

	// StoreBackend selects the EvidenceStore implementation: "memory"
	// or "sqlite". StorePath is ignored for "memory".
	StoreBackend string `toml:"store_backend"`
	StorePath    string `toml:"store_path"`

	// LogPath is the path to the daemon log file.
	LogPath string `toml:"log_path"`

	// LogLevel is the minimum level written to LogPath: debug, info,
	// warn, or error.
	LogLevel string `toml:"log_level"`

	// AuditLogPath is the path to the append-only audit trail.
	AuditLogPath string `toml:"audit_log_path"`

	// ListenAddr is the address the serve subcommand binds its HTTP
	// API (issue/verify/report) and /healthz, /readyz, /metrics
	// endpoints to.
	ListenAddr string `toml:"listen_addr"`

	// CrashDumpDir is where the serve subcommand writes crash reports
	// recovered from a panicking request handler.
	CrashDumpDir string `toml:"crash_dump_dir"`
}

// DefaultConfig returns a configuration with the spec's default
// thresholds and the wifi blacklist §4.5(d) enumerates.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dir := filepath.Join(homeDir, ".attendcheckd")

	return &Config{
		ChallengeValidityMs: 15000,
		ChallengeCodeBytes:  32,
		NonceBytes:          16,

		RSSIWeakThreshold:   -70,
		RSSIMediumThreshold: -50,

		ResponseSuspiciousFastMs: 200,
		ResponseMinHumanMs:       500,
		ResponseMaxReasonableMs:  10000,

		LocationJumpDistanceM:     1000,
		LocationMinMovementTimeMs: 30000,

		WifiMinExpected:   1,
		WifiMaxReasonable: 20,
		WifiBlacklist: []string{
			"MOCK_WIFI", "TEST_AP", "FAKE_NETWORK", "EMULATOR_WIFI",
			"SIMULATOR_AP", "DEBUG_WIFI", "PROXY_NETWORK",
		},

		AttestationBlacklist: []string{"rooted", "jailbroken", "emulator"},

		BehavioralAlpha: 0.2,
		AnalysisTtlSec:  604800,
		LocationTtlSec:  3600,

		SecretPath:           filepath.Join(dir, "secret.key"),
		RiskPolicyPath:       "",
		RecordSigningKeyPath: filepath.Join(homeDir, ".ssh", "attendcheckd_record_key"),

		WorkerPoolSize:  16,
		WorkerPoolBurst: 32,

		StoreBackend: "memory",
		StorePath:    filepath.Join(dir, "evidence.db"),

		LogPath:      filepath.Join(dir, "attendcheckd.log"),
		LogLevel:     "info",
		AuditLogPath: filepath.Join(dir, "audit.jsonl"),

		ListenAddr: "127.0.0.1:8089",

		CrashDumpDir: filepath.Join(dir, "crashes"),
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".attendcheckd", "config.toml")
}

// Load reads configuration from path, overlaying it on DefaultConfig.
// If the file doesn't exist, returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for the init-time failures the
// spec calls configurationError: bad thresholds, missing secret path,
// unknown store backend.
func (c *Config) Validate() error {
	if c.ChallengeValidityMs <= 0 {
		return errors.New("config: challenge_validity_ms must be positive")
	}
	if c.ChallengeCodeBytes < 32 {
		return errors.New("config: challenge_code_bytes must be >= 32")
	}
	if c.NonceBytes < 16 {
		return errors.New("config: nonce_bytes must be >= 16")
	}
	if c.RSSIWeakThreshold >= c.RSSIMediumThreshold {
		return errors.New("config: rssi_weak_threshold must be weaker (more negative) than rssi_medium_threshold")
	}
	if c.BehavioralAlpha <= 0 || c.BehavioralAlpha > 1 {
		return errors.New("config: behavioral_alpha must be in (0,1]")
	}
	if c.SecretPath == "" {
		return errors.New("config: secret_path is required")
	}
	if c.WorkerPoolSize < 1 {
		return errors.New("config: worker_pool_size must be at least 1")
	}
	if c.WorkerPoolBurst < c.WorkerPoolSize {
		return errors.New("config: worker_pool_burst must be >= worker_pool_size")
	}
	switch c.StoreBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "sqlite" && c.StorePath == "" {
		return errors.New("config: store_path is required for the sqlite backend")
	}
	return nil
}

// ChallengeValidity returns ChallengeValidityMs as a time.Duration.
func (c *Config) ChallengeValidity() time.Duration {
	return time.Duration(c.ChallengeValidityMs) * time.Millisecond
}

// AnalysisTTL returns AnalysisTtlSec as a time.Duration.
func (c *Config) AnalysisTTL() time.Duration {
	return time.Duration(c.AnalysisTtlSec) * time.Second
}

// LocationTTL returns LocationTtlSec as a time.Duration.
func (c *Config) LocationTTL() time.Duration {
	return time.Duration(c.LocationTtlSec) * time.Second
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.SecretPath),
		filepath.Dir(c.StorePath),
		filepath.Dir(c.LogPath),
		filepath.Dir(c.AuditLogPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}

// AttendcheckdDir returns the base attendcheckd directory.
func AttendcheckdDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".attendcheckd")
}
