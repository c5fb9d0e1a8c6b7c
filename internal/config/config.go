// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir           string // Base directory for all databases (always absolute)
	Port              int
	DevMode           bool
	LogLevel          string
	ProsodyServiceURL string
	ProsodyAPIKey     string
	LocalModelURL     string
	LedgerServiceURL  string
	LedgerAPIKey      string
	NotifyGatewayURL  string // empty means log-only delivery
	BackupBucket      string // S3-compatible bucket for nightly database backups
	BackupEndpoint    string
	BackupAccessKey   string
	BackupSecretKey   string
	SessionSecret     string
	Auth              AuthConfig
	Quota             QuotaConfig
	Breakers          BreakerConfig
	Failover          FailoverConfig
	Dispute           DisputeConfig
	Levels            LevelConfig
	Hub               HubConfig
}

// AuthConfig holds session and user configuration. Users is parsed from
// CAROVANA_USERS as comma-separated "username:sha256(password):role" triples.
type AuthConfig struct {
	Users      map[string]UserCredential
	SessionTTL time.Duration
}

// UserCredential is one configured user
type UserCredential struct {
	PasswordHash string // hex sha256
	Role         string // admin | operator | viewer
}

// QuotaConfig holds remote prosody quota tracking configuration
type QuotaConfig struct {
	ProsodyQuotaLimit    int     // minutes per billing period
	FallbackThresholdPct float64 // cascade skips the remote tier at or above this usage
}

// BreakerConfig holds per-dependency circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold      int
	LocalRecoveryTimeout  time.Duration
	RemoteRecoveryTimeout time.Duration
	HalfOpenProbes        int
	CallTimeout           time.Duration
}

// FailoverConfig holds carrier failover agent configuration
type FailoverConfig struct {
	CheckInterval     time.Duration
	KPIMinPct         float64 // carriers below this on-time rate are at risk
	ReplacementMinPct float64 // replacement carriers must meet this on-time rate
	AutoLimitAmount   float64 // escrow above this requires an admin override
	DeadlineGrace     time.Duration
}

// DisputeConfig holds dispute resolution agent configuration
type DisputeConfig struct {
	AutoResolveConfidence float64 // 0..100
	AutoResolveLimit      float64 // escrow above this always escalates
	WeightSignature       float64
	WeightConsistency     float64
	WeightDamage          float64
}

// LevelConfig holds economic level state machine configuration
type LevelConfig struct {
	DebounceMonths [5]int  // per level L0..L4 (L0 unused)
	SafetyRatioMax float64 // max_burn must stay under this fraction of MRR
}

// HubConfig holds command center hub configuration
type HubConfig struct {
	BufferSize int
	Heartbeat  time.Duration
	ReplayLast int
}

// recognizedKeys enumerates every CAROVANA_* environment variable the
// application understands. Unknown CAROVANA_* keys are rejected at load time
// so typos fail loudly instead of silently falling back to defaults.
var recognizedKeys = map[string]bool{
	"CAROVANA_DATA_DIR":                  true,
	"CAROVANA_PORT":                      true,
	"CAROVANA_DEV_MODE":                  true,
	"CAROVANA_LOG_LEVEL":                 true,
	"CAROVANA_PROSODY_URL":               true,
	"CAROVANA_PROSODY_API_KEY":           true,
	"CAROVANA_PROSODY_QUOTA_LIMIT":       true,
	"CAROVANA_PROSODY_FALLBACK_PCT":      true,
	"CAROVANA_LOCAL_MODEL_URL":           true,
	"CAROVANA_LEDGER_URL":                true,
	"CAROVANA_LEDGER_API_KEY":            true,
	"CAROVANA_NOTIFY_URL":                true,
	"CAROVANA_BREAKER_FAILURE_THRESHOLD": true,
	"CAROVANA_BREAKER_RECOVERY_LOCAL_S":  true,
	"CAROVANA_BREAKER_RECOVERY_REMOTE_S": true,
	"CAROVANA_FAILOVER_INTERVAL_S":       true,
	"CAROVANA_FAILOVER_KPI_MIN_PCT":      true,
	"CAROVANA_FAILOVER_REPLACEMENT_PCT":  true,
	"CAROVANA_FAILOVER_AUTO_LIMIT":       true,
	"CAROVANA_DISPUTE_CONFIDENCE":        true,
	"CAROVANA_DISPUTE_AUTO_LIMIT":        true,
	"CAROVANA_LEVEL_DEBOUNCE_L1":         true,
	"CAROVANA_LEVEL_DEBOUNCE_L2":         true,
	"CAROVANA_LEVEL_DEBOUNCE_L3":         true,
	"CAROVANA_LEVEL_DEBOUNCE_L4":         true,
	"CAROVANA_LEVEL_SAFETY_RATIO":        true,
	"CAROVANA_HUB_BUFFER_SIZE":           true,
	"CAROVANA_HUB_HEARTBEAT_S":           true,
	"CAROVANA_HUB_REPLAY_LAST_N":         true,
	"CAROVANA_BACKUP_BUCKET":             true,
	"CAROVANA_BACKUP_ENDPOINT":           true,
	"CAROVANA_BACKUP_ACCESS_KEY":         true,
	"CAROVANA_BACKUP_SECRET_KEY":         true,
	"CAROVANA_SESSION_SECRET":            true,
	"CAROVANA_USERS":                     true,
	"CAROVANA_SESSION_TTL_H":             true,
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := checkUnknownKeys(); err != nil {
		return nil, err
	}

	// Determine data directory, always resolved to an absolute path
	dataDir := getEnv("CAROVANA_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("CAROVANA_PORT", 8010),
		DevMode:           getEnvAsBool("CAROVANA_DEV_MODE", false),
		LogLevel:          getEnv("CAROVANA_LOG_LEVEL", "info"),
		ProsodyServiceURL: getEnv("CAROVANA_PROSODY_URL", "http://localhost:9100"),
		ProsodyAPIKey:     getEnv("CAROVANA_PROSODY_API_KEY", ""),
		LocalModelURL:     getEnv("CAROVANA_LOCAL_MODEL_URL", "http://localhost:11434"),
		LedgerServiceURL:  getEnv("CAROVANA_LEDGER_URL", "http://localhost:9200"),
		LedgerAPIKey:      getEnv("CAROVANA_LEDGER_API_KEY", ""),
		NotifyGatewayURL:  getEnv("CAROVANA_NOTIFY_URL", ""),
		BackupBucket:      getEnv("CAROVANA_BACKUP_BUCKET", ""),
		BackupEndpoint:    getEnv("CAROVANA_BACKUP_ENDPOINT", ""),
		BackupAccessKey:   getEnv("CAROVANA_BACKUP_ACCESS_KEY", ""),
		BackupSecretKey:   getEnv("CAROVANA_BACKUP_SECRET_KEY", ""),
		SessionSecret:     getEnv("CAROVANA_SESSION_SECRET", ""),
		Auth: AuthConfig{
			Users:      parseUsers(getEnv("CAROVANA_USERS", "")),
			SessionTTL: time.Duration(getEnvAsInt("CAROVANA_SESSION_TTL_H", 12)) * time.Hour,
		},
		Quota: QuotaConfig{
			ProsodyQuotaLimit:    getEnvAsInt("CAROVANA_PROSODY_QUOTA_LIMIT", 1000),
			FallbackThresholdPct: getEnvAsFloat("CAROVANA_PROSODY_FALLBACK_PCT", 90.0),
		},
		Breakers: BreakerConfig{
			FailureThreshold:      getEnvAsInt("CAROVANA_BREAKER_FAILURE_THRESHOLD", 3),
			LocalRecoveryTimeout:  time.Duration(getEnvAsInt("CAROVANA_BREAKER_RECOVERY_LOCAL_S", 30)) * time.Second,
			RemoteRecoveryTimeout: time.Duration(getEnvAsInt("CAROVANA_BREAKER_RECOVERY_REMOTE_S", 60)) * time.Second,
			HalfOpenProbes:        2,
			CallTimeout:           5 * time.Second,
		},
		Failover: FailoverConfig{
			CheckInterval:     time.Duration(getEnvAsInt("CAROVANA_FAILOVER_INTERVAL_S", 300)) * time.Second,
			KPIMinPct:         getEnvAsFloat("CAROVANA_FAILOVER_KPI_MIN_PCT", 90.0),
			ReplacementMinPct: getEnvAsFloat("CAROVANA_FAILOVER_REPLACEMENT_PCT", 95.0),
			AutoLimitAmount:   getEnvAsFloat("CAROVANA_FAILOVER_AUTO_LIMIT", 10000),
			DeadlineGrace:     24 * time.Hour,
		},
		Dispute: DisputeConfig{
			AutoResolveConfidence: getEnvAsFloat("CAROVANA_DISPUTE_CONFIDENCE", 85),
			AutoResolveLimit:      getEnvAsFloat("CAROVANA_DISPUTE_AUTO_LIMIT", 5000),
			WeightSignature:       0.4,
			WeightConsistency:     0.4,
			WeightDamage:          0.2,
		},
		Levels: LevelConfig{
			DebounceMonths: [5]int{
				0,
				getEnvAsInt("CAROVANA_LEVEL_DEBOUNCE_L1", 1),
				getEnvAsInt("CAROVANA_LEVEL_DEBOUNCE_L2", 2),
				getEnvAsInt("CAROVANA_LEVEL_DEBOUNCE_L3", 2),
				getEnvAsInt("CAROVANA_LEVEL_DEBOUNCE_L4", 3),
			},
			SafetyRatioMax: getEnvAsFloat("CAROVANA_LEVEL_SAFETY_RATIO", 0.90),
		},
		Hub: HubConfig{
			BufferSize: getEnvAsInt("CAROVANA_HUB_BUFFER_SIZE", 256),
			Heartbeat:  time.Duration(getEnvAsInt("CAROVANA_HUB_HEARTBEAT_S", 30)) * time.Second,
			ReplayLast: getEnvAsInt("CAROVANA_HUB_REPLAY_LAST_N", 50),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if c.Quota.FallbackThresholdPct <= 0 || c.Quota.FallbackThresholdPct > 100 {
		return fmt.Errorf("prosody fallback threshold must be in (0,100], got %.1f", c.Quota.FallbackThresholdPct)
	}
	if c.Levels.SafetyRatioMax <= 0 || c.Levels.SafetyRatioMax > 1 {
		return fmt.Errorf("level safety ratio must be in (0,1], got %.2f", c.Levels.SafetyRatioMax)
	}
	if c.Dispute.AutoResolveConfidence < 0 || c.Dispute.AutoResolveConfidence > 100 {
		return fmt.Errorf("dispute auto-resolve confidence must be in [0,100], got %.1f", c.Dispute.AutoResolveConfidence)
	}
	for username, cred := range c.Auth.Users {
		switch cred.Role {
		case "admin", "operator", "viewer":
		default:
			return fmt.Errorf("user %s has unknown role %q", username, cred.Role)
		}
		if len(cred.PasswordHash) != 64 {
			return fmt.Errorf("user %s password hash must be hex sha256", username)
		}
	}
	return nil
}

// parseUsers splits "username:sha256hex:role" triples. Malformed entries are
// skipped; Validate reports them.
func parseUsers(raw string) map[string]UserCredential {
	users := make(map[string]UserCredential)
	if raw == "" {
		return users
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 || parts[0] == "" {
			continue
		}
		users[parts[0]] = UserCredential{PasswordHash: parts[1], Role: parts[2]}
	}
	return users
}

// checkUnknownKeys rejects unrecognized CAROVANA_* environment variables
func checkUnknownKeys() error {
	for _, kv := range os.Environ() {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if strings.HasPrefix(key, "CAROVANA_") && !recognizedKeys[key] {
			return fmt.Errorf("unrecognized configuration key: %s", key)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
