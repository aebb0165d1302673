package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string
	Addr        string
	DatabaseURL string

	// Identifier mapping store
	LIDCacheTTL       time.Duration
	LIDCacheMaxSize   int
	LIDBatchSize      int
	LIDRetryAttempts  int
	LIDRetryBaseDelay time.Duration

	// Cleanup scheduler
	CleanupEnabled        bool
	CleanupInterval       time.Duration
	CleanupHour           int
	CleanupSecondaryAfter time.Duration
	CleanupPrimaryAfter   time.Duration
	CleanupOrphanAfter    time.Duration
	CleanupOnStartup      bool

	// Activity tracker
	ActivityTrackingEnabled bool
	ActivityFlushInterval   time.Duration

	MigrationLedgerTTL time.Duration

	// Decryption pipeline
	DecryptRetryAttempts int
	DecryptRetryDelay    time.Duration
	RecoveryDeviceWindow int

	// Directory service
	USyncBaseURL     string
	USyncTimeout     time.Duration
	DeviceJID        string
	DeviceSigningKey string

	// Ops API
	OpsSharedSecret string
	OpsJWKSURL      string
	OpsIssuer       string
	CORSOrigins     []string
	OpsRateLimit    int
}

// Load reads a .env file when present, then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: could not read .env", "error", err)
	}

	cfg := Config{
		Environment: envOr("ENVIRONMENT", "dev"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		Addr:        envOr("SESSIOND_ADDR", ":8090"),
		DatabaseURL: envOr("DATABASE_URL", "sqlite://sessiond.db"),

		LIDCacheTTL:       envDuration("LID_CACHE_TTL", 72*time.Hour),
		LIDCacheMaxSize:   envPositive("LID_CACHE_MAX_SIZE", 10000),
		LIDBatchSize:      envPositive("LID_BATCH_SIZE", 50),
		LIDRetryAttempts:  envPositive("LID_RETRY_ATTEMPTS", 3),
		LIDRetryBaseDelay: envDuration("LID_RETRY_BASE_DELAY", 200*time.Millisecond),

		CleanupEnabled:        envBool("CLEANUP_ENABLED", true),
		CleanupInterval:       envDuration("CLEANUP_INTERVAL", 24*time.Hour),
		CleanupHour:           envInt("CLEANUP_HOUR", 3),
		CleanupSecondaryAfter: time.Duration(envPositive("CLEANUP_SECONDARY_DAYS", 15)) * 24 * time.Hour,
		CleanupPrimaryAfter:   time.Duration(envPositive("CLEANUP_PRIMARY_DAYS", 30)) * 24 * time.Hour,
		CleanupOrphanAfter:    time.Duration(envPositive("CLEANUP_LID_ORPHAN_HOURS", 24)) * time.Hour,
		CleanupOnStartup:      envBool("CLEANUP_ON_STARTUP", false),

		ActivityTrackingEnabled: envBool("ACTIVITY_TRACKING_ENABLED", true),
		ActivityFlushInterval:   envDuration("ACTIVITY_FLUSH_INTERVAL", 5*time.Minute),

		MigrationLedgerTTL: envDuration("MIGRATION_LEDGER_TTL", 7*24*time.Hour),

		DecryptRetryAttempts: envPositive("DECRYPT_RETRY_ATTEMPTS", 3),
		DecryptRetryDelay:    envDuration("DECRYPT_RETRY_DELAY", 100*time.Millisecond),
		RecoveryDeviceWindow: envInt("RECOVERY_DEVICE_WINDOW", 20),

		USyncBaseURL:     envOr("USYNC_BASE_URL", ""),
		USyncTimeout:     envDuration("USYNC_TIMEOUT", 10*time.Second),
		DeviceJID:        envOr("DEVICE_JID", ""),
		DeviceSigningKey: envOr("DEVICE_SIGNING_KEY", ""),

		OpsSharedSecret: envOr("OPS_SHARED_SECRET", ""),
		OpsJWKSURL:      envOr("OPS_JWKS_URL", ""),
		OpsIssuer:       envOr("OPS_ISSUER", ""),
		CORSOrigins:     splitList(envOr("CORS_ORIGINS", "")),
		OpsRateLimit:    envPositive("OPS_RATE_LIMIT", 100),
	}

	if cfg.CleanupHour < 0 || cfg.CleanupHour > 23 {
		slog.Warn("config: invalid cleanup hour, defaulting", "hour", cfg.CleanupHour)
		cfg.CleanupHour = 3
	}
	if cfg.RecoveryDeviceWindow < 0 || cfg.RecoveryDeviceWindow > 98 {
		slog.Warn("config: invalid recovery device window, defaulting", "window", cfg.RecoveryDeviceWindow)
		cfg.RecoveryDeviceWindow = 20
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envPositive(key string, fallback int) int {
	n := envInt(key, fallback)
	if n <= 0 {
		slog.Warn("config: non-positive value, using default", "key", key, "value", n, "default", fallback)
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		slog.Warn("config: invalid bool, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "72h") or a bare integer
// number of milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", fallback)
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
