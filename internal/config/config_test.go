package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := Load()
	if cfg.LIDCacheTTL != 72*time.Hour {
		t.Fatalf("expected 72h cache ttl, got %s", cfg.LIDCacheTTL)
	}
	if cfg.CleanupSecondaryAfter != 15*24*time.Hour || cfg.CleanupPrimaryAfter != 30*24*time.Hour {
		t.Fatalf("unexpected device thresholds: %s / %s", cfg.CleanupSecondaryAfter, cfg.CleanupPrimaryAfter)
	}
	if cfg.CleanupOrphanAfter != 24*time.Hour {
		t.Fatalf("expected 24h orphan threshold, got %s", cfg.CleanupOrphanAfter)
	}
	if cfg.MigrationLedgerTTL != 7*24*time.Hour {
		t.Fatalf("expected 7d ledger ttl, got %s", cfg.MigrationLedgerTTL)
	}
	if !cfg.CleanupEnabled || cfg.CleanupOnStartup {
		t.Fatalf("unexpected cleanup flags: enabled=%v onStartup=%v", cfg.CleanupEnabled, cfg.CleanupOnStartup)
	}
	if cfg.DecryptRetryAttempts != 3 {
		t.Fatalf("expected 3 decrypt attempts, got %d", cfg.DecryptRetryAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LID_CACHE_TTL", "90s")
	t.Setenv("LID_RETRY_BASE_DELAY", "250")
	t.Setenv("CLEANUP_LID_ORPHAN_HOURS", "48")
	t.Setenv("CLEANUP_ON_STARTUP", "true")
	t.Setenv("ACTIVITY_TRACKING_ENABLED", "false")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg := Load()
	if cfg.LIDCacheTTL != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.LIDCacheTTL)
	}
	if cfg.LIDRetryBaseDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.LIDRetryBaseDelay)
	}
	if cfg.CleanupOrphanAfter != 48*time.Hour {
		t.Fatalf("expected 48h, got %s", cfg.CleanupOrphanAfter)
	}
	if !cfg.CleanupOnStartup || cfg.ActivityTrackingEnabled {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LID_BATCH_SIZE", "-4")
	t.Setenv("CLEANUP_HOUR", "31")
	t.Setenv("CLEANUP_ENABLED", "maybe")
	t.Setenv("ACTIVITY_FLUSH_INTERVAL", "soon")

	cfg := Load()
	if cfg.LIDBatchSize != 50 {
		t.Fatalf("expected default batch size, got %d", cfg.LIDBatchSize)
	}
	if cfg.CleanupHour != 3 {
		t.Fatalf("expected default hour, got %d", cfg.CleanupHour)
	}
	if !cfg.CleanupEnabled {
		t.Fatalf("expected default enabled flag")
	}
	if cfg.ActivityFlushInterval != 5*time.Minute {
		t.Fatalf("expected default flush interval, got %s", cfg.ActivityFlushInterval)
	}
}
