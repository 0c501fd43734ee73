package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for walletsync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Platform API base URL (required)
	APIBaseURL string `env:"PLATFORM_API_URL"`

	// Wallet event feed websocket URL. Empty disables the feed listener;
	// syncs then only run on explicit triggers and the periodic timer.
	WalletFeedURL string `env:"WALLET_FEED_URL"`

	// Path of the local state database. When empty it defaults to
	// ~/.walletsync/state.db.
	StatePath string `env:"STATE_DB_PATH"`

	// Session lifetime in minutes.
	SessionTTLMinutes int `env:"SESSION_TTL_MINUTES" envDefault:"30"`

	// Audit retention window in days.
	AuditRetentionDays int `env:"AUDIT_RETENTION_DAYS" envDefault:"90"`

	// Hash wallet addresses and identifiers in audit metadata.
	HashAuditData bool `env:"AUDIT_HASH_SENSITIVE" envDefault:"true"`

	// Allow encrypting without a user identifier under a fixed key. This
	// is a documented low-security mode and stays off unless opted in.
	AllowAnonymousKey bool `env:"ALLOW_ANONYMOUS_KEY" envDefault:"false"`

	// Periodic background sync.
	AutoSync            bool `env:"AUTO_SYNC" envDefault:"true"`
	SyncIntervalSeconds int  `env:"SYNC_INTERVAL_SECONDS" envDefault:"300"`

	// Prometheus listen address. Empty disables the metrics endpoint.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR"`

	// Fallback cache freshness in minutes.
	CacheTTLMinutes int `env:"FALLBACK_CACHE_TTL_MINUTES" envDefault:"30"`

	// Automatic recovery retries per error.
	MaxRecoveryRetries int `env:"MAX_RECOVERY_RETRIES" envDefault:"3"`

	// Stored profile data freshness bound in hours.
	StorageMaxAgeHours int `env:"STORAGE_MAX_AGE_HOURS" envDefault:"24"`

	// Staleness bound for focus and activity triggered syncs.
	StalenessThresholdSeconds int `env:"STALENESS_THRESHOLD_SECONDS" envDefault:"300"`

	// Sync requests allowed per user and operation per minute.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("PLATFORM_API_URL is required")
	}

	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive")
	}

	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be positive")
	}

	if c.AutoSync && c.SyncIntervalSeconds <= 0 {
		return fmt.Errorf("SYNC_INTERVAL_SECONDS must be positive when AUTO_SYNC is enabled")
	}

	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}

	return nil
}

// DefaultStatePath returns the default state database location:
// ~/.walletsync/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".walletsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// SyncInterval returns the periodic sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// CacheTTL returns the fallback cache freshness bound as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// StorageMaxAge returns the stored data freshness bound as a duration.
func (c *Config) StorageMaxAge() time.Duration {
	return time.Duration(c.StorageMaxAgeHours) * time.Hour
}

// StalenessThreshold returns the focus/activity sync staleness bound as
// a duration.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdSeconds) * time.Second
}
