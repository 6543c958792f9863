// Package config loads forge's configuration from TOML files with
// environment overrides, following the same shape the teacher codebase
// uses for its own service config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the orchestration core.
type Config struct {
	Environment string        `toml:"environment"`
	DataPath    string        `toml:"data_path"`
	Logging     LoggingConfig `toml:"logging"`
	JobStore    JobStoreConfig `toml:"jobstore"`
	Worker      WorkerConfig  `toml:"worker"`
	Sweeper     SweeperConfig `toml:"sweeper"`
	Circuit     CircuitConfig `toml:"circuit"`
	DLQ         DLQConfig     `toml:"dlq"`
	RefundSweep RefundSweepConfig `toml:"refund_sweeper"`
	Reconcile   ReconcileConfig   `toml:"reconciliation"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	Asset       AssetConfig   `toml:"asset"`
	Drain       DrainConfig   `toml:"drain"`
	Providers   map[string]ProviderConfig `toml:"providers"`
}

// LoggingConfig controls the platform/log logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// JobStoreConfig configures the durable job queue backend.
type JobStoreConfig struct {
	DSN             string `toml:"dsn"`
	Namespace       string `toml:"namespace"`
	Database        string `toml:"database"`
	JobMaxAttempts  int    `toml:"job_max_attempts"`
	LeaseSeconds    int    `toml:"lease_seconds"`
	BackoffBaseMS   int    `toml:"backoff_base_ms"`
	BackoffCapMS    int    `toml:"backoff_cap_ms"`
}

// WorkerConfig configures a worker process's slot pool.
type WorkerConfig struct {
	MaxConcurrent            int `toml:"max_concurrent"`
	PerProviderMaxConcurrent int `toml:"per_provider_max_concurrent"`
	HeartbeatIntervalMS      int `toml:"heartbeat_interval_ms"`
}

// SweeperConfig configures the lease-reclaim sweep loop.
type SweeperConfig struct {
	IntervalSeconds       int `toml:"interval_seconds"`
	Max                   int `toml:"max"`
	StaleProcessingSeconds int `toml:"stale_processing_seconds"`
	StaleQueueSeconds      int `toml:"stale_queue_seconds"`
}

// CircuitConfig configures the per-provider circuit breaker.
type CircuitConfig struct {
	FailureRateThreshold float64 `toml:"failure_rate_threshold"`
	MinVolume            int     `toml:"min_volume"`
	CooldownMS           int     `toml:"cooldown_ms"`
	MaxSamples           int     `toml:"max_samples"`
}

// DLQConfig configures the dead-letter reprocessor.
type DLQConfig struct {
	PollIntervalMS  int `toml:"poll_interval_ms"`
	MaxEntriesPerRun int `toml:"max_entries_per_run"`
	MinDlqAgeSeconds int `toml:"min_dlq_age_seconds"`
}

// RefundSweepConfig configures the refund-retry sweeper.
type RefundSweepConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	MaxPerRun       int `toml:"max_per_run"`
	MaxAttempts     int `toml:"max_attempts"`
}

// ReconcileConfig configures incremental and full ledger reconciliation.
type ReconcileConfig struct {
	IncrementalIntervalSeconds int     `toml:"incremental_interval_seconds"`
	FullIntervalHours          int     `toml:"full_interval_hours"`
	IncrementalScanLimit       int     `toml:"incremental_scan_limit"`
	FullPassPageSize           int     `toml:"full_pass_page_size"`
	MaxIntervalSeconds         int     `toml:"max_interval_seconds"`
	BackoffFactor              float64 `toml:"backoff_factor"`
}

// IdempotencyConfig configures the submit-side dedup windows.
type IdempotencyConfig struct {
	PendingLockTTLMS int `toml:"pending_lock_ttl_ms"`
	ReplayTTLMS      int `toml:"replay_ttl_ms"`
}

// AssetConfig configures object storage and content-token issuance.
type AssetConfig struct {
	Backend        string `toml:"backend"` // "file" or "s3"
	BasePath       string `toml:"base_path"`
	CacheControl   string `toml:"cache_control"`
	SignedURLTTLMS int    `toml:"signed_url_ttl_ms"`
	TokenTTLSeconds int   `toml:"token_ttl_seconds"`
	TokenSecret    string `toml:"token_secret"`
	S3             S3Config `toml:"s3"`
}

// S3Config configures the S3 asset backend.
type S3Config struct {
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// DrainConfig configures graceful shutdown.
type DrainConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// ProviderConfig configures a single registered provider adapter.
type ProviderConfig struct {
	Kind    string `toml:"kind"` // "http", "sdk" or "inline"
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Timeout string `toml:"timeout"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
}

// GetTimeout parses the provider's timeout string, defaulting to 60s.
func (c *ProviderConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Default returns a Config populated with the defaults enumerated in
// SPEC_FULL.md / spec.md §6.
func Default() *Config {
	return &Config{
		Environment: "development",
		DataPath:    "data",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		JobStore: JobStoreConfig{
			DSN:            "ws://localhost:8000/rpc",
			Namespace:      "forge",
			Database:       "core",
			JobMaxAttempts: 5,
			LeaseSeconds:   60,
			BackoffBaseMS:  2000,
			BackoffCapMS:   300000,
		},
		Worker: WorkerConfig{
			MaxConcurrent:            10,
			PerProviderMaxConcurrent: 4,
			HeartbeatIntervalMS:      15000, // lease/heartbeat ratio 1/4, within the <= 1/3 bound
		},
		Sweeper: SweeperConfig{
			IntervalSeconds:        10,
			Max:                    100,
			StaleProcessingSeconds: 120,
			StaleQueueSeconds:      3600,
		},
		Circuit: CircuitConfig{
			FailureRateThreshold: 0.6,
			MinVolume:            20,
			CooldownMS:           30000,
			MaxSamples:           50,
		},
		DLQ: DLQConfig{
			PollIntervalMS:   5000,
			MaxEntriesPerRun: 25,
			MinDlqAgeSeconds: 10,
		},
		RefundSweep: RefundSweepConfig{
			IntervalSeconds: 15,
			MaxPerRun:       50,
			MaxAttempts:     8,
		},
		Reconcile: ReconcileConfig{
			IncrementalIntervalSeconds: 30,
			FullIntervalHours:          6,
			IncrementalScanLimit:       500,
			FullPassPageSize:           200,
			MaxIntervalSeconds:         3600,
			BackoffFactor:              2.0,
		},
		Idempotency: IdempotencyConfig{
			PendingLockTTLMS: 10000,
			ReplayTTLMS:      86400000,
		},
		Asset: AssetConfig{
			Backend:         "file",
			BasePath:        "data/assets",
			CacheControl:    "public, max-age=86400",
			SignedURLTTLMS:  900000,
			TokenTTLSeconds: 900,
			TokenSecret:     "dev-content-token-secret-change-in-production",
		},
		Drain: DrainConfig{TimeoutSeconds: 30},
		Providers: map[string]ProviderConfig{
			"draft-fast": {Kind: "http", Timeout: "30s", RateLimitPerSecond: 5},
			"premium":    {Kind: "sdk", Model: "veo-3.1-generate", Timeout: "5m", RateLimitPerSecond: 1},
		},
	}
}

// Load reads and merges zero or more TOML files in order (later files
// override earlier fields), then applies FORGE_* environment overrides.
func Load(paths ...string) (*Config, error) {
	cfg := Default()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FORGE_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("FORGE_JOBSTORE_DSN"); v != "" {
		cfg.JobStore.DSN = v
	}
	if v := os.Getenv("FORGE_ASSET_BACKEND"); v != "" {
		cfg.Asset.Backend = v
	}
	if v := os.Getenv("FORGE_ASSET_S3_BUCKET"); v != "" {
		cfg.Asset.S3.Bucket = v
	}
	if v := os.Getenv("FORGE_CONTENT_TOKEN_SECRET"); v != "" {
		cfg.Asset.TokenSecret = v
	}
	if v := os.Getenv("FORGE_WORKER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxConcurrent = n
		}
	}
}

// Validate enforces the cross-field invariants spec.md calls out, such as
// heartbeat being no more than a third of the lease duration.
func (c *Config) Validate() error {
	leaseMS := c.JobStore.LeaseSeconds * 1000
	if leaseMS > 0 && c.Worker.HeartbeatIntervalMS*3 > leaseMS {
		return fmt.Errorf("config: heartbeat_interval_ms (%d) must be <= lease_seconds/3 (%d)",
			c.Worker.HeartbeatIntervalMS, leaseMS/3)
	}
	if c.Circuit.FailureRateThreshold <= 0 || c.Circuit.FailureRateThreshold > 1 {
		return fmt.Errorf("config: circuit.failure_rate_threshold must be in (0,1]")
	}
	backend := strings.ToLower(c.Asset.Backend)
	if backend != "file" && backend != "s3" {
		return fmt.Errorf("config: asset.backend must be 'file' or 's3', got %q", c.Asset.Backend)
	}
	return nil
}

// IsProduction reports whether the environment is a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
