package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use values like
// "100ms", "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// VolumeConfig describes one mounted storage volume. Membership is
// fixed at startup.
type VolumeConfig struct {
	ID            string `yaml:"id"`
	MountPath     string `yaml:"mount_path"`
	ShardingDepth int    `yaml:"sharding_depth"`
}

// RetryConfig controls failure scheduling for the queue.
type RetryConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	Exponential  bool     `yaml:"exponential"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// TenantConfig pre-seeds a tenant record and its tenant-wide quota.
type TenantConfig struct {
	ID    string `yaml:"id"`
	Quota int64  `yaml:"quota"`
}

// StoreConfig carries embedded-engine options. Journal maps to bbolt's
// NoSync (journal off disables fsync on commit) and LockTimeoutSec to
// the file-lock acquisition timeout. CheckpointTxns and ConnectionMode
// exist for config compatibility and have no bbolt equivalent.
type StoreConfig struct {
	Journal        *bool  `yaml:"journal"`
	CheckpointTxns int    `yaml:"checkpoint_n_tx"`
	LockTimeoutSec int    `yaml:"lock_timeout_sec"`
	ConnectionMode string `yaml:"connection_mode"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full configuration recognized by the queue store core.
type Config struct {
	MetadataRoot string `yaml:"metadata_root"`
	QuotaRoot    string `yaml:"quota_root"`

	Volumes []VolumeConfig `yaml:"volumes"`

	Retry RetryConfig `yaml:"retry"`

	ProcessingTimeout  Duration `yaml:"processing_timeout"`
	FailedRetention    Duration `yaml:"failed_retention"`
	CompletedRetention Duration `yaml:"completed_retention"`

	CleanupInterval     Duration `yaml:"cleanup_interval"`
	CleanupInitialDelay Duration `yaml:"cleanup_initial_delay"`

	CompactionEnabled  bool     `yaml:"compaction_enabled"`
	CompactionInterval Duration `yaml:"compaction_interval"`

	HealthCheckEnabled bool `yaml:"health_check_enabled"`
	AutoRecover        bool `yaml:"auto_recover"`
	FailFast           bool `yaml:"fail_fast"`

	DefaultTenantQuota int64          `yaml:"default_tenant_quota"`
	Tenants            []TenantConfig `yaml:"tenants"`
	AutoCreateTenants  bool           `yaml:"auto_create_tenants"`

	Store StoreConfig `yaml:"store"`

	MetricsAddr string    `yaml:"metrics_addr"`
	Log         LogConfig `yaml:"log"`
}

// Default returns a configuration with every tunable at its default.
// Volumes and roots must still be supplied by the caller.
func Default() *Config {
	journal := true
	return &Config{
		Retry: RetryConfig{
			MaxRetries:   5,
			InitialDelay: Duration(time.Second),
			Exponential:  true,
			MaxDelay:     Duration(5 * time.Minute),
		},
		ProcessingTimeout:  Duration(30 * time.Minute),
		FailedRetention:    Duration(7 * 24 * time.Hour),
		CompletedRetention: Duration(24 * time.Hour),

		CleanupInterval:     Duration(5 * time.Minute),
		CleanupInitialDelay: Duration(30 * time.Second),

		CompactionEnabled:  true,
		CompactionInterval: Duration(24 * time.Hour),

		HealthCheckEnabled: true,
		AutoRecover:        true,
		FailFast:           false,

		AutoCreateTenants: true,

		Store: StoreConfig{
			Journal:        &journal,
			LockTimeoutSec: 5,
		},

		Log: LogConfig{Level: "info", JSON: true},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.MetadataRoot == "" {
		return fmt.Errorf("metadata_root is required")
	}
	if c.QuotaRoot == "" {
		return fmt.Errorf("quota_root is required")
	}
	if len(c.Volumes) == 0 {
		return fmt.Errorf("at least one volume is required")
	}
	seen := make(map[string]bool, len(c.Volumes))
	for _, v := range c.Volumes {
		if v.ID == "" || v.MountPath == "" {
			return fmt.Errorf("volume id and mount_path are required")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate volume id: %s", v.ID)
		}
		seen[v.ID] = true
		if v.ShardingDepth < 0 || v.ShardingDepth > 3 {
			return fmt.Errorf("volume %s: sharding_depth must be 0..3, got %d", v.ID, v.ShardingDepth)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing_timeout must be > 0")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be > 0")
	}
	return nil
}

// JournalOn reports whether commit fsync is enabled (the default).
func (c *StoreConfig) JournalOn() bool {
	return c.Journal == nil || *c.Journal
}

// LockTimeout returns the store file-lock timeout.
func (c *StoreConfig) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}
