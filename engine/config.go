package engine

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	DBPath string       `yaml:"db_path"`
	Remote RemoteConfig `yaml:"remote"`
	Retry  RetryConfig  `yaml:"retry"`
	Usage  UsageConfig  `yaml:"usage"`
	Uplink UplinkConfig `yaml:"uplink"`
	Audit  AuditConfig  `yaml:"audit"`
}

// RemoteConfig points the engine at the backend service.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig tunes the backoff policy for remote calls.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       int           `yaml:"factor"`
}

// UsageConfig tunes the usage counter reconciler.
type UsageConfig struct {
	Freshness   time.Duration `yaml:"freshness"`
	ArchiveKeep int           `yaml:"archive_keep"`
}

// UplinkConfig tunes connectivity handling.
type UplinkConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// AuditConfig tunes the audit trail.
type AuditConfig struct {
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "scansync.db"
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 20 * time.Second
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Factor <= 0 {
		c.Retry.Factor = 2
	}
	if c.Usage.Freshness <= 0 {
		c.Usage.Freshness = 5 * time.Minute
	}
	if c.Usage.ArchiveKeep <= 0 {
		c.Usage.ArchiveKeep = 12
	}
	if c.Uplink.Debounce <= 0 {
		c.Uplink.Debounce = 2 * time.Second
	}
	if c.Audit.Retention <= 0 {
		c.Audit.Retention = 30 * 24 * time.Hour
	}
	if c.Audit.CleanupInterval <= 0 {
		c.Audit.CleanupInterval = time.Hour
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
