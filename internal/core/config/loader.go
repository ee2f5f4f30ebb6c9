package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/outreach/internal/automation/retry"
)

// Load reads configuration from a YAML file, then applies environment knob
// overrides. A missing file is not an error: defaults plus environment are
// enough to run against the in-memory store.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults restores values a config file explicitly zeroed.
func applyDefaults(cfg *AppConfig) {
	def := Default()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if len(cfg.Proxy.TierOrder) == 0 {
		cfg.Proxy.TierOrder = def.Proxy.TierOrder
	}
	for i, t := range cfg.Proxy.TierOrder {
		cfg.Proxy.TierOrder[i] = strings.TrimSpace(t)
	}
	if cfg.Proxy.MaxRecentFailures <= 0 {
		cfg.Proxy.MaxRecentFailures = def.Proxy.MaxRecentFailures
	}
	if cfg.Proxy.MaxConsecutiveFailures <= 0 {
		cfg.Proxy.MaxConsecutiveFailures = def.Proxy.MaxConsecutiveFailures
	}
	if cfg.Proxy.RecentWindow <= 0 {
		cfg.Proxy.RecentWindow = def.Proxy.RecentWindow
	}
	if cfg.Proxy.Cooldown <= 0 {
		cfg.Proxy.Cooldown = def.Proxy.Cooldown
	}
	if cfg.Executor.MaxPause < cfg.Executor.MinPause {
		cfg.Executor.MaxPause = cfg.Executor.MinPause
	}
	if cfg.Maintenance.Interval <= 0 {
		cfg.Maintenance.Interval = def.Maintenance.Interval
	}
	if cfg.Maintenance.StaleAfter <= 0 {
		cfg.Maintenance.StaleAfter = def.Maintenance.StaleAfter
	}
	if cfg.Maintenance.StaleBatch <= 0 {
		cfg.Maintenance.StaleBatch = def.Maintenance.StaleBatch
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// Validate rejects settings the engines cannot run with.
func (c *AppConfig) Validate() error {
	policy := c.Retry.Policy()
	if err := retry.ValidatePolicy(&policy); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	if c.Batch.MaxConcurrent < 0 || c.Batch.BatchSize < 0 || c.Batch.TimeoutMinutes < 0 {
		return fmt.Errorf("invalid batch config: negative values are not allowed")
	}
	if c.Maintenance.StaleAfter > 0 && c.Batch.TimeoutMinutes > 0 &&
		c.Maintenance.StaleAfter.Minutes() <= float64(c.Batch.TimeoutMinutes) {
		return fmt.Errorf(
			"maintenance.stale_after (%s) must exceed batch.timeout_minutes (%d)",
			c.Maintenance.StaleAfter, c.Batch.TimeoutMinutes,
		)
	}
	return nil
}
