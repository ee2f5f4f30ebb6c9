package config

import (
	"time"

	"github.com/vietddude/outreach/internal/automation/batch"
	"github.com/vietddude/outreach/internal/automation/executor"
	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/domain"
	redisclient "github.com/vietddude/outreach/internal/infra/redis"
	"github.com/vietddude/outreach/internal/infra/notify"
	"github.com/vietddude/outreach/internal/infra/storage/postgres"
	"github.com/vietddude/outreach/internal/infra/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig         `yaml:"server"`
	Database    postgres.Config      `yaml:"database"`
	Redis       redisclient.Config   `yaml:"redis"`
	Logging     LoggingConfig        `yaml:"logging"`
	Batch       batch.Config         `yaml:"batch"`
	Proxy       ProxyConfig          `yaml:"proxy"`
	Retry       RetryConfig          `yaml:"retry"`
	Executor    ExecutorConfig       `yaml:"executor"`
	Notify      notify.WebhookConfig `yaml:"notify"`
	Telemetry   telemetry.Config     `yaml:"telemetry"`
	Maintenance MaintenanceConfig    `yaml:"maintenance"`
}

// ServerConfig holds HTTP and gRPC health server settings.
type ServerConfig struct {
	Port     int `yaml:"port"      env:"PORT"`
	GRPCPort int `yaml:"grpc_port" env:"GRPC_PORT"` // 0 disables the gRPC health service
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"` // debug, info, warn, error
	Format string `yaml:"format"`                 // json, text
}

// ProxyConfig holds the rotation thresholds and the tester target.
type ProxyConfig struct {
	rotation.Config `yaml:",inline"`
	TestURL         string        `yaml:"test_url"`
	TestTimeout     time.Duration `yaml:"test_timeout"`
}

// RetryConfig overrides the fallback retry policy. Stored policies still win
// when they match.
type RetryConfig struct {
	MaxAttempts           int                    `yaml:"max_attempts"`
	Strategy              domain.BackoffStrategy `yaml:"strategy"`
	BaseDelay             time.Duration          `yaml:"base_delay"`
	MaxDelay              time.Duration          `yaml:"max_delay"`
	Jitter                bool                   `yaml:"jitter"`
	EscalateAfterAttempts int                    `yaml:"escalate_after_attempts"`
	EscalateToAdmin       bool                   `yaml:"escalate_to_admin"`
}

// Policy returns the fallback policy built from this section.
func (c RetryConfig) Policy() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.Strategy = c.Strategy
	p.BaseDelay = c.BaseDelay
	p.MaxDelay = c.MaxDelay
	p.JitterEnabled = c.Jitter
	p.EscalateAfterAttempts = c.EscalateAfterAttempts
	p.EscalateToAdmin = c.EscalateToAdmin
	return p
}

// ExecutorConfig holds orchestrator pacing and the browser sidecar location.
type ExecutorConfig struct {
	executor.Config `yaml:",inline"`
	SidecarURL      string        `yaml:"sidecar_url"     env:"BROWSER_SIDECAR_URL"`
	SidecarTimeout  time.Duration `yaml:"sidecar_timeout"`
}

// MaintenanceConfig controls the daily housekeeping loop.
type MaintenanceConfig struct {
	Interval         time.Duration `yaml:"interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	StaleBatch       int           `yaml:"stale_batch"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() AppConfig {
	def := domain.DefaultRetryPolicy()
	return AppConfig{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Batch:   batch.DefaultConfig(),
		Proxy: ProxyConfig{
			Config:      rotation.DefaultConfig(),
			TestURL:     rotation.DefaultTestURL,
			TestTimeout: 15 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:           def.MaxAttempts,
			Strategy:              def.Strategy,
			BaseDelay:             def.BaseDelay,
			MaxDelay:              def.MaxDelay,
			Jitter:                def.JitterEnabled,
			EscalateAfterAttempts: def.EscalateAfterAttempts,
			EscalateToAdmin:       def.EscalateToAdmin,
		},
		Executor: ExecutorConfig{
			Config:         executor.DefaultConfig(),
			SidecarURL:     "http://localhost:3000",
			SidecarTimeout: 2 * time.Minute,
		},
		Telemetry: telemetry.Config{ServiceName: "outreach", SampleRatio: 1},
		Maintenance: MaintenanceConfig{
			Interval:         24 * time.Hour,
			StaleAfter:       2 * time.Hour,
			StaleBatch:       100,
			HistoryRetention: 90 * 24 * time.Hour,
		},
	}
}
