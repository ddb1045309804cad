// Package config provides configuration management for FeedForge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// Config holds all FeedForge configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Redis      RedisConfig            `yaml:"redis"`
	Scheduler  SchedulerConfig        `yaml:"scheduler"`
	Health     intel.HealthThresholds `yaml:"health"`
	Import     ImportConfig           `yaml:"import"`
	Enrichment EnrichmentConfig       `yaml:"enrichment"`
	RateLimit  RateLimitConfig        `yaml:"rate_limit"`
	HEC        HECConfig              `yaml:"hec"`
	Logging    LoggingConfig          `yaml:"logging"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// SchedulerConfig tunes the feed scheduler and run reconciliation.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	StuckRunTimeout   time.Duration `yaml:"stuck_run_timeout"`
	RetryBase         time.Duration `yaml:"retry_base"`
}

// ImportConfig tunes bulk import.
type ImportConfig struct {
	BeginTimeout time.Duration `yaml:"begin_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// EnrichmentConfig tunes the enrichment orchestrator.
type EnrichmentConfig struct {
	MaxWorkers     int            `yaml:"max_workers"`
	DefaultTimeout time.Duration  `yaml:"default_timeout"`
	CacheTTL       time.Duration  `yaml:"cache_ttl"`
	Sources        []SourceConfig `yaml:"sources"`
}

// SourceConfig seeds an enrichment source at startup when none with the same
// name exists.
type SourceConfig struct {
	Name       string            `yaml:"name"`
	SourceType string            `yaml:"source_type"`
	Provider   string            `yaml:"provider"`
	Active     bool              `yaml:"active"`
	RateLimit  int               `yaml:"rate_limit"`
	Timeout    time.Duration     `yaml:"timeout"`
	Settings   map[string]string `yaml:"settings"`
}

// RateLimitConfig configures the API rate limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// HECConfig configures the Splunk HEC push intake mounted at
// /services/collector.
type HECConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int64  `yaml:"max_event_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "data/feedforge.db",
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			TickInterval:      30 * time.Second,
			SweepInterval:     5 * time.Minute,
			MaxConcurrentRuns: 3,
			RunTimeout:        30 * time.Minute,
			StuckRunTimeout:   2 * time.Hour,
			RetryBase:         time.Minute,
		},
		Health: intel.DefaultHealthThresholds(),
		Import: ImportConfig{
			BeginTimeout: 10 * time.Second,
			MaxBodyBytes: 32 << 20,
		},
		Enrichment: EnrichmentConfig{
			MaxWorkers:     4,
			DefaultTimeout: 10 * time.Second,
			CacheTTL:       time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 300,
			IncludeHeaders:    true,
		},
		HEC: HECConfig{
			Enabled:      false,
			TokenEnv:     "FEEDFORGE_HEC_TOKEN",
			MaxBatchSize: 1000,
			MaxEventSize: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return intel.ConfigError("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return intel.ConfigError("database.path is required")
	}
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
		return intel.ConfigError("scheduler intervals must be positive")
	}
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return intel.ConfigError("scheduler.max_concurrent_runs must be positive")
	}
	if c.Scheduler.StuckRunTimeout <= 0 {
		return intel.ConfigError("scheduler.stuck_run_timeout must be positive")
	}
	if c.Health.WarningAfter <= 0 || c.Health.ErrorAfter <= c.Health.WarningAfter {
		return intel.ConfigError("health thresholds must satisfy 0 < warning_after < error_after")
	}
	if c.Enrichment.MaxWorkers <= 0 {
		return intel.ConfigError("enrichment.max_workers must be positive")
	}
	if c.Enrichment.DefaultTimeout <= 0 {
		return intel.ConfigError("enrichment.default_timeout must be positive")
	}
	if c.HEC.Enabled && c.HEC.TokenEnv == "" {
		return intel.ConfigError("hec.token_env is required when hec is enabled")
	}
	for _, s := range c.Enrichment.Sources {
		if s.Name == "" || s.SourceType == "" || s.Provider == "" {
			return intel.ConfigError("enrichment source needs name, source_type and provider")
		}
	}
	return nil
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// ActiveSources returns the names of enrichment sources seeded as active.
func (c *Config) ActiveSources() []string {
	var names []string
	for _, s := range c.Enrichment.Sources {
		if s.Active {
			names = append(names, s.Name)
		}
	}
	return names
}
