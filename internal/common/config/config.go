// Package config provides configuration management for the Operator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Operator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Collab     CollabConfig     `mapstructure:"collab"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// The operator keeps its reconciler state in SQLite; URL overrides Path
// when set (honoring the legacy DATABASE_URL environment variable).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LedgerConfig holds audit ledger configuration.
type LedgerConfig struct {
	Dir string `mapstructure:"dir"` // directory for daily audit-YYYY-MM-DD.jsonl files
}

// PolicyConfig holds policy engine configuration.
type PolicyConfig struct {
	CatalogPath string `mapstructure:"catalogPath"` // directory containing policy pack YAML files
	Watch       bool   `mapstructure:"watch"`       // reload packs when files change
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	DispatchInterval int `mapstructure:"dispatchInterval"` // in milliseconds
	QueueMaxSize     int `mapstructure:"queueMaxSize"`
}

// RegistryConfig holds agent registry configuration.
type RegistryConfig struct {
	OfflineThreshold    int    `mapstructure:"offlineThreshold"`    // in seconds
	HealthCheckInterval int    `mapstructure:"healthCheckInterval"` // in seconds
	AgentSecret         string `mapstructure:"agentSecret"`         // optional pre-shared secret
}

// ReconcilerConfig holds reconciliation loop configuration.
type ReconcilerConfig struct {
	Interval           int     `mapstructure:"interval"`           // in seconds
	QueueHighThreshold int     `mapstructure:"queueHighThreshold"` // queue depth above which pools scale up
	QueueLowThreshold  int     `mapstructure:"queueLowThreshold"`  // queue depth below which pools scale down
	ScaleStep          int     `mapstructure:"scaleStep"`
	ErrorRateThreshold float64 `mapstructure:"errorRateThreshold"` // agent error rate above which it is marked ERROR
	MinJobsForRate     int     `mapstructure:"minJobsForRate"`
}

// CollabConfig holds collaboration engine configuration.
type CollabConfig struct {
	Shards              int `mapstructure:"shards"`
	ShardCapacity       int `mapstructure:"shardCapacity"`
	VirtualNodes        int `mapstructure:"virtualNodes"`
	GossipInterval      int `mapstructure:"gossipInterval"`      // in milliseconds
	GossipFanout        int `mapstructure:"gossipFanout"`        // peers contacted per round
	AntiEntropyInterval int `mapstructure:"antiEntropyInterval"` // in seconds
	OpRetention         int `mapstructure:"opRetention"`         // in seconds
	MaxOpsPerMessage    int `mapstructure:"maxOpsPerMessage"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// OfflineThresholdDuration returns the offline threshold as a time.Duration.
func (r *RegistryConfig) OfflineThresholdDuration() time.Duration {
	return time.Duration(r.OfflineThreshold) * time.Second
}

// HealthCheckIntervalDuration returns the health check interval as a time.Duration.
func (r *RegistryConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(r.HealthCheckInterval) * time.Second
}

// DispatchIntervalDuration returns the dispatch interval as a time.Duration.
func (s *SchedulerConfig) DispatchIntervalDuration() time.Duration {
	return time.Duration(s.DispatchInterval) * time.Millisecond
}

// IntervalDuration returns the reconcile interval as a time.Duration.
func (r *ReconcilerConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// GossipIntervalDuration returns the gossip interval as a time.Duration.
func (c *CollabConfig) GossipIntervalDuration() time.Duration {
	return time.Duration(c.GossipInterval) * time.Millisecond
}

// AntiEntropyIntervalDuration returns the anti-entropy interval as a time.Duration.
func (c *CollabConfig) AntiEntropyIntervalDuration() time.Duration {
	return time.Duration(c.AntiEntropyInterval) * time.Second
}

// OpRetentionDuration returns the gossip operation retention as a time.Duration.
func (c *CollabConfig) OpRetentionDuration() time.Duration {
	return time.Duration(c.OpRetention) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("OPERATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "operator.db")
	v.SetDefault("database.url", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "operator")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Ledger defaults
	v.SetDefault("ledger.dir", "audit")

	// Policy defaults
	v.SetDefault("policy.catalogPath", "catalog")
	v.SetDefault("policy.watch", true)

	// Scheduler defaults
	v.SetDefault("scheduler.dispatchInterval", 500)
	v.SetDefault("scheduler.queueMaxSize", 1000)

	// Registry defaults
	v.SetDefault("registry.offlineThreshold", 60)
	v.SetDefault("registry.healthCheckInterval", 15)
	v.SetDefault("registry.agentSecret", "")

	// Reconciler defaults
	v.SetDefault("reconciler.interval", 10)
	v.SetDefault("reconciler.queueHighThreshold", 100)
	v.SetDefault("reconciler.queueLowThreshold", 5)
	v.SetDefault("reconciler.scaleStep", 1)
	v.SetDefault("reconciler.errorRateThreshold", 0.5)
	v.SetDefault("reconciler.minJobsForRate", 5)

	// Collaboration defaults
	v.SetDefault("collab.shards", 30)
	v.SetDefault("collab.shardCapacity", 1000)
	v.SetDefault("collab.virtualNodes", 150)
	v.SetDefault("collab.gossipInterval", 100)
	v.SetDefault("collab.gossipFanout", 2)
	v.SetDefault("collab.antiEntropyInterval", 60)
	v.SetDefault("collab.opRetention", 300)
	v.SetDefault("collab.maxOpsPerMessage", 50)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPERATOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/operator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPERATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for legacy env var names and camelCase config keys.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so we
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("policy.catalogPath", "CATALOG_PATH", "OPERATOR_POLICY_CATALOG_PATH")
	_ = v.BindEnv("database.url", "DATABASE_URL", "OPERATOR_DATABASE_URL")
	_ = v.BindEnv("ledger.dir", "OPERATOR_LEDGER_DIR")
	_ = v.BindEnv("registry.agentSecret", "OPERATOR_AGENT_SECRET")
	_ = v.BindEnv("reconciler.queueHighThreshold", "OPERATOR_RECONCILER_QUEUE_HIGH")
	_ = v.BindEnv("reconciler.queueLowThreshold", "OPERATOR_RECONCILER_QUEUE_LOW")
	_ = v.BindEnv("reconciler.errorRateThreshold", "OPERATOR_RECONCILER_ERROR_RATE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/operator/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration for invalid values.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("scheduler.dispatchInterval must be positive, got %d", cfg.Scheduler.DispatchInterval)
	}
	if cfg.Registry.OfflineThreshold <= 0 {
		return fmt.Errorf("registry.offlineThreshold must be positive, got %d", cfg.Registry.OfflineThreshold)
	}
	if cfg.Collab.Shards <= 0 {
		return fmt.Errorf("collab.shards must be positive, got %d", cfg.Collab.Shards)
	}
	if cfg.Collab.ShardCapacity <= 0 {
		return fmt.Errorf("collab.shardCapacity must be positive, got %d", cfg.Collab.ShardCapacity)
	}
	if cfg.Reconciler.ErrorRateThreshold < 0 || cfg.Reconciler.ErrorRateThreshold > 1 {
		return fmt.Errorf("reconciler.errorRateThreshold must be in [0,1], got %f", cfg.Reconciler.ErrorRateThreshold)
	}
	return nil
}

// DSN returns the database connection string, preferring the explicit URL.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return d.Path
}
