package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/devrev/lakelink/internal/model"
)

// Scan registry scopes
const (
	ScanScopeConnection = "connection"
	ScanScopeProcess    = "process"
)

// ServerConfig holds the session listener configuration
type ServerConfig struct {
	Network         string        `yaml:"network" env:"LAKELINK_NETWORK"`
	Address         string        `yaml:"address" env:"LAKELINK_ADDRESS"`
	ScanScope       string        `yaml:"scan_scope" env:"LAKELINK_SCAN_SCOPE"`
	MaxConnections  int           `yaml:"max_connections" env:"LAKELINK_MAX_CONNECTIONS"` // 0 is unlimited
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LAKELINK_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds table storage configuration. Options are passed to
// the object store of every table location.
type StorageConfig struct {
	Root        string            `yaml:"root" env:"LAKELINK_STORAGE_ROOT"`
	CatalogPath string            `yaml:"catalog_path" env:"LAKELINK_CATALOG_PATH"`
	Options     map[string]string `yaml:"options"`
}

// BackendConfig tunes the lake backend
type BackendConfig struct {
	StatConcurrency int  `yaml:"stat_concurrency"`
	CountRows       bool `yaml:"count_rows" env:"LAKELINK_COUNT_ROWS"`
}

// CacheConfig holds cardinality cache configuration
type CacheConfig struct {
	CardinalityTTL time.Duration `yaml:"cardinality_ttl"`
	MaxEntries     int           `yaml:"max_entries"`
}

// MaintenanceConfig holds periodic optimize configuration
type MaintenanceConfig struct {
	Enabled   bool    `yaml:"enabled" env:"LAKELINK_MAINTENANCE_ENABLED"`
	Schedule  string  `yaml:"schedule" env:"LAKELINK_MAINTENANCE_SCHEDULE"`
	Mode      string  `yaml:"mode"`
	Workers   int     `yaml:"workers"`
	QueueSize int     `yaml:"queue_size"`
	RateLimit float64 `yaml:"rate_limit" env:"LAKELINK_MAINTENANCE_RATE_LIMIT"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"LAKELINK_METRICS_ENABLED"`
	Port    int    `yaml:"port" env:"LAKELINK_METRICS_PORT"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LAKELINK_LOG_LEVEL"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of the lakelink service
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Backend     BackendConfig     `yaml:"backend"`
	Cache       CacheConfig       `yaml:"cache"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file, then applies environment overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and defaults, and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Network == "" {
		cfg.Server.Network = "unix"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "lakelink/lakelink.sock"
	}
	if cfg.Server.ScanScope == "" {
		cfg.Server.ScanScope = ScanScopeConnection
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "/var/lib/lakelink/tables"
	}
	if cfg.Storage.CatalogPath == "" {
		cfg.Storage.CatalogPath = "/var/lib/lakelink/catalog.db"
	}
	if cfg.Storage.Options == nil {
		cfg.Storage.Options = map[string]string{}
	}

	if cfg.Backend.StatConcurrency == 0 {
		cfg.Backend.StatConcurrency = 8
	}

	if cfg.Cache.CardinalityTTL == 0 {
		cfg.Cache.CardinalityTTL = 5 * time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}

	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@every 1h"
	}
	cfg.Maintenance.Mode = strings.ToLower(strings.TrimSpace(cfg.Maintenance.Mode))
	if cfg.Maintenance.Mode == "" {
		cfg.Maintenance.Mode = string(model.OptimizeModeFull)
	}
	if cfg.Maintenance.Workers == 0 {
		cfg.Maintenance.Workers = 2
	}
	if cfg.Maintenance.QueueSize == 0 {
		cfg.Maintenance.QueueSize = 64
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Server.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("server.network must be unix or tcp")
	}
	switch c.Server.ScanScope {
	case ScanScopeConnection, ScanScopeProcess:
	default:
		return fmt.Errorf("server.scan_scope must be %s or %s", ScanScopeConnection, ScanScopeProcess)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Backend.StatConcurrency < 1 {
		return fmt.Errorf("backend.stat_concurrency must be positive")
	}
	if _, ok := model.ParseOptimizeMode(c.Maintenance.Mode); !ok {
		return fmt.Errorf("maintenance.mode must be data, index or full")
	}
	if c.Maintenance.RateLimit < 0 {
		return fmt.Errorf("maintenance.rate_limit must not be negative")
	}
	if c.Maintenance.Enabled {
		if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
			return fmt.Errorf("maintenance.schedule: %w", err)
		}
	}
	return nil
}

// StorageOptions returns a fresh copy of the configured object store options
// with unsafe rename always enabled.
func (c *Config) StorageOptions() map[string]string {
	opts := make(map[string]string, len(c.Storage.Options)+1)
	for k, v := range c.Storage.Options {
		opts[k] = v
	}
	opts["allow_unsafe_rename"] = "true"
	return opts
}
