// Package config provides configuration management for Drover.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Drover.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between the embedded SQLite store (default) and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // SQLite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL disables the relay; in-process dispatch is always authoritative.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunnerConfig holds assistant CLI subprocess configuration.
type RunnerConfig struct {
	// Binary is the assistant CLI executable to spawn.
	Binary string `mapstructure:"binary"`

	// DefaultModel is used when a run does not name a model.
	DefaultModel string `mapstructure:"defaultModel"`

	// AgentTimeout caps a single agent turn inside a pattern, in seconds.
	AgentTimeout int `mapstructure:"agentTimeout"`

	// RunawayThreshold is the number of consecutive identical Bash commands
	// that aborts a pattern run.
	RunawayThreshold int `mapstructure:"runawayThreshold"`

	// TerminateGrace is how long to wait after a graceful terminate before
	// force-killing, in seconds.
	TerminateGrace int `mapstructure:"terminateGrace"`
}

// MemoryConfig holds run-memory and context-pack configuration.
type MemoryConfig struct {
	// PackEntries is the maximum number of memory entries selected into a
	// resume context pack.
	PackEntries int `mapstructure:"packEntries"`
}

// CacheConfig holds result cache configuration.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// TracingConfig holds OpenTelemetry export configuration.
// An empty endpoint leaves the noop tracer in place.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AgentTimeoutDuration returns the per-agent deadline as a time.Duration.
func (r *RunnerConfig) AgentTimeoutDuration() time.Duration {
	return time.Duration(r.AgentTimeout) * time.Second
}

// TerminateGraceDuration returns the terminate grace as a time.Duration.
func (r *RunnerConfig) TerminateGraceDuration() time.Duration {
	return time.Duration(r.TerminateGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("DROVER_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - SQLite unless postgres is selected
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.drover/drover.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "drover")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "drover")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means no relay
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "drover")
	v.SetDefault("nats.maxReconnects", 10)

	// Runner defaults
	v.SetDefault("runner.binary", "claude")
	v.SetDefault("runner.defaultModel", "sonnet")
	v.SetDefault("runner.agentTimeout", 240)
	v.SetDefault("runner.runawayThreshold", 8)
	v.SetDefault("runner.terminateGrace", 5)

	// Memory defaults
	v.SetDefault("memory.packEntries", 5)

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.dir", ".drover-cache")

	// Tracing defaults - empty endpoint means noop tracer
	v.SetDefault("tracing.endpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DROVER_ with snake_case naming.
// Config file should be named drover.yaml and placed in the current directory,
// ~/.drover/, or /etc/drover/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("runner.defaultModel", "DROVER_RUNNER_DEFAULT_MODEL")
	_ = v.BindEnv("runner.agentTimeout", "DROVER_RUNNER_AGENT_TIMEOUT")
	_ = v.BindEnv("runner.runawayThreshold", "DROVER_RUNNER_RUNAWAY_THRESHOLD")
	_ = v.BindEnv("runner.terminateGrace", "DROVER_RUNNER_TERMINATE_GRACE")
	_ = v.BindEnv("memory.packEntries", "DROVER_MEMORY_PACK_ENTRIES")
	_ = v.BindEnv("tracing.endpoint", "DROVER_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("drover")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.drover")
	}
	v.AddConfigPath("/etc/drover/")

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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// NATS validation - optional (relay disabled if not set)
	// No validation needed - empty URL means no relay

	// Runner validation
	if cfg.Runner.Binary == "" {
		errs = append(errs, "runner.binary is required")
	}
	if cfg.Runner.AgentTimeout <= 0 {
		errs = append(errs, "runner.agentTimeout must be positive")
	}
	if cfg.Runner.RunawayThreshold < 2 {
		errs = append(errs, "runner.runawayThreshold must be at least 2")
	}
	if cfg.Runner.TerminateGrace <= 0 {
		errs = append(errs, "runner.terminateGrace must be positive")
	}

	// Memory validation
	if cfg.Memory.PackEntries <= 0 {
		errs = append(errs, "memory.packEntries must be positive")
	}

	// Cache validation
	if cfg.Cache.Enabled && cfg.Cache.Dir == "" {
		errs = append(errs, "cache.dir is required when cache.enabled is true")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// IsPostgres reports whether the postgres driver is selected.
func (d *DatabaseConfig) IsPostgres() bool {
	return strings.ToLower(d.Driver) == "postgres"
}

// SQLitePath returns the SQLite file path with a leading ~ expanded.
func (d *DatabaseConfig) SQLitePath() string {
	path := d.Path
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + strings.TrimPrefix(path, "~")
		}
	}
	return path
}
