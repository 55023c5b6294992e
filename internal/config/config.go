// ABOUTME: Configuration loading and parsing for courier-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete courier-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sessions SessionsConfig `yaml:"sessions"`
	Limits   LimitsConfig   `yaml:"limits"`
	Workers  WorkersConfig  `yaml:"workers"`
	Channels ChannelsConfig `yaml:"channels"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionsConfig holds session registry and lock table tuning
type SessionsConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Timeout           time.Duration `yaml:"-"`
	LockSweepInterval time.Duration `yaml:"-"`
	LockOrphanIdle    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw           string `yaml:"timeout"`
	LockSweepIntervalRaw string `yaml:"lock_sweep_interval"`
	LockOrphanIdleRaw    string `yaml:"lock_orphan_idle"`
}

// LimitsConfig holds rate-limit and token-budget configuration
type LimitsConfig struct {
	MaxMessagesPerMinute int           `yaml:"max_messages_per_minute"`
	MaxSessionTokens     int64         `yaml:"max_session_tokens"`
	RateSweepEvery       int           `yaml:"rate_sweep_every"`
	RateWindowTTL        time.Duration `yaml:"-"`

	RateWindowTTLRaw string `yaml:"rate_window_ttl"`
}

// WorkersConfig holds worker pool sizing and queue capacities
type WorkersConfig struct {
	Inbound       int `yaml:"inbound"`
	Outbound      int `yaml:"outbound"`
	InboundQueue  int `yaml:"inbound_queue"`
	OutboundQueue int `yaml:"outbound_queue"`
}

// ChannelsConfig holds per-channel access policies
type ChannelsConfig struct {
	// Policies maps a channel id to "open", "pairing" or "closed".
	// Channels absent from the map default to "open".
	Policies    map[string]string `yaml:"policies"`
	UsageFooter bool              `yaml:"usage_footer"`
}

// DedupeConfig holds inbound message dedupe cache configuration
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	TTLRaw string `yaml:"ttl"`
}

// Channel policy values accepted in ChannelsConfig.Policies.
const (
	PolicyOpen    = "open"
	PolicyPairing = "pairing"
	PolicyClosed  = "closed"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default creates a Config with all defaults applied and no database path.
// Used by tests and in-memory setups; Validate will still reject it until
// a database path is set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued fields with operational defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Sessions.MaxConcurrent == 0 {
		c.Sessions.MaxConcurrent = 100
	}
	if c.Sessions.Timeout == 0 {
		c.Sessions.Timeout = 30 * time.Minute
	}
	if c.Sessions.LockSweepInterval == 0 {
		c.Sessions.LockSweepInterval = 5 * time.Minute
	}
	if c.Sessions.LockOrphanIdle == 0 {
		c.Sessions.LockOrphanIdle = 10 * time.Minute
	}
	if c.Limits.MaxMessagesPerMinute == 0 {
		c.Limits.MaxMessagesPerMinute = 10
	}
	if c.Limits.RateSweepEvery == 0 {
		c.Limits.RateSweepEvery = 256
	}
	if c.Limits.RateWindowTTL == 0 {
		c.Limits.RateWindowTTL = 10 * time.Minute
	}
	if c.Workers.Inbound == 0 {
		c.Workers.Inbound = 4
	}
	if c.Workers.Outbound == 0 {
		c.Workers.Outbound = 2
	}
	if c.Workers.InboundQueue == 0 {
		c.Workers.InboundQueue = 256
	}
	if c.Workers.OutboundQueue == 0 {
		c.Workers.OutboundQueue = 256
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 5 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 100_000
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("sessions.max_concurrent must be at least 1")
	}

	if c.Workers.Inbound < 1 || c.Workers.Outbound < 1 {
		return fmt.Errorf("workers.inbound and workers.outbound must be at least 1")
	}

	for channel, policy := range c.Channels.Policies {
		switch policy {
		case PolicyOpen, PolicyPairing, PolicyClosed:
		default:
			return fmt.Errorf("channels.policies[%s]: unknown policy %q", channel, policy)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.timeout", cfg.Sessions.TimeoutRaw, &cfg.Sessions.Timeout},
		{"sessions.lock_sweep_interval", cfg.Sessions.LockSweepIntervalRaw, &cfg.Sessions.LockSweepInterval},
		{"sessions.lock_orphan_idle", cfg.Sessions.LockOrphanIdleRaw, &cfg.Sessions.LockOrphanIdle},
		{"limits.rate_window_ttl", cfg.Limits.RateWindowTTLRaw, &cfg.Limits.RateWindowTTL},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
