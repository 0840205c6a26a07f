// ABOUTME: Configuration loading and parsing for hitl-coord
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the default config location.
const EnvConfigPath = "HITL_COORD_CONFIG"

// Config represents the complete hitl-coord configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels" toml:"channels"`
	Locks     LocksConfig     `yaml:"locks" toml:"locks"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Signing   SigningConfig   `yaml:"signing" toml:"signing"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
}

// ServerConfig holds listener addresses. An empty GRPCAddr disables gRPC.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ChannelsConfig holds channel store limits
type ChannelsConfig struct {
	MaxMessages int `yaml:"max_messages" toml:"max_messages"`
}

// LocksConfig holds lock manager tuning
type LocksConfig struct {
	MaxPerAgent        int           `yaml:"max_per_agent" toml:"max_per_agent"`
	PollInterval       time.Duration `yaml:"-" toml:"-"`
	SweepInterval      time.Duration `yaml:"-" toml:"-"`
	DefaultAutoRelease time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw       string `yaml:"poll_interval" toml:"poll_interval"`
	SweepIntervalRaw      string `yaml:"sweep_interval" toml:"sweep_interval"`
	DefaultAutoReleaseRaw string `yaml:"default_auto_release" toml:"default_auto_release"`
}

// HeartbeatConfig holds liveness thresholds and what happens when an agent dies
type HeartbeatConfig struct {
	Interval             time.Duration `yaml:"-" toml:"-"`
	IntervalRaw          string        `yaml:"interval" toml:"interval"`
	MissingThreshold     int           `yaml:"missing_threshold" toml:"missing_threshold"`
	DeadThreshold        int           `yaml:"dead_threshold" toml:"dead_threshold"`
	ReleaseLocksOnDeath  bool          `yaml:"release_locks_on_death" toml:"release_locks_on_death"`
	LeaveChannelsOnDeath bool          `yaml:"leave_channels_on_death" toml:"leave_channels_on_death"`
}

// RateLimitConfig holds per-minute budgets
type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled" toml:"enabled"`
	DefaultPerAgent int  `yaml:"default_per_agent" toml:"default_per_agent"`
	Global          int  `yaml:"global" toml:"global"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	AdminKey   string        `yaml:"admin_key" toml:"admin_key"`
	JWTSecret  string        `yaml:"jwt_secret" toml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw string        `yaml:"session_ttl" toml:"session_ttl"`
	Agents        []AgentConfig `yaml:"agents" toml:"agents"`
}

// AgentConfig pre-registers an agent at startup
type AgentConfig struct {
	ID                 string   `yaml:"id" toml:"id"`
	APIKey             string   `yaml:"api_key" toml:"api_key"`
	AllowedChannels    []string `yaml:"allowed_channels" toml:"allowed_channels"`
	Permissions        []string `yaml:"permissions" toml:"permissions"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
}

// SigningConfig holds message signing configuration
type SigningConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Secret  string `yaml:"secret" toml:"secret"`
}

// AuditConfig holds the audit trail location. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DedupeConfig holds idempotency cache settings
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8765"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Channels: ChannelsConfig{MaxMessages: 10000},
		Locks: LocksConfig{
			MaxPerAgent:           10,
			PollIntervalRaw:       "100ms",
			SweepIntervalRaw:      "10s",
			DefaultAutoReleaseRaw: "300s",
		},
		Heartbeat: HeartbeatConfig{
			IntervalRaw:         "30s",
			MissingThreshold:    2,
			DeadThreshold:       3,
			ReleaseLocksOnDeath: true,
		},
		RateLimit: RateLimitConfig{DefaultPerAgent: 100, Global: 1000},
		Auth:      AuthConfig{SessionTTLRaw: "1h"},
		Dedupe:    DedupeConfig{TTLRaw: "5m", MaxEntries: 100000},
	}
	if err := parseDurations(cfg); err != nil {
		panic(fmt.Sprintf("config: bad default duration: %v", err))
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their defaults. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw YAML or TOML over the defaults, then parses durations and
// validates the result.
func Parse(raw string, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(raw)

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/hitl-coord/config.yaml, falling back
// to ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "hitl-coord", "config.yaml")
}

// Resolve loads the configuration the CLI should use.
// Priority: flag > HITL_COORD_CONFIG > DefaultPath(). An explicit path must
// exist; a missing default file yields Default(). The returned path is empty
// when no file was read.
func Resolve(flagPath string) (*Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}

	path = DefaultPath()
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), "", nil
	}
	return cfg, path, err
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if c.Channels.MaxMessages <= 0 {
		return fmt.Errorf("channels.max_messages must be positive")
	}

	if c.Locks.MaxPerAgent <= 0 {
		return fmt.Errorf("locks.max_per_agent must be positive")
	}
	if c.Locks.PollInterval <= 0 || c.Locks.SweepInterval <= 0 || c.Locks.DefaultAutoRelease <= 0 {
		return fmt.Errorf("locks intervals must be positive")
	}

	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.MissingThreshold <= 0 {
		return fmt.Errorf("heartbeat.missing_threshold must be positive")
	}
	if c.Heartbeat.DeadThreshold <= c.Heartbeat.MissingThreshold {
		return fmt.Errorf("heartbeat.dead_threshold (%d) must exceed missing_threshold (%d)",
			c.Heartbeat.DeadThreshold, c.Heartbeat.MissingThreshold)
	}

	if c.RateLimit.DefaultPerAgent <= 0 || c.RateLimit.Global <= 0 {
		return fmt.Errorf("ratelimit limits must be positive")
	}

	if c.Auth.Enabled && c.Auth.AdminKey == "" {
		return fmt.Errorf("auth.admin_key is required when auth is enabled")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	seen := make(map[string]bool, len(c.Auth.Agents))
	for i, a := range c.Auth.Agents {
		if a.ID == "" {
			return fmt.Errorf("auth.agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("auth.agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true
		for _, ch := range a.AllowedChannels {
			if strings.Contains(ch, "/") {
				return fmt.Errorf("auth.agents[%d]: channel name %q must not contain '/'", i, ch)
			}
		}
	}

	if c.Signing.Enabled && c.Signing.Secret == "" {
		return fmt.Errorf("signing.secret is required when signing is enabled")
	}

	if c.Dedupe.TTL <= 0 || c.Dedupe.MaxEntries <= 0 {
		return fmt.Errorf("dedupe.ttl and dedupe.max_entries must be positive")
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
		{"locks.poll_interval", cfg.Locks.PollIntervalRaw, &cfg.Locks.PollInterval},
		{"locks.sweep_interval", cfg.Locks.SweepIntervalRaw, &cfg.Locks.SweepInterval},
		{"locks.default_auto_release", cfg.Locks.DefaultAutoReleaseRaw, &cfg.Locks.DefaultAutoRelease},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
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

// SlogLevel maps Logging.Level onto a slog level name understood by
// slog.Level.UnmarshalText.
func (l LoggingConfig) SlogLevel() string {
	if l.Level == "" {
		return "INFO"
	}
	return strings.ToUpper(l.Level)
}
