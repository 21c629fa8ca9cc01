// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store drivers accepted by store.driver.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverRedis  = "redis"
	StoreDriverMemory = "memory"
)

// Defaults applied before validation when a field is left unset.
const (
	DefaultBaseURL              = "https://justbrowse.io/api/chatgpt/"
	DefaultRequestTimeout       = 100 * time.Second
	DefaultMaxRollbacks         = 20
	DefaultProvisionBackoff     = 3 * time.Second
	DefaultMaxProvisionAttempts = 5
	DefaultProvisionTimeout     = 2 * time.Minute
	DefaultSessionWindow        = time.Hour
	DefaultRefreshThreshold     = 2000 * time.Second
	DefaultKeyPrefix            = "chatgpt:"
	DefaultGroupPrefix          = "ai "
)

// Config represents the complete coven-relay configuration
type Config struct {
	Backend   BackendConfig   `yaml:"backend" toml:"backend"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Frontends FrontendsConfig `yaml:"frontends" toml:"frontends"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// BackendConfig holds the completion backend endpoint and credential
type BackendConfig struct {
	BaseURL    string `yaml:"base_url" toml:"base_url"`
	Credential string `yaml:"credential" toml:"credential"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// SessionConfig holds conversation session tuning
type SessionConfig struct {
	MaxRollbacks         int    `yaml:"max_rollbacks" toml:"max_rollbacks"`
	MaxProvisionAttempts int    `yaml:"max_provision_attempts" toml:"max_provision_attempts"`
	KeyPrefix            string `yaml:"key_prefix" toml:"key_prefix"`

	ProvisionBackoff time.Duration `yaml:"-" toml:"-"`
	ProvisionTimeout time.Duration `yaml:"-" toml:"-"`
	Window           time.Duration `yaml:"-" toml:"-"`
	RefreshThreshold time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProvisionBackoffRaw string `yaml:"provision_backoff" toml:"provision_backoff"`
	ProvisionTimeoutRaw string `yaml:"provision_timeout" toml:"provision_timeout"`
	WindowRaw           string `yaml:"window" toml:"window"`
	RefreshThresholdRaw string `yaml:"refresh_threshold" toml:"refresh_threshold"`
}

// StoreConfig selects and configures the session store
type StoreConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
}

// DispatchConfig holds command routing and access filtering settings
type DispatchConfig struct {
	AdminID      string   `yaml:"admin_id" toml:"admin_id"`
	AllowedChats []string `yaml:"allowed_chats" toml:"allowed_chats"`
	GroupPrefix  string   `yaml:"group_prefix" toml:"group_prefix"`
}

// FrontendsConfig holds configuration for all frontend integrations
type FrontendsConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
	HTTP   HTTPConfig   `yaml:"http" toml:"http"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
}

// HTTPConfig holds the HTTP API frontend configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes already-expanded configuration content, applies defaults and validates it.
func Parse(content string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(content, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBaseURL
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = DefaultRequestTimeout
	}
	if c.Session.MaxRollbacks == 0 {
		c.Session.MaxRollbacks = DefaultMaxRollbacks
	}
	if c.Session.MaxProvisionAttempts == 0 {
		c.Session.MaxProvisionAttempts = DefaultMaxProvisionAttempts
	}
	if c.Session.KeyPrefix == "" {
		c.Session.KeyPrefix = DefaultKeyPrefix
	}
	if c.Session.ProvisionBackoff == 0 {
		c.Session.ProvisionBackoff = DefaultProvisionBackoff
	}
	if c.Session.ProvisionTimeout == 0 {
		c.Session.ProvisionTimeout = DefaultProvisionTimeout
	}
	if c.Session.Window == 0 {
		c.Session.Window = DefaultSessionWindow
	}
	if c.Session.RefreshThreshold == 0 {
		c.Session.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverSQLite
	}
	if c.Dispatch.GroupPrefix == "" {
		c.Dispatch.GroupPrefix = DefaultGroupPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Backend.Credential == "" {
		return fmt.Errorf("backend.credential is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use http or https scheme")
	}

	if c.Session.MaxRollbacks < 0 {
		return fmt.Errorf("session.max_rollbacks must not be negative")
	}
	if c.Session.MaxProvisionAttempts < 0 {
		return fmt.Errorf("session.max_provision_attempts must not be negative")
	}
	if c.Session.RefreshThreshold >= c.Session.Window {
		return fmt.Errorf("session.refresh_threshold (%s) must be shorter than session.window (%s)",
			c.Session.RefreshThreshold, c.Session.Window)
	}

	switch c.Store.Driver {
	case StoreDriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case StoreDriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, redis, memory", c.Store.Driver)
	}

	if c.Frontends.Matrix.Enabled {
		if c.Frontends.Matrix.Homeserver == "" {
			return fmt.Errorf("frontends.matrix.homeserver is required when matrix is enabled")
		}
		if c.Frontends.Matrix.UserID == "" {
			return fmt.Errorf("frontends.matrix.user_id is required when matrix is enabled")
		}
		if c.Frontends.Matrix.AccessToken == "" {
			return fmt.Errorf("frontends.matrix.access_token is required when matrix is enabled")
		}
	}
	if c.Frontends.HTTP.Enabled && c.Frontends.HTTP.Addr == "" {
		return fmt.Errorf("frontends.http.addr is required when http is enabled")
	}
	if !c.Frontends.Matrix.Enabled && !c.Frontends.HTTP.Enabled {
		return fmt.Errorf("at least one frontend (matrix or http) must be enabled")
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
		{"request_timeout", cfg.Backend.RequestTimeoutRaw, &cfg.Backend.RequestTimeout},
		{"provision_backoff", cfg.Session.ProvisionBackoffRaw, &cfg.Session.ProvisionBackoff},
		{"provision_timeout", cfg.Session.ProvisionTimeoutRaw, &cfg.Session.ProvisionTimeout},
		{"window", cfg.Session.WindowRaw, &cfg.Session.Window},
		{"refresh_threshold", cfg.Session.RefreshThresholdRaw, &cfg.Session.RefreshThreshold},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
