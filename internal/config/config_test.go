// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	configPath := writeConfig(t, "relay.yaml", `
backend:
  base_url: "https://backend.example/api/"
  credential: "secret-token"
  request_timeout: "30s"

session:
  max_rollbacks: 10
  max_provision_attempts: 3
  provision_backoff: "1s"
  provision_timeout: "45s"
  window: "30m"
  refresh_threshold: "10m"
  key_prefix: "relay:"

store:
  driver: "redis"
  redis_addr: "localhost:6379"
  redis_db: 2

dispatch:
  admin_id: "@admin:example.org"
  allowed_chats:
    - "!room1:example.org"
  group_prefix: "bot "

frontends:
  http:
    enabled: true
    addr: "127.0.0.1:8080"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.BaseURL != "https://backend.example/api/" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.RequestTimeout != 30*time.Second {
		t.Errorf("Backend.RequestTimeout = %v, want 30s", cfg.Backend.RequestTimeout)
	}
	if cfg.Session.MaxRollbacks != 10 {
		t.Errorf("Session.MaxRollbacks = %d, want 10", cfg.Session.MaxRollbacks)
	}
	if cfg.Session.MaxProvisionAttempts != 3 {
		t.Errorf("Session.MaxProvisionAttempts = %d, want 3", cfg.Session.MaxProvisionAttempts)
	}
	if cfg.Session.ProvisionBackoff != time.Second {
		t.Errorf("Session.ProvisionBackoff = %v, want 1s", cfg.Session.ProvisionBackoff)
	}
	if cfg.Session.ProvisionTimeout != 45*time.Second {
		t.Errorf("Session.ProvisionTimeout = %v, want 45s", cfg.Session.ProvisionTimeout)
	}
	if cfg.Session.Window != 30*time.Minute {
		t.Errorf("Session.Window = %v, want 30m", cfg.Session.Window)
	}
	if cfg.Session.RefreshThreshold != 10*time.Minute {
		t.Errorf("Session.RefreshThreshold = %v, want 10m", cfg.Session.RefreshThreshold)
	}
	if cfg.Session.KeyPrefix != "relay:" {
		t.Errorf("Session.KeyPrefix = %q, want relay:", cfg.Session.KeyPrefix)
	}
	if cfg.Store.Driver != StoreDriverRedis || cfg.Store.RedisDB != 2 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if len(cfg.Dispatch.AllowedChats) != 1 || cfg.Dispatch.AllowedChats[0] != "!room1:example.org" {
		t.Errorf("Dispatch.AllowedChats = %v", cfg.Dispatch.AllowedChats)
	}
	if cfg.Dispatch.GroupPrefix != "bot " {
		t.Errorf("Dispatch.GroupPrefix = %q, want %q", cfg.Dispatch.GroupPrefix, "bot ")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "relay.toml", `
[backend]
credential = "toml-token"

[session]
window = "2h"

[store]
driver = "memory"

[frontends.matrix]
enabled = true
homeserver = "https://matrix.example.org"
user_id = "@relay:example.org"
access_token = "mx-token"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.Credential != "toml-token" {
		t.Errorf("Backend.Credential = %q", cfg.Backend.Credential)
	}
	if cfg.Session.Window != 2*time.Hour {
		t.Errorf("Session.Window = %v, want 2h", cfg.Session.Window)
	}
	if !cfg.Frontends.Matrix.Enabled || cfg.Frontends.Matrix.UserID != "@relay:example.org" {
		t.Errorf("Frontends.Matrix = %+v", cfg.Frontends.Matrix)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "relay.yaml", `
backend:
  credential: "token"
store:
  sqlite_path: "./relay.db"
frontends:
  http:
    enabled: true
    addr: ":8080"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.BaseURL != DefaultBaseURL {
		t.Errorf("Backend.BaseURL = %q, want default", cfg.Backend.BaseURL)
	}
	if cfg.Backend.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Backend.RequestTimeout = %v", cfg.Backend.RequestTimeout)
	}
	if cfg.Session.MaxRollbacks != 20 {
		t.Errorf("Session.MaxRollbacks = %d, want 20", cfg.Session.MaxRollbacks)
	}
	if cfg.Session.ProvisionBackoff != 3*time.Second {
		t.Errorf("Session.ProvisionBackoff = %v, want 3s", cfg.Session.ProvisionBackoff)
	}
	if cfg.Session.Window != time.Hour {
		t.Errorf("Session.Window = %v, want 1h", cfg.Session.Window)
	}
	if cfg.Session.RefreshThreshold != 2000*time.Second {
		t.Errorf("Session.RefreshThreshold = %v, want 2000s", cfg.Session.RefreshThreshold)
	}
	if cfg.Session.KeyPrefix != "chatgpt:" {
		t.Errorf("Session.KeyPrefix = %q", cfg.Session.KeyPrefix)
	}
	if cfg.Store.Driver != StoreDriverSQLite {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Dispatch.GroupPrefix != "ai " {
		t.Errorf("Dispatch.GroupPrefix = %q", cfg.Dispatch.GroupPrefix)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_CREDENTIAL", "from-env")
	t.Setenv("TEST_RELAY_DB", "/tmp/relay-env.db")

	configPath := writeConfig(t, "relay.yaml", `
backend:
  credential: "${TEST_RELAY_CREDENTIAL}"
store:
  sqlite_path: "${TEST_RELAY_DB}"
frontends:
  http:
    enabled: true
    addr: ":8080"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Credential != "from-env" {
		t.Errorf("Backend.Credential = %q, want from-env", cfg.Backend.Credential)
	}
	if cfg.Store.SQLitePath != "/tmp/relay-env.db" {
		t.Errorf("Store.SQLitePath = %q", cfg.Store.SQLitePath)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "relay.yaml", `
backend:
  credential: "token"
session:
  provision_backoff: "soon"
store:
  driver: memory
frontends:
  http:
    enabled: true
    addr: ":8080"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "provision_backoff") {
		t.Errorf("error = %v, want mention of provision_backoff", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Backend:   BackendConfig{Credential: "token"},
			Store:     StoreConfig{Driver: StoreDriverMemory},
			Frontends: FrontendsConfig{HTTP: HTTPConfig{Enabled: true, Addr: ":8080"}},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing credential", func(c *Config) { c.Backend.Credential = "" }, "backend.credential"},
		{"bad scheme", func(c *Config) { c.Backend.BaseURL = "ftp://backend" }, "http or https"},
		{"threshold beyond window", func(c *Config) { c.Session.RefreshThreshold = 2 * time.Hour }, "refresh_threshold"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "etcd" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = StoreDriverSQLite }, "sqlite_path"},
		{"redis without addr", func(c *Config) { c.Store.Driver = StoreDriverRedis }, "redis_addr"},
		{"matrix without homeserver", func(c *Config) { c.Frontends.Matrix.Enabled = true }, "homeserver"},
		{"no frontend", func(c *Config) { c.Frontends.HTTP.Enabled = false }, "at least one frontend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
