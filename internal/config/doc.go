// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; everything else is
// treated as YAML. Unset fields receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  credential: "${COVEN_RELAY_CREDENTIAL}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  provision_backoff: "3s"
//	  provision_timeout: "2m"
//	  window: "1h"
//	  refresh_threshold: "2000s"
//
// # Configuration Sections
//
// Backend:
//
//	backend:
//	  base_url: "https://justbrowse.io/api/chatgpt/"
//	  credential: "${COVEN_RELAY_CREDENTIAL}"   # Required
//	  request_timeout: "100s"
//
// Session:
//
//	session:
//	  max_rollbacks: 20
//	  max_provision_attempts: 5
//	  key_prefix: "chatgpt:"
//
// Store:
//
//	store:
//	  driver: "sqlite"          # sqlite, redis, memory
//	  sqlite_path: "/var/lib/coven/relay.db"
//	  redis_addr: "localhost:6379"
//	  redis_db: 0
//
// Dispatch:
//
//	dispatch:
//	  admin_id: "@admin:matrix.org"
//	  allowed_chats: []          # empty allows every chat
//	  group_prefix: "ai "
//
// Frontends:
//
//	frontends:
//	  matrix:
//	    enabled: true
//	    homeserver: "https://matrix.org"
//	    user_id: "@relay:matrix.org"
//	    access_token: "${MATRIX_TOKEN}"
//	  http:
//	    enabled: true
//	    addr: "127.0.0.1:8080"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - backend credential presence and base URL scheme
//   - refresh threshold shorter than the session window
//   - store driver and its required connection fields
//   - at least one enabled frontend with its required fields
package config
