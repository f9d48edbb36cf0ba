// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  allowed_origins: ["https://acme.test"]  # empty allows any origin
//
//	database:
//	  path: "/var/lib/relay/gateway.db"
//
//	redis:
//	  url: "${REDIS_URL}"      # empty runs a single instance
//	  channel_prefix: "relay:"
//
//	delivery:
//	  notify_timeout: "10s"    # bound on one fallback notification
//	  send_buffer: 64          # frames queued per socket before dropping
//	  messages_per_second: 5
//	  burst: 10
//	  snapshot_limit: 50       # conversations sent to an agent on connect
//
//	notifications:
//	  provider: "resend"       # resend, none
//	  api_key: "${RESEND_API_KEY}"
//	  from: "notifications@acme.test"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - server.http_addr and database.path are set
//   - notifications.provider is known, and resend has api_key and from
//   - logging.format is text or json
package config
