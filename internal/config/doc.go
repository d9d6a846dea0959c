// Package config handles configuration loading for tether-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file, with ${VAR} expansion
// applied to the raw text before decoding. After decoding, TETHER_* environment
// variables override individual fields, durations are parsed, defaults are
// applied and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TETHER_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/tether/gateway.yaml
//
// # Environment Overrides
//
//	TETHER_HTTP_ADDR, TETHER_GRPC_ADDR, TETHER_DB_PATH, TETHER_CREDENTIALS_PATH,
//	TETHER_JWT_SECRET, TETHER_DRIVER, TETHER_MESSAGES_PER_MINUTE,
//	TETHER_DEAD_LETTER_PATH, TETHER_LOG_LEVEL, TETHER_LOG_FILE, TS_AUTHKEY
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # tenant API and viewer streams
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1 (optional)
//
//	database:
//	  path: "/var/lib/tether/gateway.db"
//	  credentials_path: "/var/lib/tether/credentials.db"
//
//	sessions:
//	  reconnect_base: "1s"
//	  reconnect_cap: "30s"
//	  max_reconnect_attempts: 5
//
//	delivery:
//	  poll_interval: "10s"
//	  messages_per_minute: 20     # send_interval overrides when set
//	  max_retries: 3
//	  send_timeout: "30s"
//
//	webhooks:
//	  max_attempts: 3
//	  delays: ["0s", "5s", "30s", "5m"]
//	  timeout: "10s"
//	  dead_letter_path: ""        # empty disables dead letters
//
//	viewers:
//	  heartbeat_interval: "30s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # rotated JSON log file
package config
