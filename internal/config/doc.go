// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. The format is picked from the file extension (.toml for TOML,
// anything else is YAML).
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolgate/gateway.yaml
//  3. ~/.config/toolgate/gateway.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${TOOLGATE_JWT_SECRET}"
//
// TOOLGATE_DB_PATH overrides database.path.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # Delegate connections
//	  http_addr: "0.0.0.0:8080"   # Tool API
//
//	database:
//	  path: "/var/lib/toolgate/toolgate.db"
//
//	auth:
//	  jwt_secret: "${TOOLGATE_JWT_SECRET}"  # at least 32 bytes
//
//	tools:
//	  enabled: true
//	  enabled_tools: ["echo", "build"]  # omit to allow every tool
//	  timeout: "30s"
//	  test_timeout: "10s"
//
//	delegates:
//	  auth_rate_per_second: 1
//	  auth_burst: 5
//	  outbox_size: 16
//
//	api_keys:
//	  bcrypt_cost: 10
//
//	tailscale:
//	  enabled: false
//	  hostname: "toolgate"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
