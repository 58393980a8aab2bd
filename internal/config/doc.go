// Package config handles configuration loading for warren.
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
//  1. Path from WARREN_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/warren/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	provision:
//	  shared_secret: "${SYNAPSE_REGISTRATION_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	permissions:
//	  timeout: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Manager account and homeserver:
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  server_name: "example.org"
//	  user_id: "@warren:example.org"
//	  access_token: "${WARREN_ACCESS_TOKEN}"
//	  allowed_users:
//	    - "@operator:example.org"
//
// Agent account provisioning:
//
//	provision:
//	  shared_secret: "${SYNAPSE_REGISTRATION_SECRET}"
//	  admin_token: "${SYNAPSE_ADMIN_TOKEN}"
//
// Agent subprocesses:
//
//	agents:
//	  projects_root: "/home/dev/projects"
//	  binary: "claude"
//	  username_prefix: "warren"
//	  state_dir: "/var/lib/warren"
//
// Permission endpoint:
//
//	permissions:
//	  listen_addr: "127.0.0.1:7710"
//	  timeout: "5m"
//
// Outbound message pacing:
//
//	queue:
//	  rate_per_second: 5
//	  max_message_bytes: 4000
//
// Database:
//
//	database:
//	  path: "/var/lib/warren/warren.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/warren/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
