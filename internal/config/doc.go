// Package config handles configuration loading for courier-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${COURIER_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  timeout: "30m"
//	  lock_sweep_interval: "5m"
//	  lock_orphan_idle: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # health endpoints
//
// Database:
//
//	database:
//	  path: "/var/lib/courier/gateway.db"
//
// Session registry:
//
//	sessions:
//	  max_concurrent: 100
//	  timeout: "30m"
//
// Policy limits:
//
//	limits:
//	  max_messages_per_minute: 10
//	  max_session_tokens: 0       # 0 = unlimited
//	  rate_sweep_every: 256
//	  rate_window_ttl: "10m"
//
// Worker pools:
//
//	workers:
//	  inbound: 4
//	  outbound: 2
//	  inbound_queue: 256
//	  outbound_queue: 256
//
// Channel policies:
//
//	channels:
//	  policies:
//	    sms: "pairing"
//	    legacy: "closed"
//	  usage_footer: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/courier/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
