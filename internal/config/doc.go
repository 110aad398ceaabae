// Package config handles configuration loading for the diagnostics proxy.
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
//	  path: "${BISTOURY_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "30m"
//	  sweep_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  ui_addr: "0.0.0.0:9013"     # UI client connections
//	  agent_addr: "0.0.0.0:9014"  # Agent connections
//	  http_addr: "0.0.0.0:9015"   # Health and admin API
//	  handshake_rate: 20          # New UI connections per second (0 = unlimited)
//	  handshake_burst: 40
//
// Database:
//
//	database:
//	  path: "/var/lib/bistoury/proxy.db"
//
// Encryption:
//
//	encryption:
//	  public_key: "/etc/bistoury/rsa_public.pem"
//	  private_key: "/etc/bistoury/rsa_private.pem"
//
// Session and command timing:
//
//	sessions:
//	  idle_timeout: "30m"
//	  sweep_interval: "1m"
//	commands:
//	  timeout: "30s"
//	  sweep_interval: "1s"
//
// Connection buffering:
//
//	connections:
//	  write_low_watermark: 65536
//	  write_high_watermark: 131072
//	  saturation_wait: "5s"
//	  idle_read: "90s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # rotated file output when set; empty logs to stderr
//
// # Validation
//
// Load() validates:
//
//   - Required listener addresses
//   - Database and RSA key paths are set
//   - Duration format validity
//   - Write watermark ordering
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/bistoury/proxy.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
