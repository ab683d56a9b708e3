// Package config handles configuration loading for postbox.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion. Missing values get defaults and
// the result is validated before use.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${POSTBOX_DATA}/postbox.db"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	database:
//	  busy_timeout: "5s"
//	cache:
//	  grace_period: "10m"
//
// # Configuration Sections
//
//	database:
//	  backend: sqlite          # memory or sqlite
//	  driver: sqlite           # sqlite (pure Go) or sqlite3 (cgo)
//	  path: ./postbox.db
//	  busy_timeout: 5s
//	cache:
//	  grace_period: 10m
//	  sweep_cron: "*/15 * * * *"
//	notify:
//	  buffer: 64
//	logging:
//	  level: info              # debug, info, warn, error
//	  format: text             # text or json
//	metrics:
//	  enabled: false
//	  addr: ":9090"
//	  path: /metrics
//
// The same keys are used in TOML:
//
//	[database]
//	backend = "sqlite"
//	path = "./postbox.db"
package config
