// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Keys missing from the file keep the values of Default(), so an
// empty file is a valid configuration.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path from the --config flag
//  2. Path from COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml (~/.config/coven/relay.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:9001"  # WebSocket and HTTP API
//	  grpc_addr: ""                # gRPC health service, empty disables
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: ""
//	  ephemeral: false
//
//	database:
//	  backend: "file"    # file, sqlite, badger
//	  path: "messages.db"
//	  driver: "sqlite"   # sqlite (pure Go) or sqlite3 (cgo)
//	  timeout: "5s"
//
//	relay:
//	  history_limit: 50
//	  send_buffer: 64
//	  write_timeout: "10s"
//	  max_frame_bytes: 65536
//	  close_superseded: false
//	  roster_on_connect: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
