// Package config handles configuration loading for hitl-coord.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from the HITL_COORD_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/hitl-coord/config.yaml (~/.config when unset)
//
// A missing default file is not an error; the built-in defaults are used.
// Files ending in .toml are decoded as TOML, anything else as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  admin_key: "${HITL_ADMIN_KEY}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8765"
//	  grpc_addr: ""            # empty disables gRPC health
//	locks:
//	  max_per_agent: 10
//	  poll_interval: "100ms"
//	heartbeat:
//	  interval: "30s"
//	  missing_threshold: 2
//	  dead_threshold: 3
//	  release_locks_on_death: true
//	auth:
//	  enabled: true
//	  admin_key: "${HITL_ADMIN_KEY}"
//	  jwt_secret: "${HITL_JWT_SECRET}"
//	  agents:
//	    - id: planner
//	      api_key: "${PLANNER_KEY}"
//	      permissions: [read, write, lock]
//
// Duration values use Go's time.ParseDuration syntax.
package config
