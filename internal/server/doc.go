// Package server wires the coordination managers into a running process.
//
// New builds every manager from a config.Config, registers the startup
// agents and connects heartbeat death events to lock release. Run serves
// the MCP endpoint, health checks and per-channel Server-Sent Event streams
// over HTTP, plus an optional gRPC health service, and supervises the lock
// and heartbeat sweepers until its context is canceled.
package server
