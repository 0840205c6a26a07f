// Package audit records coordination events in an append-only SQLite log.
//
// The log is write-only history for operators: agent registration and
// revocation, permission changes, lock releases triggered by agent death and
// liveness transitions. It is never replayed to rebuild coordination state.
// When no database path is configured a no-op recorder is used.
package audit
