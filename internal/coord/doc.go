// Package coord defines the structured error taxonomy shared by every
// coordination component.
//
// # Error Kinds
//
// Callers are autonomous agents, so failures are typed values rather than
// prose. Each error carries a Kind, a human-readable message, machine-readable
// details and optional suggested actions:
//
//	capacity_exceeded      channel is full; drain before retrying
//	quota_exceeded         agent holds too many locks
//	ownership_violation    release attempted by a non-holder
//	not_found              unknown lock, message, channel or agent
//	rate_limit_exceeded    transient; details carry wait_seconds
//	authentication_failed  bad or missing credentials
//	authorization_failed   authenticated but not permitted
//	schema_violation       structured content missing a required field
//
// # Matching
//
// Sentinels match by kind, so wrapped errors still compare:
//
//	if errors.Is(err, coord.ErrQuotaExceeded) {
//	    // release something first
//	}
package coord
