// ABOUTME: Audit entry types, filters and the Recorder interface
// ABOUTME: Records who did what to which coordination resource

package audit

import (
	"context"
	"time"
)

// Action represents an auditable action.
type Action string

const (
	ActionRegisterAgent        Action = "register_agent"
	ActionRevokeAgent          Action = "revoke_agent"
	ActionUpdatePermissions    Action = "update_permissions"
	ActionGrantChannelAccess   Action = "grant_channel_access"
	ActionRevokeChannelAccess  Action = "revoke_channel_access"
	ActionSetRateLimit         Action = "set_rate_limit"
	ActionResetRateLimit       Action = "reset_rate_limit"
	ActionIssueSession         Action = "issue_session"
	ActionAuthenticationFailed Action = "authentication_failed"
	ActionAgentStatusChanged   Action = "agent_status_changed"
	ActionReleaseLocksOnDeath  Action = "release_locks_on_death"
)

// ValidActions lists all valid audit actions.
var ValidActions = []Action{
	ActionRegisterAgent,
	ActionRevokeAgent,
	ActionUpdatePermissions,
	ActionGrantChannelAccess,
	ActionRevokeChannelAccess,
	ActionSetRateLimit,
	ActionResetRateLimit,
	ActionIssueSession,
	ActionAuthenticationFailed,
	ActionAgentStatusChanged,
	ActionReleaseLocksOnDeath,
}

// Actor names used for entries not caused by an agent.
const (
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Entry is a single audit log entry.
type Entry struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     Action         `json:"action"`
	TargetType string         `json:"target_type"` // "agent", "channel", "lock"
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Filter specifies filtering options for listing audit entries.
type Filter struct {
	Since      *time.Time
	Until      *time.Time
	Actor      *string
	Action     *Action
	TargetType *string
	TargetID   *string
	Limit      int // max results (default 100, max 1000)
}

// Recorder appends and queries audit entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, *Entry) error { return nil }

func (Nop) List(context.Context, Filter) ([]Entry, error) { return []Entry{}, nil }

func (Nop) Close() error { return nil }

// normalizeLimit applies default (100) and cap (1000) to limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
