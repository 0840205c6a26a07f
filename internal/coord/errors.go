// ABOUTME: Typed coordination errors with machine-readable details
// ABOUTME: Sentinels match by Kind so errors.Is works across wrapping

package coord

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind classifies a coordination failure.
type Kind string

const (
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindOwnershipViolation Kind = "ownership_violation"
	KindNotFound           Kind = "not_found"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindAuthentication     Kind = "authentication_failed"
	KindAuthorization      Kind = "authorization_failed"
	KindSchemaViolation    Kind = "schema_violation"
)

// Error is a coordination failure carrying structured detail.
type Error struct {
	Kind             Kind           `json:"kind"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrCapacityExceeded   = &Error{Kind: KindCapacityExceeded, Message: "capacity exceeded"}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded, Message: "quota exceeded"}
	ErrOwnershipViolation = &Error{Kind: KindOwnershipViolation, Message: "ownership violation"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrRateLimitExceeded  = &Error{Kind: KindRateLimitExceeded, Message: "rate limit exceeded"}
	ErrAuthentication     = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrAuthorization      = &Error{Kind: KindAuthorization, Message: "authorization failed"}
	ErrSchemaViolation    = &Error{Kind: KindSchemaViolation, Message: "schema violation"}
)

// KindOf returns the Kind of err, or "" if err is not a coordination error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// AsError unwraps err into a coordination error.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CapacityExceeded reports a channel that has reached max_messages.
func CapacityExceeded(channel string, capacity int) *Error {
	return &Error{
		Kind:    KindCapacityExceeded,
		Message: fmt.Sprintf("channel %q is full (capacity: %d)", channel, capacity),
		Details: map[string]any{"channel": channel, "capacity": capacity},
		SuggestedActions: []string{
			"Poll and process messages to free up space",
			"Use a different channel for new work",
			"Ask server admin to increase channel capacity",
		},
	}
}

// QuotaExceeded reports an agent already holding the maximum number of locks.
func QuotaExceeded(agentID string, current, maximum int) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: fmt.Sprintf("agent %q exceeded lock quota (%d/%d)", agentID, current, maximum),
		Details: map[string]any{"agent_id": agentID, "current_locks": current, "max_locks": maximum},
		SuggestedActions: []string{
			"Release unused locks",
			"Complete tasks and release their locks",
			"Use coarser-grained locking (fewer locks)",
		},
	}
}

// OwnershipViolation reports a release attempted by an agent that does not hold the lock.
func OwnershipViolation(lockID, heldBy, requester string) *Error {
	return &Error{
		Kind:    KindOwnershipViolation,
		Message: fmt.Sprintf("lock %s is held by %s, not %s", lockID, heldBy, requester),
		Details: map[string]any{"lock_id": lockID, "held_by": heldBy, "agent_id": requester},
	}
}

// NotFound reports an unknown resource of the given kind ("lock", "message", "agent", ...).
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// RateLimitExceeded reports an exhausted bucket. scope is "global" or "agent".
func RateLimitExceeded(agentID, limit, scope string, wait time.Duration) *Error {
	waitSeconds := math.Round(wait.Seconds()*1000) / 1000
	return &Error{
		Kind:    KindRateLimitExceeded,
		Message: fmt.Sprintf("agent %q exceeded rate limit (%s)", agentID, limit),
		Details: map[string]any{
			"agent_id":     agentID,
			"limit":        limit,
			"scope":        scope,
			"wait_seconds": waitSeconds,
		},
		SuggestedActions: []string{
			fmt.Sprintf("Wait %.1fs for the rate limit to refill", wait.Seconds()),
			"Batch multiple updates into a single message",
		},
	}
}

// Authentication reports missing or invalid credentials.
func Authentication(msg string) *Error {
	return &Error{
		Kind:    KindAuthentication,
		Message: msg,
		SuggestedActions: []string{
			"Check that your API key is correct",
			"Verify agent_id matches the key",
			"Request a new API key from server admin",
		},
	}
}

// Authorization reports an authenticated agent lacking access.
// permission may be empty when the failure is channel access.
func Authorization(msg, permission string) *Error {
	e := &Error{
		Kind:    KindAuthorization,
		Message: msg,
		SuggestedActions: []string{
			"Verify you have permission for this channel",
			"Request access from the server admin",
		},
	}
	if permission != "" {
		e.Details = map[string]any{"required_permission": permission}
	}
	return e
}

// SchemaViolation reports structured content that does not match its message type.
// field is empty when the type itself is the problem.
func SchemaViolation(messageType, field, msg string) *Error {
	details := map[string]any{"message_type": messageType}
	if field != "" {
		details["field"] = field
	}
	return &Error{
		Kind:    KindSchemaViolation,
		Message: msg,
		Details: details,
	}
}
