// ABOUTME: Lock tools: acquire with bounded wait, release, status and listing
// ABOUTME: Timeouts and lease lengths arrive as seconds and become durations here

package tools

import (
	"context"
	"time"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/locks"
)

// DefaultAcquireTimeout is used when acquire_coordination_lock omits timeout_seconds.
const DefaultAcquireTimeout = 30 * time.Second

func (c *Coordinator) lockTools() []*Tool {
	return []*Tool{
		{
			Name:        "acquire_coordination_lock",
			Description: "Acquire a named lock, waiting up to timeout_seconds while another agent holds it",
			InputSchema: agentSchema(props{
				"lock_name":            str("Lock to acquire"),
				"timeout_seconds":      number("How long to wait for a held lock (default 30, 0 tries once)"),
				"auto_release_seconds": number("Lease length before the lock expires (default 300)"),
			}, "lock_name", "agent_id"),
			Permission: auth.PermLock,
			handler:    c.acquireLock,
		},
		{
			Name:        "release_coordination_lock",
			Description: "Release a lock you hold",
			InputSchema: agentSchema(props{"lock_id": str("Id returned by acquire")}, "lock_id", "agent_id"),
			Permission:  auth.PermLock,
			handler:     c.releaseLock,
		},
		{
			Name:        "get_lock_status",
			Description: "Show who holds a lock and for how long",
			InputSchema: agentSchema(props{"lock_name": str("Lock to inspect")}, "lock_name"),
			identity:    identityOptional,
			handler:     c.lockStatus,
		},
		{
			Name:        "list_coordination_locks",
			Description: "List every live lock",
			InputSchema: agentSchema(props{}),
			identity:    identityOptional,
			handler:     c.listLocks,
		},
	}
}

// MaxLockSeconds bounds timeout_seconds and auto_release_seconds.
const MaxLockSeconds = 30 * 24 * 60 * 60

// seconds converts a non-negative argument to a duration, rejecting values
// beyond MaxLockSeconds.
func seconds(field string, s float64) (time.Duration, error) {
	if s > MaxLockSeconds {
		return 0, invalidArgs("%s must not exceed %d", field, MaxLockSeconds)
	}
	return time.Duration(s * float64(time.Second)), nil
}

func (c *Coordinator) acquireLock(ctx context.Context, call *Call) (any, error) {
	var in struct {
		LockName           string   `json:"lock_name"`
		TimeoutSeconds     *float64 `json:"timeout_seconds"`
		AutoReleaseSeconds *float64 `json:"auto_release_seconds"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if in.LockName == "" {
		return nil, invalidArgs("lock_name is required")
	}

	p := locks.AcquireParams{Name: in.LockName, AgentID: call.AgentID, Timeout: DefaultAcquireTimeout}
	if in.TimeoutSeconds != nil {
		if *in.TimeoutSeconds < 0 {
			return nil, invalidArgs("timeout_seconds must not be negative")
		}
		d, err := seconds("timeout_seconds", *in.TimeoutSeconds)
		if err != nil {
			return nil, err
		}
		p.Timeout = d
	}
	if in.AutoReleaseSeconds != nil {
		if *in.AutoReleaseSeconds <= 0 {
			return nil, invalidArgs("auto_release_seconds must be positive")
		}
		d, err := seconds("auto_release_seconds", *in.AutoReleaseSeconds)
		if err != nil {
			return nil, err
		}
		p.AutoRelease = d
	}
	return c.locks.Acquire(ctx, p)
}

func (c *Coordinator) releaseLock(_ context.Context, call *Call) (any, error) {
	var in struct {
		LockID string `json:"lock_id"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if in.LockID == "" {
		return nil, invalidArgs("lock_id is required")
	}
	return c.locks.Release(in.LockID, call.AgentID)
}

// LockStatusResult is returned by get_lock_status. The lease fields are
// present only while the lock is held.
type LockStatusResult struct {
	Locked   bool   `json:"locked"`
	LockName string `json:"lock_name"`
	*locks.Status
}

func (c *Coordinator) lockStatus(_ context.Context, call *Call) (any, error) {
	var in struct {
		LockName string `json:"lock_name"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if in.LockName == "" {
		return nil, invalidArgs("lock_name is required")
	}
	st, ok := c.locks.Status(in.LockName)
	if !ok {
		return LockStatusResult{LockName: in.LockName}, nil
	}
	return LockStatusResult{Locked: true, LockName: in.LockName, Status: &st}, nil
}

func (c *Coordinator) listLocks(context.Context, *Call) (any, error) {
	return map[string]any{
		"locks": c.locks.List(),
		"stats": c.locks.Stats(),
	}, nil
}
