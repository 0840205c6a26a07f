// ABOUTME: Lock lease records and the results returned by the lock manager
// ABOUTME: Leases are immutable; a new Lock is created for every acquisition

package locks

import (
	"math"
	"time"
)

// Lock is one acquisition of a named lock.
type Lock struct {
	ID                 string    `json:"lock_id"`
	Name               string    `json:"name"`
	HeldBy             string    `json:"held_by"`
	AcquiredAt         time.Time `json:"acquired_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	AutoReleaseSeconds int       `json:"auto_release_seconds"`
}

func (l *Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AcquireParams describes an acquisition attempt.
type AcquireParams struct {
	Name    string
	AgentID string
	// Timeout bounds how long to wait for a held lock. Zero tries once.
	Timeout time.Duration
	// AutoRelease is the lease length. Zero uses the manager default.
	AutoRelease time.Duration
}

// AcquireResult reports the outcome of Acquire. When Acquired is false,
// HeldBy and ExpiresAt describe the current holder.
type AcquireResult struct {
	Acquired  bool       `json:"acquired"`
	LockID    string     `json:"lock_id,omitempty"`
	Name      string     `json:"name"`
	HeldBy    string     `json:"held_by,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ReleaseResult is returned by a successful Release.
type ReleaseResult struct {
	Released bool   `json:"released"`
	LockID   string `json:"lock_id"`
	Name     string `json:"name"`
}

// Status is a snapshot of a live lease.
type Status struct {
	Lock
	SecondsRemaining int `json:"seconds_remaining"`
}

func statusOf(l *Lock, now time.Time) Status {
	return Status{
		Lock:             *l,
		SecondsRemaining: int(math.Floor(l.ExpiresAt.Sub(now).Seconds())),
	}
}

// Stats summarizes the manager.
type Stats struct {
	ActiveLocks     int `json:"active_locks"`
	AgentsWithLocks int `json:"agents_with_locks"`
}
