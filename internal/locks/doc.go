// ABOUTME: Package locks provides named mutual exclusion between agents
// ABOUTME: Leases expire automatically and each agent has a lock quota

// Package locks implements the coordination lock manager.
//
// A lock is identified by its name (for example "file:/src/main.go"). At most
// one unexpired lease exists per name. Contenders poll at a fixed interval
// until their timeout elapses; failure to acquire is a normal result, not an
// error. Expired leases are treated as absent everywhere and are also removed
// by a background sweep.
//
// Each name has its own slot guarded by its own mutex. The slot mutex is only
// held while checking and creating a lease, never while a contender waits, so
// the holder's Release is not blocked by waiters.
package locks
