// ABOUTME: Package heartbeat classifies agent liveness from heartbeat recency
// ABOUTME: Status transitions are emitted as typed events to registered listeners

// Package heartbeat tracks agents that report periodic heartbeats.
//
// An agent is alive after any heartbeat, missing once it has missed
// MissingThreshold intervals, and dead after DeadThreshold intervals. A
// periodic sweep (every Interval/2) recomputes each agent's status and emits
// an Event for every transition. Listeners subscribe per target status and
// never learn about each other; the lock manager's cleanup on death is just
// one such listener.
package heartbeat
