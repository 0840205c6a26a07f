// ABOUTME: Package ratelimit enforces per-agent and global request budgets
// ABOUTME: Token buckets are backed by golang.org/x/time/rate limiters

// Package ratelimit implements two-tier token bucket rate limiting.
//
// Every Check consumes one token from a global bucket shared by all agents
// and one from the calling agent's bucket. Buckets refill lazily from elapsed
// time. If the agent's bucket is empty the global token is refunded so a
// single throttled agent does not drain the shared budget. Both steps happen
// under one mutex.
package ratelimit
