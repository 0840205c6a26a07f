// ABOUTME: Two-tier rate limiter with a shared global bucket and lazy per-agent buckets
// ABOUTME: Refunds the global token when an agent's own bucket is exhausted

package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hitl-coord/internal/coord"
)

// Defaults in requests per minute.
const (
	DefaultPerAgent = 100
	DefaultGlobal   = 1000
)

// Config configures a Limiter.
type Config struct {
	DefaultPerAgent int
	Global          int
	Logger          *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Status describes one agent's remaining budget.
type Status struct {
	AgentID         string `json:"agent_id"`
	LimitPerMinute  int    `json:"limit_per_minute"`
	AvailableTokens int    `json:"available_tokens"`
	GlobalAvailable int    `json:"global_available"`
	GlobalLimit     int    `json:"global_limit"`
}

// Stats summarizes the limiter.
type Stats struct {
	AgentsTracked     int `json:"agents_tracked"`
	GlobalLimit       int `json:"global_limit"`
	DefaultAgentLimit int `json:"default_agent_limit"`
	CustomLimits      int `json:"custom_limits"`
}

// Limiter enforces global and per-agent budgets.
type Limiter struct {
	mu       sync.Mutex
	global   *TokenBucket
	agents   map[string]*TokenBucket
	limits   map[string]int
	perAgent int

	logger *slog.Logger
	now    func() time.Time
}

// New creates a Limiter with full buckets.
func New(cfg Config) *Limiter {
	if cfg.DefaultPerAgent <= 0 {
		cfg.DefaultPerAgent = DefaultPerAgent
	}
	if cfg.Global <= 0 {
		cfg.Global = DefaultGlobal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		global:   NewTokenBucket(cfg.Global),
		agents:   make(map[string]*TokenBucket),
		limits:   make(map[string]int),
		perAgent: cfg.DefaultPerAgent,
		logger:   logger.With("component", "ratelimit"),
		now:      now,
	}
}

// bucketLocked returns the agent's bucket, creating it on first use.
// Must be called with l.mu held.
func (l *Limiter) bucketLocked(agentID string) *TokenBucket {
	b, ok := l.agents[agentID]
	if !ok {
		limit, custom := l.limits[agentID]
		if !custom {
			limit = l.perAgent
		}
		b = NewTokenBucket(limit)
		l.agents[agentID] = b
	}
	return b
}

// Check consumes one request for agentID. It fails with
// rate_limit_exceeded, scoped "global" when the shared bucket is empty and
// "agent" when the agent's own bucket is.
func (l *Limiter) Check(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	refundGlobal, wait, ok := l.global.Take(now)
	if !ok {
		l.logger.Warn("global rate limit exceeded", "agent_id", agentID, "wait", wait)
		return coord.RateLimitExceeded(agentID,
			fmt.Sprintf("%d/min (global)", l.global.PerMinute()), "global", wait)
	}

	bucket := l.bucketLocked(agentID)
	if _, wait, ok := bucket.Take(now); !ok {
		refundGlobal()
		l.logger.Debug("agent rate limit exceeded", "agent_id", agentID, "wait", wait)
		return coord.RateLimitExceeded(agentID,
			fmt.Sprintf("%d/min", bucket.PerMinute()), "agent", wait)
	}
	return nil
}

// SetAgentLimit sets a custom per-minute limit for agentID, resizing its
// bucket if one exists.
func (l *Limiter) SetAgentLimit(agentID string, perMinute int) error {
	if perMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", perMinute)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[agentID] = perMinute
	if b, ok := l.agents[agentID]; ok {
		b.SetPerMinute(l.now(), perMinute)
	}
	l.logger.Info("agent rate limit set", "agent_id", agentID, "limit_per_minute", perMinute)
	return nil
}

// Status reports agentID's remaining budget.
func (l *Limiter) Status(agentID string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(agentID)
	return Status{
		AgentID:         agentID,
		LimitPerMinute:  b.PerMinute(),
		AvailableTokens: b.Available(now),
		GlobalAvailable: l.global.Available(now),
		GlobalLimit:     l.global.PerMinute(),
	}
}

// Reset refills agentID's bucket, or every bucket including the global one
// when agentID is empty.
func (l *Limiter) Reset(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if agentID != "" {
		if b, ok := l.agents[agentID]; ok {
			b.Fill()
		}
		return
	}
	for _, b := range l.agents {
		b.Fill()
	}
	l.global.Fill()
	l.logger.Info("rate limits reset")
}

// Stats returns limiter counts.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		AgentsTracked:     len(l.agents),
		GlobalLimit:       l.global.PerMinute(),
		DefaultAgentLimit: l.perAgent,
		CustomLimits:      len(l.limits),
	}
}
