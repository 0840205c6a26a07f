// ABOUTME: Agent tools: heartbeat, liveness queries, rate limit status and session login
// ABOUTME: authenticate exchanges an API key for a bearer session token

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/hitl-coord/internal/audit"
	"github.com/2389/hitl-coord/internal/coord"
	"github.com/2389/hitl-coord/internal/heartbeat"
)

func (c *Coordinator) agentTools() []*Tool {
	return []*Tool{
		{
			Name:        "heartbeat",
			Description: "Report that the agent is alive; metadata is merged into its record",
			InputSchema: agentSchema(props{"metadata": object("Status details to record")}, "agent_id"),
			handler:     c.sendHeartbeat,
		},
		{
			Name:        "get_agent_status",
			Description: "Show an agent's liveness",
			InputSchema: agentSchema(props{
				"target_agent_id": str("Agent to inspect (defaults to the caller)"),
			}),
			identity: identityOptional,
			handler:  c.agentStatus,
		},
		{
			Name:        "list_agents",
			Description: "List agents that have sent heartbeats",
			InputSchema: agentSchema(props{
				"status_filter": enum("Only agents in this state",
					[]string{string(heartbeat.StatusAlive), string(heartbeat.StatusMissing), string(heartbeat.StatusDead)}),
			}),
			identity: identityOptional,
			handler:  c.listAgents,
		},
		{
			Name:        "get_rate_limit_status",
			Description: "Show the caller's remaining request budget",
			InputSchema: agentSchema(props{}, "agent_id"),
			handler:     c.rateLimitStatus,
		},
		{
			Name:        "authenticate",
			Description: "Exchange agent_id and api_key for a bearer session token",
			InputSchema: inputSchema(props{
				"agent_id": str("Agent id"),
				"api_key":  str("Agent API key"),
			}, "agent_id", "api_key"),
			identity: identityNone,
			handler:  c.authenticate,
		},
	}
}

func (c *Coordinator) sendHeartbeat(_ context.Context, call *Call) (any, error) {
	var in struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	return c.heartbeat.Heartbeat(call.AgentID, in.Metadata), nil
}

func (c *Coordinator) agentStatus(_ context.Context, call *Call) (any, error) {
	var in struct {
		TargetAgentID string `json:"target_agent_id"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	target := in.TargetAgentID
	if target == "" {
		target = call.AgentID
	}
	if target == "" {
		return nil, invalidArgs("target_agent_id or agent_id is required")
	}
	st, ok := c.heartbeat.AgentStatus(target)
	if !ok {
		return nil, coord.NotFound("agent", target)
	}
	return st, nil
}

func (c *Coordinator) listAgents(_ context.Context, call *Call) (any, error) {
	var in struct {
		StatusFilter string `json:"status_filter"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	var filter heartbeat.Status
	if in.StatusFilter != "" {
		st, err := heartbeat.ParseStatus(in.StatusFilter)
		if err != nil {
			return nil, invalidArgs("%v", err)
		}
		filter = st
	}
	return map[string]any{
		"agents": c.heartbeat.List(filter),
		"stats":  c.heartbeat.Stats(),
	}, nil
}

func (c *Coordinator) rateLimitStatus(_ context.Context, call *Call) (any, error) {
	if c.limiter == nil {
		return map[string]any{"agent_id": call.AgentID, "rate_limiting_disabled": true}, nil
	}
	return c.limiter.Status(call.AgentID), nil
}

// SessionResult is returned by authenticate.
type SessionResult struct {
	AgentID   string    `json:"agent_id"`
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Coordinator) authenticate(ctx context.Context, call *Call) (any, error) {
	if c.sessions == nil {
		return nil, fmt.Errorf("%w: session tokens are not configured", ErrUnavailable)
	}
	var in callerArgs
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	generation, err := c.auth.AuthenticateSession(in.AgentID, in.APIKey)
	if err != nil {
		c.record(ctx, &audit.Entry{
			Actor:      in.AgentID,
			Action:     audit.ActionAuthenticationFailed,
			TargetType: "agent",
			TargetID:   in.AgentID,
			Detail:     map[string]any{"tool": "authenticate"},
		})
		return nil, err
	}

	token, expiresAt, err := c.sessions.Generate(in.AgentID, generation, c.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}
	c.record(ctx, &audit.Entry{
		Actor:      in.AgentID,
		Action:     audit.ActionIssueSession,
		TargetType: "agent",
		TargetID:   in.AgentID,
		Detail:     map[string]any{"expires_at": expiresAt.Format(time.RFC3339)},
	})
	c.logger.Info("session issued", "agent_id", in.AgentID, "expires_at", expiresAt)
	return SessionResult{AgentID: in.AgentID, Token: token, TokenType: "Bearer", ExpiresAt: expiresAt}, nil
}
