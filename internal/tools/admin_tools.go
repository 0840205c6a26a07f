// ABOUTME: Administrative tools gated by the admin key
// ABOUTME: Every change is written to the audit trail with the admin actor

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/hitl-coord/internal/audit"
	"github.com/2389/hitl-coord/internal/auth"
)

func (c *Coordinator) adminTools() []*Tool {
	return []*Tool{
		{
			Name:        "register_agent",
			Description: "Register an agent or rotate its key. Returns the plaintext API key once.",
			InputSchema: adminSchema(props{
				"agent_id":              str("Agent to register"),
				"api_key":               str("Key to assign (generated when empty)"),
				"allowed_channels":      stringList(`Channels the agent may use ("*" for all, the default)`),
				"permissions":           stringList("Subset of read, write, lock (default all)"),
				"rate_limit_per_minute": integer("Per-agent request budget"),
			}, "agent_id"),
			Admin:   true,
			handler: c.registerAgent,
		},
		{
			Name:        "revoke_agent",
			Description: "Remove an agent's credentials and release its locks",
			InputSchema: adminSchema(props{"agent_id": str("Agent to revoke")}, "agent_id"),
			Admin:       true,
			handler:     c.revokeAgent,
		},
		{
			Name:        "update_permissions",
			Description: "Replace an agent's permission set",
			InputSchema: adminSchema(props{
				"agent_id":    str("Agent to update"),
				"permissions": stringList("New permissions: read, write, lock"),
			}, "agent_id", "permissions"),
			Admin:   true,
			handler: c.updatePermissions,
		},
		{
			Name:        "grant_channel_access",
			Description: "Allow an agent into a channel; drops wildcard access",
			InputSchema: adminSchema(props{
				"agent_id":     str("Agent to update"),
				"channel_name": str("Channel to allow"),
			}, "agent_id", "channel_name"),
			Admin:   true,
			handler: c.grantChannelAccess,
		},
		{
			Name:        "revoke_channel_access",
			Description: "Remove a channel from an agent's allowed channels",
			InputSchema: adminSchema(props{
				"agent_id":     str("Agent to update"),
				"channel_name": str("Channel to remove"),
			}, "agent_id", "channel_name"),
			Admin:   true,
			handler: c.revokeChannelAccess,
		},
		{
			Name:        "set_rate_limit",
			Description: "Set a custom per-minute limit for an agent",
			InputSchema: adminSchema(props{
				"agent_id":         str("Agent to update"),
				"limit_per_minute": integer("Requests per minute"),
			}, "agent_id", "limit_per_minute"),
			Admin:   true,
			handler: c.setRateLimit,
		},
		{
			Name:        "reset_rate_limit",
			Description: "Refill an agent's bucket, or every bucket when agent_id is omitted",
			InputSchema: adminSchema(props{"agent_id": str("Agent to reset")}),
			Admin:       true,
			handler:     c.resetRateLimit,
		},
		{
			Name:        "query_audit_log",
			Description: "List audit entries, newest first",
			InputSchema: adminSchema(props{
				"actor":       str("Only entries by this actor"),
				"action":      enum("Only this action", actionNames()),
				"target_type": str("agent, channel or lock"),
				"target_id":   str("Only entries about this target"),
				"since":       str("RFC 3339 lower bound"),
				"limit":       integer("Maximum entries (default 100, max 1000)"),
			}),
			Admin:   true,
			handler: c.queryAuditLog,
		},
	}
}

func actionNames() []string {
	names := make([]string, len(audit.ValidActions))
	for i, a := range audit.ValidActions {
		names[i] = string(a)
	}
	return names
}

func (c *Coordinator) adminAudit(ctx context.Context, action audit.Action, targetType, targetID string, detail map[string]any) {
	c.record(ctx, &audit.Entry{
		Actor:      audit.ActorAdmin,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
}

type targetArgs struct {
	AgentID string `json:"agent_id"`
}

func (a targetArgs) validate() error {
	if a.AgentID == "" {
		return invalidArgs("agent_id is required")
	}
	return nil
}

func parsePermissions(in []string) ([]auth.Permission, error) {
	out := make([]auth.Permission, 0, len(in))
	for _, s := range in {
		p, err := auth.ParsePermission(s)
		if err != nil {
			return nil, invalidArgs("%v", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// RegisterResult is returned by register_agent.
type RegisterResult struct {
	APIKey string     `json:"api_key"`
	Agent  auth.Agent `json:"agent"`
}

func (c *Coordinator) registerAgent(ctx context.Context, call *Call) (any, error) {
	var in struct {
		targetArgs
		APIKey             string   `json:"api_key"`
		AllowedChannels    []string `json:"allowed_channels"`
		Permissions        []string `json:"permissions"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	for _, ch := range in.AllowedChannels {
		if err := validateChannelName("allowed_channels entry", ch); err != nil {
			return nil, err
		}
	}
	perms, err := parsePermissions(in.Permissions)
	if err != nil {
		return nil, err
	}

	key, err := c.auth.Register(auth.RegisterParams{
		AgentID:            in.AgentID,
		APIKey:             in.APIKey,
		AllowedChannels:    in.AllowedChannels,
		Permissions:        perms,
		RateLimitPerMinute: in.RateLimitPerMinute,
	})
	if err != nil {
		return nil, invalidArgs("%v", err)
	}
	agent, _ := c.auth.Get(in.AgentID)
	if c.limiter != nil && in.RateLimitPerMinute > 0 {
		if err := c.limiter.SetAgentLimit(in.AgentID, in.RateLimitPerMinute); err != nil {
			return nil, err
		}
	}

	c.adminAudit(ctx, audit.ActionRegisterAgent, "agent", in.AgentID, map[string]any{
		"allowed_channels": agent.AllowedChannels,
		"permissions":      agent.Permissions,
	})
	return RegisterResult{APIKey: key, Agent: agent}, nil
}

func (c *Coordinator) revokeAgent(ctx context.Context, call *Call) (any, error) {
	var in targetArgs
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := c.auth.Revoke(in.AgentID); err != nil {
		return nil, err
	}
	released := c.locks.ReleaseAll(in.AgentID)
	c.adminAudit(ctx, audit.ActionRevokeAgent, "agent", in.AgentID, map[string]any{"locks_released": released})
	return map[string]any{"revoked": true, "agent_id": in.AgentID, "locks_released": released}, nil
}

func (c *Coordinator) updatePermissions(ctx context.Context, call *Call) (any, error) {
	var in struct {
		targetArgs
		Permissions []string `json:"permissions"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	perms, err := parsePermissions(in.Permissions)
	if err != nil {
		return nil, err
	}
	if err := c.auth.UpdatePermissions(in.AgentID, perms); err != nil {
		return nil, err
	}
	agent, _ := c.auth.Get(in.AgentID)
	c.adminAudit(ctx, audit.ActionUpdatePermissions, "agent", in.AgentID, map[string]any{"permissions": agent.Permissions})
	return agent, nil
}

type channelGrantArgs struct {
	targetArgs
	ChannelName string `json:"channel_name"`
}

func (c *Coordinator) decodeGrant(call *Call) (channelGrantArgs, error) {
	var in channelGrantArgs
	if err := call.Decode(&in); err != nil {
		return in, err
	}
	if err := in.validate(); err != nil {
		return in, err
	}
	if err := validateChannelName("channel_name", in.ChannelName); err != nil {
		return in, err
	}
	return in, nil
}

func (c *Coordinator) grantChannelAccess(ctx context.Context, call *Call) (any, error) {
	in, err := c.decodeGrant(call)
	if err != nil {
		return nil, err
	}
	if err := c.auth.GrantChannelAccess(in.AgentID, in.ChannelName); err != nil {
		return nil, err
	}
	agent, _ := c.auth.Get(in.AgentID)
	c.adminAudit(ctx, audit.ActionGrantChannelAccess, "channel", in.ChannelName, map[string]any{"agent_id": in.AgentID})
	return agent, nil
}

func (c *Coordinator) revokeChannelAccess(ctx context.Context, call *Call) (any, error) {
	in, err := c.decodeGrant(call)
	if err != nil {
		return nil, err
	}
	if err := c.auth.RevokeChannelAccess(in.AgentID, in.ChannelName); err != nil {
		return nil, err
	}
	agent, _ := c.auth.Get(in.AgentID)
	c.adminAudit(ctx, audit.ActionRevokeChannelAccess, "channel", in.ChannelName, map[string]any{"agent_id": in.AgentID})
	return agent, nil
}

func (c *Coordinator) setRateLimit(ctx context.Context, call *Call) (any, error) {
	if c.limiter == nil {
		return nil, fmt.Errorf("%w: rate limiting is disabled", ErrUnavailable)
	}
	var in struct {
		targetArgs
		LimitPerMinute int `json:"limit_per_minute"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := c.limiter.SetAgentLimit(in.AgentID, in.LimitPerMinute); err != nil {
		return nil, invalidArgs("%v", err)
	}
	c.adminAudit(ctx, audit.ActionSetRateLimit, "agent", in.AgentID, map[string]any{"limit_per_minute": in.LimitPerMinute})
	return c.limiter.Status(in.AgentID), nil
}

func (c *Coordinator) resetRateLimit(ctx context.Context, call *Call) (any, error) {
	if c.limiter == nil {
		return nil, fmt.Errorf("%w: rate limiting is disabled", ErrUnavailable)
	}
	var in targetArgs
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	c.limiter.Reset(in.AgentID)
	target := in.AgentID
	if target == "" {
		target = "*"
	}
	c.adminAudit(ctx, audit.ActionResetRateLimit, "agent", target, nil)
	return map[string]any{"reset": true, "agent_id": target}, nil
}

func (c *Coordinator) queryAuditLog(ctx context.Context, call *Call) (any, error) {
	var in struct {
		Actor      string `json:"actor"`
		Action     string `json:"action"`
		TargetType string `json:"target_type"`
		TargetID   string `json:"target_id"`
		Since      string `json:"since"`
		Limit      int    `json:"limit"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}

	f := audit.Filter{Limit: in.Limit}
	if in.Actor != "" {
		f.Actor = &in.Actor
	}
	if in.Action != "" {
		action := audit.Action(in.Action)
		f.Action = &action
	}
	if in.TargetType != "" {
		f.TargetType = &in.TargetType
	}
	if in.TargetID != "" {
		f.TargetID = &in.TargetID
	}
	if in.Since != "" {
		since, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return nil, invalidArgs("since: %v", err)
		}
		f.Since = &since
	}

	entries, err := c.audit.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}
