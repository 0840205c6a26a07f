// ABOUTME: Coordinator binds the coordination managers into callable tools and resources
// ABOUTME: Runs authenticate, channel access, permission and rate limit checks before each tool

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/2389/hitl-coord/internal/audit"
	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/channels"
	"github.com/2389/hitl-coord/internal/coord"
	"github.com/2389/hitl-coord/internal/dedupe"
	"github.com/2389/hitl-coord/internal/heartbeat"
	"github.com/2389/hitl-coord/internal/locks"
	"github.com/2389/hitl-coord/internal/ratelimit"
	"github.com/2389/hitl-coord/internal/signing"
)

// Config holds the managers a Coordinator exposes. Channels, Locks,
// Heartbeat and Auth are required; the rest are optional features.
type Config struct {
	Channels  *channels.Store
	Locks     *locks.Manager
	Heartbeat *heartbeat.Manager
	// Auth always backs admin tools. Agent credentials are only checked
	// when AuthEnabled is set.
	Auth        *auth.Manager
	AuthEnabled bool
	// Sessions issues bearer tokens from the authenticate tool. Nil disables it.
	Sessions   *auth.JWTVerifier
	SessionTTL time.Duration

	RateLimiter *ratelimit.Limiter // nil disables rate limiting
	Signer      *signing.Signer    // nil disables message signing
	Idempotency *dedupe.Cache      // nil ignores idempotency keys
	Audit       audit.Recorder     // nil discards audit entries

	Logger *slog.Logger
}

// Coordinator is the facade over the coordination managers.
type Coordinator struct {
	channels    *channels.Store
	locks       *locks.Manager
	heartbeat   *heartbeat.Manager
	auth        *auth.Manager
	authEnabled bool
	sessions    *auth.JWTVerifier
	sessionTTL  time.Duration
	limiter     *ratelimit.Limiter
	signer      *signing.Signer
	idempotency *dedupe.Cache
	audit       audit.Recorder
	logger      *slog.Logger

	tools map[string]*Tool
	order []string
}

// New creates a Coordinator and registers every tool.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Channels == nil {
		return nil, errors.New("channel store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if cfg.Heartbeat == nil {
		return nil, errors.New("heartbeat manager is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("auth manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Audit
	if recorder == nil {
		recorder = audit.Nop{}
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	c := &Coordinator{
		channels:    cfg.Channels,
		locks:       cfg.Locks,
		heartbeat:   cfg.Heartbeat,
		auth:        cfg.Auth,
		authEnabled: cfg.AuthEnabled,
		sessions:    cfg.Sessions,
		sessionTTL:  ttl,
		limiter:     cfg.RateLimiter,
		signer:      cfg.Signer,
		idempotency: cfg.Idempotency,
		audit:       recorder,
		logger:      logger.With("component", "tools"),
		tools:       make(map[string]*Tool),
	}
	for _, group := range [][]*Tool{
		c.channelTools(),
		c.lockTools(),
		c.agentTools(),
		c.adminTools(),
	} {
		for _, t := range group {
			if _, dup := c.tools[t.Name]; dup {
				return nil, fmt.Errorf("duplicate tool %q", t.Name)
			}
			c.tools[t.Name] = t
			c.order = append(c.order, t.Name)
		}
	}
	return c, nil
}

// Tools lists every tool in registration order.
func (c *Coordinator) Tools() []Info {
	out := make([]Info, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		out = append(out, Info{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// Tool returns the tool registered under name.
func (c *Coordinator) Tool(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Execute runs the named tool with raw JSON arguments. Domain failures are
// *coord.Error values; bad arguments wrap ErrInvalidArguments.
func (c *Coordinator) Execute(ctx context.Context, name string, args []byte) (any, error) {
	t, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var caller callerArgs
	if err := decodeArgs(args, &caller); err != nil {
		return nil, err
	}

	call := &Call{Args: args}
	switch {
	case t.Admin:
		if !c.auth.IsAdminKey(caller.AdminKey) {
			c.logger.Warn("admin tool rejected", "tool", name)
			return nil, coord.Authentication("invalid or missing admin_key")
		}
	case t.identity == identityNone:
	default:
		agentID, err := c.identify(ctx, t, caller)
		if err != nil {
			return nil, err
		}
		call.AgentID = agentID
		if err := c.authorize(t, agentID, caller.ChannelName); err != nil {
			return nil, err
		}
		if c.limiter != nil && agentID != "" {
			if err := c.limiter.Check(agentID); err != nil {
				return nil, err
			}
		}
	}

	result, err := t.handler(ctx, call)
	if err != nil {
		c.logger.Debug("tool failed", "tool", name, "agent_id", call.AgentID, "error", err)
		return nil, err
	}
	return result, nil
}

// identify resolves the caller. With auth enabled a bearer session or a
// matching agent_id/api_key pair is required.
func (c *Coordinator) identify(ctx context.Context, t *Tool, caller callerArgs) (string, error) {
	claimed := caller.agent()

	if !c.authEnabled {
		if claimed == "" && t.identity == identityRequired {
			return "", invalidArgs("agent_id is required")
		}
		return claimed, nil
	}

	if session := auth.FromContext(ctx); session != nil {
		if claimed != "" && claimed != session.AgentID {
			return "", coord.Authentication(fmt.Sprintf("session belongs to %s, not %s", session.AgentID, claimed))
		}
		return session.AgentID, nil
	}

	if err := c.auth.Authenticate(claimed, caller.APIKey); err != nil {
		c.record(ctx, &audit.Entry{
			Actor:      claimed,
			Action:     audit.ActionAuthenticationFailed,
			TargetType: "agent",
			TargetID:   claimed,
			Detail:     map[string]any{"tool": t.Name},
		})
		return "", err
	}
	return claimed, nil
}

func (c *Coordinator) authorize(t *Tool, agentID, channel string) error {
	if !c.authEnabled {
		return nil
	}
	if t.ChannelScoped && channel != "" {
		if err := c.auth.VerifyChannelAccess(agentID, channel); err != nil {
			return err
		}
	}
	if t.Permission != "" {
		if err := c.auth.VerifyPermission(agentID, t.Permission); err != nil {
			return err
		}
	}
	return nil
}

// record writes an audit entry. Failures are logged, never returned.
func (c *Coordinator) record(ctx context.Context, e *audit.Entry) {
	if err := c.audit.Record(ctx, e); err != nil {
		c.logger.Error("failed to record audit entry", "action", e.Action, "error", err)
	}
}

// signatureKey is the metadata field holding a message signature.
const signatureKey = "signature"

// signedEnvelope is the part of a message covered by its signature.
type signedEnvelope struct {
	Channel   string         `json:"channel"`
	FromAgent string         `json:"from_agent"`
	Type      string         `json:"type"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	ReplyTo   string         `json:"reply_to,omitempty"`
}

func envelopeOf(p channels.AppendParams) signedEnvelope {
	metadata := maps.Clone(p.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	delete(metadata, signatureKey)
	return signedEnvelope{
		Channel:   p.Channel,
		FromAgent: p.FromAgent,
		Type:      string(p.Type),
		Content:   p.Content,
		Metadata:  metadata,
		ReplyTo:   p.ReplyTo,
	}
}

// appendMessage signs p when signing is enabled, then appends it.
func (c *Coordinator) appendMessage(p channels.AppendParams) (*channels.Message, error) {
	if c.signer != nil {
		secret, err := c.signer.DeriveAgentSecret(p.FromAgent)
		if err != nil {
			return nil, err
		}
		sig, err := c.signer.Sign(envelopeOf(p), secret)
		if err != nil {
			return nil, fmt.Errorf("signing message: %w", err)
		}
		metadata := maps.Clone(p.Metadata)
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata[signatureKey] = sig
		p.Metadata = metadata
	}
	return c.channels.Append(p)
}

// verifyMessage recomputes msg's signature. signed is false when the message
// carries none.
func (c *Coordinator) verifyMessage(msg *channels.Message) (signed, valid bool, err error) {
	sig, ok := msg.Metadata[signatureKey].(string)
	if !ok || sig == "" {
		return false, false, nil
	}
	secret, err := c.signer.DeriveAgentSecret(msg.FromAgent)
	if err != nil {
		return true, false, err
	}
	valid, err = c.signer.Verify(envelopeOf(channels.AppendParams{
		Channel:   msg.Channel,
		FromAgent: msg.FromAgent,
		Type:      msg.Type,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		ReplyTo:   msg.ReplyTo,
	}), sig, secret)
	return true, valid, err
}

// Stats aggregates every manager's counters.
type Stats struct {
	Channels  channels.Stats   `json:"channels"`
	Locks     locks.Stats      `json:"locks"`
	Heartbeat heartbeat.Stats  `json:"heartbeat"`
	RateLimit *ratelimit.Stats `json:"rate_limit,omitempty"`
	Agents    int              `json:"registered_agents"`
}

// Stats returns a snapshot of every manager's counters.
func (c *Coordinator) Stats() Stats {
	st := Stats{
		Channels:  c.channels.Stats(),
		Locks:     c.locks.Stats(),
		Heartbeat: c.heartbeat.Stats(),
		Agents:    len(c.auth.List()),
	}
	if c.limiter != nil {
		rl := c.limiter.Stats()
		st.RateLimit = &rl
	}
	return st
}

// ToolNames returns every registered tool name, sorted.
func (c *Coordinator) ToolNames() []string {
	return slices.Sorted(maps.Keys(c.tools))
}
