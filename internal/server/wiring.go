// ABOUTME: Builds coordination managers from configuration
// ABOUTME: Registers startup agents and connects liveness events to cleanup

package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/hitl-coord/internal/audit"
	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/channels"
	"github.com/2389/hitl-coord/internal/config"
	"github.com/2389/hitl-coord/internal/dedupe"
	"github.com/2389/hitl-coord/internal/heartbeat"
	"github.com/2389/hitl-coord/internal/locks"
	"github.com/2389/hitl-coord/internal/ratelimit"
	"github.com/2389/hitl-coord/internal/signing"
	"github.com/2389/hitl-coord/internal/tools"
)

// managers holds everything the coordinator is built from.
type managers struct {
	channels    *channels.Store
	locks       *locks.Manager
	heartbeat   *heartbeat.Manager
	auth        *auth.Manager
	sessions    *auth.JWTVerifier
	limiter     *ratelimit.Limiter
	signer      *signing.Signer
	idempotency *dedupe.Cache
	audit       audit.Recorder
}

func buildManagers(cfg *config.Config, logger *slog.Logger) (*managers, error) {
	m := &managers{
		channels: channels.NewStore(channels.Config{
			MaxMessages: cfg.Channels.MaxMessages,
			Logger:      logger,
		}),
		locks: locks.NewManager(locks.Config{
			MaxPerAgent:        cfg.Locks.MaxPerAgent,
			PollInterval:       cfg.Locks.PollInterval,
			SweepInterval:      cfg.Locks.SweepInterval,
			DefaultAutoRelease: cfg.Locks.DefaultAutoRelease,
			Logger:             logger,
		}),
		auth:        auth.NewManager(auth.Config{AdminKey: cfg.Auth.AdminKey, Logger: logger}),
		idempotency: dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		audit:       audit.Nop{},
	}

	hb, err := heartbeat.NewManager(heartbeat.Config{
		Interval:         cfg.Heartbeat.Interval,
		MissingThreshold: cfg.Heartbeat.MissingThreshold,
		DeadThreshold:    cfg.Heartbeat.DeadThreshold,
		Logger:           logger,
	})
	if err != nil {
		m.close()
		return nil, fmt.Errorf("creating heartbeat manager: %w", err)
	}
	m.heartbeat = hb

	if cfg.RateLimit.Enabled {
		m.limiter = ratelimit.New(ratelimit.Config{
			DefaultPerAgent: cfg.RateLimit.DefaultPerAgent,
			Global:          cfg.RateLimit.Global,
			Logger:          logger,
		})
	}

	if cfg.Auth.JWTSecret != "" {
		m.sessions, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			m.close()
			return nil, fmt.Errorf("creating session verifier: %w", err)
		}
	}

	if cfg.Signing.Enabled {
		m.signer, err = signing.New([]byte(cfg.Signing.Secret))
		if err != nil {
			m.close()
			return nil, fmt.Errorf("creating signer: %w", err)
		}
	}

	if cfg.Audit.Path != "" {
		store, err := audit.OpenSQLite(cfg.Audit.Path, logger)
		if err != nil {
			m.close()
			return nil, fmt.Errorf("opening audit trail: %w", err)
		}
		m.audit = store
	}

	if err := m.registerAgents(cfg.Auth.Agents); err != nil {
		m.close()
		return nil, err
	}
	return m, nil
}

// registerAgents pre-registers the configured agents and applies their
// custom rate limits.
func (m *managers) registerAgents(agents []config.AgentConfig) error {
	for _, a := range agents {
		perms := make([]auth.Permission, 0, len(a.Permissions))
		for _, p := range a.Permissions {
			perm, err := auth.ParsePermission(p)
			if err != nil {
				return fmt.Errorf("agent %s: %w", a.ID, err)
			}
			perms = append(perms, perm)
		}
		if _, err := m.auth.Register(auth.RegisterParams{
			AgentID:            a.ID,
			APIKey:             a.APIKey,
			AllowedChannels:    a.AllowedChannels,
			Permissions:        perms,
			RateLimitPerMinute: a.RateLimitPerMinute,
		}); err != nil {
			return fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
		if m.limiter != nil && a.RateLimitPerMinute > 0 {
			if err := m.limiter.SetAgentLimit(a.ID, a.RateLimitPerMinute); err != nil {
				return fmt.Errorf("agent %s rate limit: %w", a.ID, err)
			}
		}
	}
	return nil
}

func (m *managers) coordinatorConfig(cfg *config.Config, logger *slog.Logger) tools.Config {
	return tools.Config{
		Channels:    m.channels,
		Locks:       m.locks,
		Heartbeat:   m.heartbeat,
		Auth:        m.auth,
		AuthEnabled: cfg.Auth.Enabled,
		Sessions:    m.sessions,
		SessionTTL:  cfg.Auth.SessionTTL,
		RateLimiter: m.limiter,
		Signer:      m.signer,
		Idempotency: m.idempotency,
		Audit:       m.audit,
		Logger:      logger,
	}
}

// watchLiveness records every status transition and cleans up after dead
// agents.
func (m *managers) watchLiveness(cfg config.HeartbeatConfig, logger *slog.Logger) {
	m.heartbeat.OnChange(func(ev heartbeat.Event) error {
		return m.audit.Record(context.Background(), &audit.Entry{
			Actor:      audit.ActorSystem,
			Action:     audit.ActionAgentStatusChanged,
			TargetType: "agent",
			TargetID:   ev.AgentID,
			Detail: map[string]any{
				"from":         string(ev.From),
				"to":           string(ev.To),
				"missed_beats": ev.MissedBeats,
			},
		})
	})

	m.heartbeat.OnDead(func(ev heartbeat.Event) error {
		detail := map[string]any{}
		if cfg.ReleaseLocksOnDeath {
			released := m.locks.ReleaseAll(ev.AgentID)
			detail["locks_released"] = released
			if released > 0 {
				logger.Warn("released locks of dead agent", "agent_id", ev.AgentID, "count", released)
			}
		}
		if cfg.LeaveChannelsOnDeath {
			left := m.channels.LeaveAll(ev.AgentID)
			detail["channels_left"] = left
		}
		if len(detail) == 0 {
			return nil
		}
		return m.audit.Record(context.Background(), &audit.Entry{
			Actor:      audit.ActorSystem,
			Action:     audit.ActionReleaseLocksOnDeath,
			TargetType: "agent",
			TargetID:   ev.AgentID,
			Detail:     detail,
		})
	})
}

// close releases resources that outlive the servers.
func (m *managers) close() error {
	if m.channels != nil {
		m.channels.Close()
	}
	if m.idempotency != nil {
		m.idempotency.Close()
	}
	if m.audit != nil {
		return m.audit.Close()
	}
	return nil
}
