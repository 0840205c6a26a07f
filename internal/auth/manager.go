// ABOUTME: In-memory agent credential store with hashed API keys
// ABOUTME: Answers channel access and permission checks with typed coordination errors

package auth

import (
	"cmp"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-coord/internal/coord"
)

// Permission is an action an agent may be allowed to perform.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermLock  Permission = "lock"
)

// AllPermissions is the default permission set for new agents.
var AllPermissions = []Permission{PermRead, PermWrite, PermLock}

// ParsePermission converts a string into a Permission.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermRead, PermWrite, PermLock:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q (want read, write or lock)", s)
}

// WildcardChannel grants access to every channel.
const WildcardChannel = "*"

// DefaultRateLimit is the per-minute limit recorded for agents registered
// without one.
const DefaultRateLimit = 100

const generatedKeyBytes = 32

// Agent is a snapshot of a registered agent. It never contains the key.
type Agent struct {
	ID                 string       `json:"agent_id"`
	CreatedAt          time.Time    `json:"created_at"`
	AllowedChannels    []string     `json:"allowed_channels"`
	Permissions        []Permission `json:"permissions"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute"`
}

// RegisterParams describes a new agent. Empty fields take defaults: a
// generated key, wildcard channel access, every permission and
// DefaultRateLimit.
type RegisterParams struct {
	AgentID            string
	APIKey             string
	AllowedChannels    []string
	Permissions        []Permission
	RateLimitPerMinute int
}

type agentRecord struct {
	id          string
	keyHash     string
	generation  string
	createdAt   time.Time
	channels    map[string]struct{}
	permissions map[Permission]struct{}
	rateLimit   int
}

func (a *agentRecord) snapshot() Agent {
	channels := slices.Sorted(maps.Keys(a.channels))
	perms := slices.Sorted(maps.Keys(a.permissions))
	return Agent{
		ID:                 a.id,
		CreatedAt:          a.createdAt,
		AllowedChannels:    channels,
		Permissions:        perms,
		RateLimitPerMinute: a.rateLimit,
	}
}

// Config configures a Manager.
type Config struct {
	// AdminKey authorizes administrative operations. Empty disables them.
	AdminKey string
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager stores agent credentials and access rules.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord
	byKey  map[string]string // key hash -> agent id

	adminKeyHash string
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		agents: make(map[string]*agentRecord),
		byKey:  make(map[string]string),
		logger: logger.With("component", "auth"),
		now:    now,
	}
	if cfg.AdminKey != "" {
		m.adminKeyHash = hashKey(cfg.AdminKey)
	}
	return m
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a random URL-safe API key.
func GenerateKey() (string, error) {
	buf := make([]byte, generatedKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Register creates or replaces an agent and returns its plaintext API key.
// Re-registering an existing id rotates its key; the old key and any
// session issued under it stop working immediately.
func (m *Manager) Register(p RegisterParams) (string, error) {
	if p.AgentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	key := p.APIKey
	if key == "" {
		var err error
		if key, err = GenerateKey(); err != nil {
			return "", err
		}
	}

	channels := p.AllowedChannels
	if len(channels) == 0 {
		channels = []string{WildcardChannel}
	}
	perms := p.Permissions
	if len(perms) == 0 {
		perms = AllPermissions
	}
	rateLimit := p.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}

	rec := &agentRecord{
		id:          p.AgentID,
		keyHash:     hashKey(key),
		generation:  uuid.NewString(),
		createdAt:   m.now(),
		channels:    make(map[string]struct{}, len(channels)),
		permissions: make(map[Permission]struct{}, len(perms)),
		rateLimit:   rateLimit,
	}
	for _, c := range channels {
		rec.channels[c] = struct{}{}
	}
	for _, perm := range perms {
		if _, err := ParsePermission(string(perm)); err != nil {
			return "", err
		}
		rec.permissions[perm] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, taken := m.byKey[rec.keyHash]; taken && owner != p.AgentID {
		return "", fmt.Errorf("api key already assigned to another agent")
	}
	if old, ok := m.agents[p.AgentID]; ok {
		delete(m.byKey, old.keyHash)
		m.logger.Info("agent key rotated", "agent_id", p.AgentID)
	} else {
		m.logger.Info("agent registered", "agent_id", p.AgentID, "channels", len(channels))
	}
	m.agents[p.AgentID] = rec
	m.byKey[rec.keyHash] = p.AgentID
	return key, nil
}

// Authenticate checks agentID's API key.
func (m *Manager) Authenticate(agentID, apiKey string) error {
	_, err := m.AuthenticateSession(agentID, apiKey)
	return err
}

// AuthenticateSession checks agentID's API key and returns the generation
// of the registration it matched, for binding a session token to it.
func (m *Manager) AuthenticateSession(agentID, apiKey string) (string, error) {
	if agentID == "" || apiKey == "" {
		return "", coord.Authentication("missing agent_id or api_key")
	}
	hash := hashKey(apiKey)

	m.mu.RLock()
	rec, ok := m.agents[agentID]
	m.mu.RUnlock()

	// Compare against a dummy hash for unknown agents to keep timing uniform.
	expected := hashKey("")
	if ok {
		expected = rec.keyHash
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(expected)) != 1 || !ok {
		m.logger.Warn("authentication failed", "agent_id", agentID)
		return "", coord.Authentication(fmt.Sprintf("invalid credentials for agent %s", agentID))
	}
	return rec.generation, nil
}

// AgentFromKey returns the agent id owning apiKey.
func (m *Manager) AgentFromKey(apiKey string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[hashKey(apiKey)]
	return id, ok
}

// IsAdminKey reports whether key is the configured admin key.
func (m *Manager) IsAdminKey(key string) bool {
	if m.adminKeyHash == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashKey(key)), []byte(m.adminKeyHash)) == 1
}

// Exists reports whether agentID is registered.
func (m *Manager) Exists(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

// Generation returns the generation of agentID's current registration.
func (m *Manager) Generation(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return "", false
	}
	return rec.generation, true
}

// VerifyChannelAccess fails with authorization_failed unless agentID may use channel.
func (m *Manager) VerifyChannelAccess(agentID, channel string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return coord.Authorization(fmt.Sprintf("agent %s is not registered", agentID), "")
	}
	if _, ok := rec.channels[WildcardChannel]; ok {
		return nil
	}
	if _, ok := rec.channels[channel]; ok {
		return nil
	}
	return coord.Authorization(fmt.Sprintf("agent %s not allowed in channel %s", agentID, channel), "")
}

// VerifyPermission fails with authorization_failed unless agentID holds perm.
func (m *Manager) VerifyPermission(agentID string, perm Permission) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return coord.Authorization(fmt.Sprintf("agent %s is not registered", agentID), string(perm))
	}
	if _, ok := rec.permissions[perm]; !ok {
		return coord.Authorization(fmt.Sprintf("agent %s lacks required permission: %s", agentID, perm), string(perm))
	}
	return nil
}

// Get returns a snapshot of agentID.
func (m *Manager) Get(agentID string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return rec.snapshot(), true
}

// List returns every agent sorted by id.
func (m *Manager) List() []Agent {
	m.mu.RLock()
	out := make([]Agent, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Agent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Revoke removes agentID and its key together.
func (m *Manager) Revoke(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return coord.NotFound("agent", agentID)
	}
	delete(m.agents, agentID)
	delete(m.byKey, rec.keyHash)
	m.logger.Info("agent revoked", "agent_id", agentID)
	return nil
}

func (m *Manager) update(agentID string, fn func(*agentRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return coord.NotFound("agent", agentID)
	}
	fn(rec)
	return nil
}

// UpdatePermissions replaces agentID's permission set.
func (m *Manager) UpdatePermissions(agentID string, perms []Permission) error {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		if _, err := ParsePermission(string(p)); err != nil {
			return err
		}
		set[p] = struct{}{}
	}
	return m.update(agentID, func(rec *agentRecord) {
		rec.permissions = set
	})
}

// GrantChannelAccess allows agentID into channel. Granting a specific
// channel drops wildcard access.
func (m *Manager) GrantChannelAccess(agentID, channel string) error {
	return m.update(agentID, func(rec *agentRecord) {
		delete(rec.channels, WildcardChannel)
		rec.channels[channel] = struct{}{}
	})
}

// RevokeChannelAccess removes channel from agentID's allowed channels.
func (m *Manager) RevokeChannelAccess(agentID, channel string) error {
	return m.update(agentID, func(rec *agentRecord) {
		delete(rec.channels, channel)
	})
}

// RateLimit returns the per-minute limit recorded for agentID.
func (m *Manager) RateLimit(agentID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return 0, false
	}
	return rec.rateLimit, true
}
