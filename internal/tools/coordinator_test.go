// ABOUTME: Tests for the coordination facade: tool pipeline, channel, lock and admin tools
// ABOUTME: Uses real managers with an in-memory audit recorder

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const testAdminKey = "admin-secret"

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryAudit) List(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memoryAudit) Close() error { return nil }

func (m *memoryAudit) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	channels *channels.Store
	locks    *locks.Manager
	auth     *auth.Manager
	audit    *memoryAudit
	sessions *auth.JWTVerifier
}

type option func(*Config)

func withAuth() option {
	return func(c *Config) { c.AuthEnabled = true }
}

func withRateLimit(perAgent int) option {
	return func(c *Config) {
		c.RateLimiter = ratelimit.New(ratelimit.Config{DefaultPerAgent: perAgent})
	}
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	hb, err := heartbeat.NewManager(heartbeat.Config{})
	require.NoError(t, err)
	signer, err := signing.New([]byte("server-signing-secret"))
	require.NoError(t, err)
	sessions, err := auth.NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	idem := dedupe.New(time.Minute, 100)
	t.Cleanup(idem.Close)

	f := &fixture{
		channels: channels.NewStore(channels.Config{}),
		locks:    locks.NewManager(locks.Config{PollInterval: 5 * time.Millisecond}),
		auth:     auth.NewManager(auth.Config{AdminKey: testAdminKey}),
		audit:    &memoryAudit{},
		sessions: sessions,
	}
	cfg := Config{
		Channels:    f.channels,
		Locks:       f.locks,
		Heartbeat:   hb,
		Auth:        f.auth,
		Sessions:    sessions,
		Signer:      signer,
		Idempotency: idem,
		Audit:       f.audit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.coord, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) call(t *testing.T, ctx context.Context, name string, args map[string]any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return f.coord.Execute(ctx, name, raw)
}

func (f *fixture) mustCall(t *testing.T, name string, args map[string]any) any {
	t.Helper()
	out, err := f.call(t, context.Background(), name, args)
	require.NoError(t, err, name)
	return out
}

func TestNew_RequiresManagers(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTools_Listing(t *testing.T) {
	f := newFixture(t)
	infos := f.coord.Tools()
	require.NotEmpty(t, infos)
	assert.Equal(t, "join_coordination_channel", infos[0].Name)

	names := f.coord.ToolNames()
	for _, want := range []string{
		"send_coordination_message", "poll_coordination_channel", "acquire_coordination_lock",
		"heartbeat", "authenticate", "register_agent", "query_audit_log",
	} {
		assert.Contains(t, names, want)
	}
	for _, info := range infos {
		var schema map[string]any
		require.NoError(t, json.Unmarshal(info.InputSchema, &schema), info.Name)
		assert.Equal(t, "object", schema["type"], info.Name)
	}
}

func TestExecute_UnknownToolAndBadArgs(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Execute(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))

	_, err = f.coord.Execute(context.Background(), "heartbeat", []byte(`{"agent_id": 7}`))
	assert.True(t, errors.Is(err, ErrInvalidArguments))

	_, err = f.call(t, context.Background(), "heartbeat", map[string]any{})
	assert.True(t, errors.Is(err, ErrInvalidArguments), "agent_id is required without auth")
}

func TestSendAndPoll(t *testing.T) {
	f := newFixture(t)

	f.mustCall(t, "join_coordination_channel", map[string]any{"channel_name": "build", "agent_id": "A"})

	first := f.mustCall(t, "send_coordination_message", map[string]any{
		"channel_name": "build",
		"from_agent":   "A",
		"message_type": "task_assign",
		"content":      `{"task": "compile"}`,
	}).(SendResult)
	assert.Equal(t, int64(0), first.Sequence)
	assert.Equal(t, "coordination://build/"+first.MessageID, first.ChannelURI)

	f.mustCall(t, "send_coordination_message", map[string]any{
		"channel_name": "build",
		"agent_id":     "A",
		"message_type": "progress",
		"content":      "halfway",
	})

	poll := f.mustCall(t, "poll_coordination_channel", map[string]any{
		"channel_name": "build", "agent_id": "B", "max_messages": 2,
	}).(PollResult)
	require.Len(t, poll.Messages, 2)
	assert.True(t, poll.HasMore)
	require.NotNil(t, poll.LatestID)
	assert.Equal(t, poll.Messages[1].ID, *poll.LatestID)
	assert.True(t, poll.Messages[0].Content.IsStructured())
	assert.False(t, poll.Messages[1].Content.IsStructured())

	rest := f.mustCall(t, "poll_coordination_channel", map[string]any{
		"channel_name": "build", "agent_id": "B", "since_message_id": *poll.LatestID,
	}).(PollResult)
	assert.Empty(t, rest.Messages)
	assert.False(t, rest.HasMore)
	assert.Nil(t, rest.LatestID)
}

func TestSend_SchemaViolation(t *testing.T) {
	f := newFixture(t)
	_, err := f.call(t, context.Background(), "send_coordination_message", map[string]any{
		"channel_name": "c", "agent_id": "A", "message_type": "task_assign", "content": `{"files": []}`,
	})
	require.Error(t, err)
	assert.Equal(t, coord.KindSchemaViolation, coord.KindOf(err))

	_, err = f.call(t, context.Background(), "send_coordination_message", map[string]any{
		"channel_name": "c", "agent_id": "A", "message_type": "gossip", "content": "hi",
	})
	assert.Equal(t, coord.KindSchemaViolation, coord.KindOf(err))
}

func TestJoin_WithRoleAnnounces(t *testing.T) {
	f := newFixture(t)
	res := f.mustCall(t, "join_coordination_channel", map[string]any{
		"channel_name": "c", "agent_id": "lead", "role": "primary", "metadata": map[string]any{"v": 1},
	}).(channels.JoinResult)
	assert.Equal(t, 1, res.MessageCount)

	msgs := f.channels.Read(channels.ReadParams{Channel: "c"})
	require.Len(t, msgs, 1)
	assert.Equal(t, "init", string(msgs[0].Type))
	assert.True(t, msgs[0].Content.Has("role"))

	_, err := f.call(t, context.Background(), "join_coordination_channel", map[string]any{
		"channel_name": "c", "agent_id": "x", "role": "boss",
	})
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}

func TestChannelNames_RejectSlash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		tool string
		args map[string]any
	}{
		{"join_coordination_channel", map[string]any{"channel_name": "ops/build", "agent_id": "A"}},
		{"send_coordination_message", map[string]any{
			"channel_name": "ops/build", "agent_id": "A", "message_type": "progress", "content": "x",
		}},
		{"poll_coordination_channel", map[string]any{"channel_name": "ops/build", "agent_id": "A"}},
		{"leave_coordination_channel", map[string]any{"channel_name": "ops/build", "agent_id": "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			_, err := f.call(t, ctx, tt.tool, tt.args)
			assert.True(t, errors.Is(err, ErrInvalidArguments), "got %v", err)
		})
	}

	_, err := f.channels.GetChannel("ops/build")
	assert.Error(t, err, "no channel may be created under a slashed name")
}

func TestSend_Idempotent(t *testing.T) {
	f := newFixture(t)
	args := map[string]any{
		"channel_name": "c", "agent_id": "A", "message_type": "progress", "content": "once",
		"idempotency_key": "k-1",
	}
	first := f.mustCall(t, "send_coordination_message", args).(SendResult)
	second := f.mustCall(t, "send_coordination_message", args).(SendResult)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Len(t, f.channels.Read(channels.ReadParams{Channel: "c"}), 1)

	args["agent_id"] = "B"
	third := f.mustCall(t, "send_coordination_message", args).(SendResult)
	assert.NotEqual(t, first.MessageID, third.MessageID, "keys are scoped per agent")
}

func TestSigning_RoundTrip(t *testing.T) {
	f := newFixture(t)
	sent := f.mustCall(t, "send_coordination_message", map[string]any{
		"channel_name": "c", "agent_id": "A", "message_type": "question",
		"content": `{"question": "ready?"}`, "metadata": map[string]any{"n": 3},
	}).(SendResult)

	msg, err := f.channels.GetMessage("c", sent.MessageID)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Metadata["signature"])

	res := f.mustCall(t, "verify_message_signature", map[string]any{
		"channel_name": "c", "message_id": sent.MessageID,
	}).(SignatureResult)
	assert.True(t, res.Signed)
	assert.True(t, res.Valid)

	msg.Metadata["n"] = 4
	res = f.mustCall(t, "verify_message_signature", map[string]any{
		"channel_name": "c", "message_id": sent.MessageID,
	}).(SignatureResult)
	assert.False(t, res.Valid, "tampered metadata must fail verification")
}

func TestLocks(t *testing.T) {
	f := newFixture(t)

	got := f.mustCall(t, "acquire_coordination_lock", map[string]any{
		"lock_name": "db", "agent_id": "A", "auto_release_seconds": 60,
	}).(locks.AcquireResult)
	require.True(t, got.Acquired)

	busy := f.mustCall(t, "acquire_coordination_lock", map[string]any{
		"lock_name": "db", "agent_id": "B", "timeout_seconds": 0,
	}).(locks.AcquireResult)
	assert.False(t, busy.Acquired)
	assert.Equal(t, "A", busy.HeldBy)

	st := f.mustCall(t, "get_lock_status", map[string]any{"lock_name": "db"}).(LockStatusResult)
	assert.True(t, st.Locked)
	assert.Equal(t, "A", st.HeldBy)

	_, err := f.call(t, context.Background(), "release_coordination_lock", map[string]any{
		"lock_id": got.LockID, "agent_id": "B",
	})
	assert.Equal(t, coord.KindOwnershipViolation, coord.KindOf(err))

	f.mustCall(t, "release_coordination_lock", map[string]any{"lock_id": got.LockID, "agent_id": "A"})
	st = f.mustCall(t, "get_lock_status", map[string]any{"lock_name": "db"}).(LockStatusResult)
	assert.False(t, st.Locked)
	assert.Nil(t, st.Status)

	_, err = f.call(t, context.Background(), "acquire_coordination_lock", map[string]any{
		"lock_name": "db", "agent_id": "A", "timeout_seconds": -1,
	})
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}

func TestLocks_RejectsHugeDurations(t *testing.T) {
	f := newFixture(t)

	for _, field := range []string{"timeout_seconds", "auto_release_seconds"} {
		t.Run(field, func(t *testing.T) {
			_, err := f.call(t, context.Background(), "acquire_coordination_lock", map[string]any{
				"lock_name": "db", "agent_id": "A", field: 1e10,
			})
			assert.True(t, errors.Is(err, ErrInvalidArguments), "got %v", err)
		})
	}

	st := f.mustCall(t, "get_lock_status", map[string]any{"lock_name": "db"}).(LockStatusResult)
	assert.False(t, st.Locked)

	got := f.mustCall(t, "acquire_coordination_lock", map[string]any{
		"lock_name": "db", "agent_id": "A", "auto_release_seconds": MaxLockSeconds,
	}).(locks.AcquireResult)
	assert.True(t, got.Acquired)
}

func TestHeartbeatTools(t *testing.T) {
	f := newFixture(t)
	ack := f.mustCall(t, "heartbeat", map[string]any{"agent_id": "A", "metadata": map[string]any{"task": "x"}}).(heartbeat.Ack)
	assert.True(t, ack.Acknowledged)

	st := f.mustCall(t, "get_agent_status", map[string]any{"target_agent_id": "A"}).(heartbeat.AgentStatus)
	assert.Equal(t, heartbeat.StatusAlive, st.Status)

	_, err := f.call(t, context.Background(), "get_agent_status", map[string]any{"target_agent_id": "ghost"})
	assert.Equal(t, coord.KindNotFound, coord.KindOf(err))

	_, err = f.call(t, context.Background(), "list_agents", map[string]any{"status_filter": "zombie"})
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}

func TestAuthPipeline(t *testing.T) {
	f := newFixture(t, withAuth())
	key, err := f.auth.Register(auth.RegisterParams{
		AgentID:         "reader",
		AllowedChannels: []string{"ops"},
		Permissions:     []auth.Permission{auth.PermRead},
	})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args map[string]any
		want coord.Kind
	}{
		{"missing key", "poll_coordination_channel",
			map[string]any{"channel_name": "ops", "agent_id": "reader"}, coord.KindAuthentication},
		{"wrong key", "poll_coordination_channel",
			map[string]any{"channel_name": "ops", "agent_id": "reader", "api_key": "bad"}, coord.KindAuthentication},
		{"channel denied", "poll_coordination_channel",
			map[string]any{"channel_name": "secret", "agent_id": "reader", "api_key": key}, coord.KindAuthorization},
		{"permission denied", "send_coordination_message",
			map[string]any{"channel_name": "ops", "agent_id": "reader", "api_key": key,
				"message_type": "progress", "content": "x"}, coord.KindAuthorization},
		{"read views need credentials too", "list_coordination_locks",
			map[string]any{}, coord.KindAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.call(t, ctx, tt.tool, tt.args)
			require.Error(t, err)
			assert.Equal(t, tt.want, coord.KindOf(err))
		})
	}

	_, err = f.call(t, ctx, "poll_coordination_channel", map[string]any{
		"channel_name": "ops", "agent_id": "reader", "api_key": key,
	})
	assert.NoError(t, err)
	assert.Contains(t, f.audit.actions(), audit.ActionAuthenticationFailed)
}

func TestAuthenticateAndSession(t *testing.T) {
	f := newFixture(t, withAuth())
	key, err := f.auth.Register(auth.RegisterParams{AgentID: "A"})
	require.NoError(t, err)

	_, err = f.call(t, context.Background(), "authenticate", map[string]any{"agent_id": "A", "api_key": "nope"})
	assert.Equal(t, coord.KindAuthentication, coord.KindOf(err))

	sess := f.mustCall(t, "authenticate", map[string]any{"agent_id": "A", "api_key": key}).(SessionResult)
	got, err := f.sessions.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "A", got.AgentID)
	gen, ok := f.auth.Generation("A")
	require.True(t, ok)
	assert.Equal(t, gen, got.Generation)
	assert.Contains(t, f.audit.actions(), audit.ActionIssueSession)

	ctx := auth.WithAuth(context.Background(), &auth.AuthContext{AgentID: "A", Method: auth.MethodSession})
	out, err := f.call(t, ctx, "heartbeat", map[string]any{})
	require.NoError(t, err)
	assert.True(t, out.(heartbeat.Ack).Acknowledged)

	_, err = f.call(t, ctx, "heartbeat", map[string]any{"agent_id": "B"})
	assert.Equal(t, coord.KindAuthentication, coord.KindOf(err), "session cannot act as another agent")
}

func TestRateLimitAppliesAfterAuth(t *testing.T) {
	f := newFixture(t, withRateLimit(2))
	for i := 0; i < 2; i++ {
		f.mustCall(t, "heartbeat", map[string]any{"agent_id": "A"})
	}
	_, err := f.call(t, context.Background(), "heartbeat", map[string]any{"agent_id": "A"})
	assert.Equal(t, coord.KindRateLimitExceeded, coord.KindOf(err))

	st := f.mustCall(t, "get_rate_limit_status", map[string]any{"agent_id": "B"}).(ratelimit.Status)
	assert.Equal(t, 1, st.AvailableTokens, "the status call itself consumes a token")
}

func TestAdminTools(t *testing.T) {
	f := newFixture(t, withAuth(), withRateLimit(100))
	ctx := context.Background()

	_, err := f.call(t, ctx, "register_agent", map[string]any{"agent_id": "A"})
	assert.Equal(t, coord.KindAuthentication, coord.KindOf(err))

	reg := f.mustCall(t, "register_agent", map[string]any{
		"admin_key": testAdminKey, "agent_id": "A", "permissions": []string{"read", "lock"},
		"rate_limit_per_minute": 5,
	}).(RegisterResult)
	require.NotEmpty(t, reg.APIKey)
	assert.Equal(t, []auth.Permission{auth.PermLock, auth.PermRead}, reg.Agent.Permissions)

	_, err = f.call(t, ctx, "register_agent", map[string]any{
		"admin_key": testAdminKey, "agent_id": "B", "permissions": []string{"fly"},
	})
	assert.True(t, errors.Is(err, ErrInvalidArguments))

	_, err = f.call(t, ctx, "register_agent", map[string]any{
		"admin_key": testAdminKey, "agent_id": "B", "allowed_channels": []string{"ops/build"},
	})
	assert.True(t, errors.Is(err, ErrInvalidArguments))
	_, err = f.call(t, ctx, "grant_channel_access", map[string]any{
		"admin_key": testAdminKey, "agent_id": "A", "channel_name": "ops/build",
	})
	assert.True(t, errors.Is(err, ErrInvalidArguments))

	f.mustCall(t, "grant_channel_access", map[string]any{"admin_key": testAdminKey, "agent_id": "A", "channel_name": "ops"})
	agent, _ := f.auth.Get("A")
	assert.Equal(t, []string{"ops"}, agent.AllowedChannels)

	f.mustCall(t, "update_permissions", map[string]any{"admin_key": testAdminKey, "agent_id": "A", "permissions": []string{"read", "write", "lock"}})
	f.mustCall(t, "set_rate_limit", map[string]any{"admin_key": testAdminKey, "agent_id": "A", "limit_per_minute": 9})

	got := f.mustCall(t, "acquire_coordination_lock", map[string]any{
		"lock_name": "L", "agent_id": "A", "api_key": reg.APIKey,
	}).(locks.AcquireResult)
	require.True(t, got.Acquired)

	revoked := f.mustCall(t, "revoke_agent", map[string]any{"admin_key": testAdminKey, "agent_id": "A"}).(map[string]any)
	assert.Equal(t, 1, revoked["locks_released"])
	assert.False(t, f.auth.Exists("A"))
	_, held := f.locks.Status("L")
	assert.False(t, held)

	entries := f.mustCall(t, "query_audit_log", map[string]any{
		"admin_key": testAdminKey, "action": "register_agent",
	}).(map[string]any)
	assert.Equal(t, 1, entries["count"])

	assert.Equal(t, []audit.Action{
		audit.ActionRegisterAgent,
		audit.ActionGrantChannelAccess,
		audit.ActionUpdatePermissions,
		audit.ActionSetRateLimit,
		audit.ActionRevokeAgent,
	}, f.audit.actions())
}

func TestUnavailableFeatures(t *testing.T) {
	hb, err := heartbeat.NewManager(heartbeat.Config{})
	require.NoError(t, err)
	c, err := New(Config{
		Channels:  channels.NewStore(channels.Config{}),
		Locks:     locks.NewManager(locks.Config{}),
		Heartbeat: hb,
		Auth:      auth.NewManager(auth.Config{AdminKey: testAdminKey}),
	})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), "authenticate", []byte(`{"agent_id":"a","api_key":"b"}`))
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, err = c.Execute(context.Background(), "set_rate_limit",
		[]byte(`{"admin_key":"admin-secret","agent_id":"a","limit_per_minute":3}`))
	assert.True(t, errors.Is(err, ErrUnavailable))

	out, err := c.Execute(context.Background(), "get_rate_limit_status", []byte(`{"agent_id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["rate_limiting_disabled"])

	out, err = c.Execute(context.Background(), "send_coordination_message",
		[]byte(`{"channel_name":"c","agent_id":"a","message_type":"done","content":"ok"}`))
	require.NoError(t, err)
	msg, err := c.channels.GetMessage("c", out.(SendResult).MessageID)
	require.NoError(t, err)
	assert.NotContains(t, msg.Metadata, "signature")
}
