// ABOUTME: Tests for HTTP bearer session middleware
// ABOUTME: Covers pass-through, token validation, revoked or rotated agents and the session gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAgents maps agent id to its current registration generation.
type stubAgents map[string]string

func (s stubAgents) Generation(agentID string) (string, bool) {
	gen, ok := s[agentID]
	return gen, ok
}

func serveWithMiddleware(t *testing.T, agents AgentLookup, header string) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	BearerMiddleware(verifier, agents, nil)(handler).ServeHTTP(rec, req)
	return rec, got
}

func sessionToken(t *testing.T, agentID, generation string) string {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	token, _, err := verifier.Generate(agentID, generation, time.Hour)
	require.NoError(t, err)
	return token
}

func TestBearerMiddleware_ValidSession(t *testing.T) {
	rec, got := serveWithMiddleware(t, stubAgents{"A": "g1"}, "Bearer "+sessionToken(t, "A", "g1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.AgentID)
	assert.Equal(t, MethodSession, got.Method)
}

func TestBearerMiddleware_NoHeaderPassesThrough(t *testing.T) {
	rec, got := serveWithMiddleware(t, stubAgents{}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)
}

func TestBearerMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
		agents stubAgents
		body   string
	}{
		{name: "wrong scheme", header: "Basic abc", agents: stubAgents{}, body: "invalid authorization header format"},
		{name: "empty token", header: "Bearer ", agents: stubAgents{}, body: "empty token"},
		{name: "garbage token", header: "Bearer nope", agents: stubAgents{}, body: "invalid token"},
		{name: "revoked agent", header: "Bearer " + sessionToken(t, "gone", "g1"), agents: stubAgents{}, body: "agent not registered"},
		{name: "earlier registration", header: "Bearer " + sessionToken(t, "A", "g1"), agents: stubAgents{"A": "g2"}, body: "session revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serveWithMiddleware(t, tt.agents, tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
			assert.Nil(t, got)
		})
	}
}

func TestBearerMiddleware_RejectsSessionAfterReRegistration(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	m := NewManager(Config{})

	_, err = m.Register(RegisterParams{AgentID: "A", APIKey: "leaked-key"})
	require.NoError(t, err)
	gen, err := m.AuthenticateSession("A", "leaked-key")
	require.NoError(t, err)
	stale, _, err := verifier.Generate("A", gen, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.Revoke("A"))
	_, err = m.Register(RegisterParams{AgentID: "A", APIKey: "fresh-key"})
	require.NoError(t, err)

	handler := BearerMiddleware(verifier, m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	serve := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(stale)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "session revoked")

	gen, err = m.AuthenticateSession("A", "fresh-key")
	require.NoError(t, err)
	fresh, _, err := verifier.Generate("A", gen, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve(fresh).Code)

	// Rotating in place also retires sessions from the previous key.
	_, err = m.Register(RegisterParams{AgentID: "A", APIKey: "rotated-key"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(fresh).Code)
}

func TestRequireSession(t *testing.T) {
	handler := RequireSession()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels/x/events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/channels/x/events", nil)
	req = req.WithContext(WithAuth(req.Context(), &AuthContext{AgentID: "A", Method: MethodSession}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
