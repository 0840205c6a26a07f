// ABOUTME: HTTP middleware for JWT session authentication on MCP and stream endpoints
// ABOUTME: Extracts the bearer token and adds the agent identity to the request context

package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AgentLookup returns the generation of an agent's current registration,
// or false when the agent is not registered.
type AgentLookup interface {
	Generation(agentID string) (string, bool)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerMiddleware attributes requests carrying a valid session token to
// its agent. Requests without an Authorization header pass through
// unauthenticated so tools can still accept an api_key argument. A present
// but invalid token, or a token issued before the agent was revoked or
// re-registered, is rejected with 401.
func BearerMiddleware(verifier TokenVerifier, agents AgentLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, errMsg := extractBearerToken(header)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			sess, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected session token", "error", err, "remote_addr", r.RemoteAddr)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			current, ok := agents.Generation(sess.AgentID)
			if !ok {
				http.Error(w, `{"error":"agent not registered"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(current), []byte(sess.Generation)) != 1 {
				logger.Info("rejected session from earlier registration", "agent_id", sess.AgentID, "remote_addr", r.RemoteAddr)
				http.Error(w, `{"error":"session revoked"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{AgentID: sess.AgentID, Method: MethodSession}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireSession rejects requests that BearerMiddleware did not authenticate.
// Must be used after BearerMiddleware.
func RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()) == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
