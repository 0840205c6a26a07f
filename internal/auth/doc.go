// Package auth provides agent authentication and authorization for hitl-coord.
//
// # API Keys
//
// Agents are registered with an API key. Only the SHA-256 hash of the key is
// kept; the plaintext is returned once from Register and cannot be recovered.
// Keys are compared in constant time.
//
// # Access Control
//
// Each agent has a set of allowed channels ("*" means every channel) and a set
// of permissions drawn from read, write and lock. The Manager answers access
// questions with typed coordination errors so callers can branch on the kind:
//
//	if err := mgr.VerifyPermission(agentID, auth.PermLock); err != nil {
//		return err // authorization_failed
//	}
//
// # Sessions
//
// An agent that has proven its API key can exchange it for a short-lived HS256
// JWT whose "sub" claim is the agent id and whose "gen" claim names the
// registration it was issued under. HTTP requests carrying
// "Authorization: Bearer <jwt>" are attributed to that agent by
// BearerMiddleware, which stores an AuthContext in the request context:
//
//	ac := auth.FromContext(r.Context())
//
// A session for an agent that has since been revoked or re-registered is
// rejected.
package auth
