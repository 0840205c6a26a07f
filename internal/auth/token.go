// ABOUTME: JWT session tokens for agents that have proven their API key
// ABOUTME: Uses HS256 signing with the configured secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted JWT secret size in bytes.
const MinSecretLength = 32

const sessionIssuer = "hitl-coord"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Session is the identity carried by a verified session token.
type Session struct {
	AgentID string
	// Generation identifies the registration the token was issued under.
	// Re-registering or revoking the agent starts a new one.
	Generation string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Session, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the agent ID from the "sub" claim
// and the registration generation from the "gen" claim.
func (v *JWTVerifier) Verify(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(v.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredToken
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Session{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Session{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	gen, ok := claims["gen"].(string)
	if !ok || gen == "" {
		return Session{}, fmt.Errorf("%w: gen", ErrMissingClaim)
	}

	return Session{AgentID: sub, Generation: gen}, nil
}

// Generate creates a session token for agentID that expires after
// expiresIn. generation binds the token to the agent's current
// registration; see Manager.AuthenticateSession.
func (v *JWTVerifier) Generate(agentID, generation string, expiresIn time.Duration) (string, time.Time, error) {
	now := v.now()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		"sub": agentID,
		"gen": generation,
		"iss": sessionIssuer,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, expiresAt, nil
}
