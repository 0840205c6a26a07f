// ABOUTME: HMAC-SHA256 signer with canonical JSON and HKDF agent secret derivation
// ABOUTME: Verification compares signatures in constant time

package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AgentSecretSize is the length in bytes of derived agent secrets.
const AgentSecretSize = 32

const deriveInfo = "hitl-coord agent signing key:"

// ErrEmptySecret is returned when a signer is created without a server secret.
var ErrEmptySecret = errors.New("signing secret must not be empty")

// Signer signs messages with a server secret.
type Signer struct {
	secret []byte
}

// New creates a Signer with the given server secret.
func New(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: bytes.Clone(secret)}, nil
}

// NewRandom creates a Signer with a random 32-byte server secret.
func NewRandom() (*Signer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}
	return &Signer{secret: secret}, nil
}

// DeriveAgentSecret returns a stable secret for agentID derived from the
// server secret.
func (s *Signer) DeriveAgentSecret(agentID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.secret, nil, []byte(deriveInfo+agentID))
	out := make([]byte, AgentSecretSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving agent secret: %w", err)
	}
	return out, nil
}

func (s *Signer) mac(data, agentSecret []byte) string {
	key := make([]byte, 0, len(s.secret)+len(agentSecret))
	key = append(key, s.secret...)
	key = append(key, agentSecret...)

	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns the hex signature of v's canonical JSON form.
func (s *Signer) Sign(v any, agentSecret []byte) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return s.mac(data, agentSecret), nil
}

// Verify reports whether signature matches v.
func (s *Signer) Verify(v any, signature string, agentSecret []byte) (bool, error) {
	expected, err := s.Sign(v, agentSecret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(signature), []byte(expected)), nil
}

// SignPayload signs a raw string.
func (s *Signer) SignPayload(payload string, agentSecret []byte) string {
	return s.mac([]byte(payload), agentSecret)
}

// VerifyPayload reports whether signature matches payload.
func (s *Signer) VerifyPayload(payload, signature string, agentSecret []byte) bool {
	return hmac.Equal([]byte(signature), []byte(s.SignPayload(payload, agentSecret)))
}

// Canonical serializes v as compact JSON with object keys sorted at every
// level. Numbers keep their original text.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encoding canonical message: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
