// Package auth issues and validates the shared-secret tokens destinations
// present on the control stream. A single cluster secret is configured on
// the orchestrator; each destination is handed a token derived from that
// secret and its destination id, so the orchestrator never has to persist
// a per-destination credential table.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const tokenInfo = "fleetmigrate-control-auth-v1"

// GenerateSecret returns a random cluster secret suitable for passing to
// NewIssuer. Falls back to a time-seeded secret if the system CSPRNG is
// unavailable, matching the reference implementation's token generator.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		for i := range b {
			b[i] = byte(time.Now().UnixNano() % 256)
			time.Sleep(time.Nanosecond)
		}
	}
	return hex.EncodeToString(b)
}

// Issuer derives and validates per-destination control-stream tokens from
// a single cluster secret.
type Issuer struct {
	secret []byte

	mu     sync.RWMutex
	tokens map[string]string // token -> destination id
}

// NewIssuer returns an Issuer keyed on secret (as produced by
// GenerateSecret or read from configuration).
func NewIssuer(secret string) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		tokens: make(map[string]string),
	}
}

// IssueToken derives a token for destinationID and remembers it so a later
// Validate call can recognize it without needing the destination id again.
func (i *Issuer) IssueToken(destinationID string) (string, error) {
	token, err := deriveToken(i.secret, destinationID)
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	i.tokens[token] = destinationID
	i.mu.Unlock()

	return token, nil
}

// Validate reports whether token was issued by this Issuer. It satisfies
// internal/server's TokenValidator signature.
func (i *Issuer) Validate(token string) bool {
	i.mu.RLock()
	_, ok := i.tokens[token]
	i.mu.RUnlock()
	return ok
}

// DestinationForToken returns the destination id a previously-issued token
// was derived for.
func (i *Issuer) DestinationForToken(token string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.tokens[token]
	return id, ok
}

// Revoke forgets a previously issued token.
func (i *Issuer) Revoke(token string) {
	i.mu.Lock()
	delete(i.tokens, token)
	i.mu.Unlock()
}

func deriveToken(secret []byte, destinationID string) (string, error) {
	reader := hkdf.New(sha256.New, secret, []byte(destinationID), []byte(tokenInfo))
	key := make([]byte, 32)
	if _, err := reader.Read(key); err != nil {
		return "", fmt.Errorf("auth: derive token: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Equal reports whether two tokens match in constant time, for callers
// validating a token against one they already hold rather than through an
// Issuer (e.g. the destination verifying a token the orchestrator sent it
// out of band).
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
