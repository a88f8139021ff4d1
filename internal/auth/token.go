// Package auth guards the HTTP API with a shared bearer token.
//
// The daemon configuration stores only a bcrypt hash of the token. Clients
// present the token itself in an Authorization header.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenBytes is the amount of randomness in a generated token.
const TokenBytes = 32

// maxCached bounds how many distinct accepted tokens are remembered.
const maxCached = 16

// ErrInvalidToken is returned when a presented token does not match.
var ErrInvalidToken = errors.New("invalid API token")

// GenerateToken returns a new random token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the bcrypt hash to put in the configuration.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// ValidateHash reports whether hash is a usable bcrypt hash.
func ValidateHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return nil
}

// Verifier checks presented tokens against a bcrypt hash. Accepted tokens
// are remembered by digest so bcrypt runs once per distinct token.
type Verifier struct {
	hash []byte

	mu       sync.Mutex
	accepted map[[sha256.Size]byte]struct{}
}

// NewVerifier creates a Verifier for hash.
func NewVerifier(hash string) (*Verifier, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	return &Verifier{
		hash:     []byte(hash),
		accepted: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Verify returns nil when token matches.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(token))

	v.mu.Lock()
	_, ok := v.accepted[sum]
	v.mu.Unlock()
	if ok {
		return nil
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return ErrInvalidToken
	}

	v.mu.Lock()
	if len(v.accepted) >= maxCached {
		clear(v.accepted)
	}
	v.accepted[sum] = struct{}{}
	v.mu.Unlock()
	return nil
}
