// Package oauthstate issues and validates the single-use CSRF state tokens
// that bind an authorization request to the user who started it.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long an unused state token stays valid.
const DefaultTTL = 10 * time.Minute

// ErrInvalidState is returned for missing, expired, or already consumed state
// tokens. Callers must abort the OAuth flow; there is no unauthenticated
// fallback.
var ErrInvalidState = errors.New("oauth state is missing, expired, or already used")

// Store holds pending state tokens. Consume must be atomic: the first call
// for a token wins, every later call misses.
type Store interface {
	Put(ctx context.Context, token string, userID int64, ttl time.Duration) error
	// Consume atomically reads and deletes the token's entry. ok is false
	// when the token is unknown or expired.
	Consume(ctx context.Context, token string) (userID int64, ok bool, err error)
}

// Manager issues and validates state tokens against a Store.
type Manager struct {
	store Store
	ttl   time.Duration
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// Create generates a cryptographically random token bound to the user.
func (m *Manager) Create(ctx context.Context, userID int64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if err := m.store.Put(ctx, token, userID, m.ttl); err != nil {
		return "", fmt.Errorf("failed to store state token: %w", err)
	}
	return token, nil
}

// Validate consumes a state token and returns the bound user id. Replays and
// expired tokens return ErrInvalidState.
func (m *Manager) Validate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidState
	}

	userID, ok, err := m.store.Consume(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("failed to consume state token: %w", err)
	}
	if !ok {
		return 0, ErrInvalidState
	}
	return userID, nil
}
