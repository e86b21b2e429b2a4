package provider

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the provider rejects the access token (401).
// Callers should treat the connection as expired and stop the sync for this user.
var ErrUnauthorized = errors.New("provider rejected access token")

// ErrAccessDenied is returned when the provider refuses access to a single
// account's data (403), typically a consent or scope gap. Callers should skip
// that account and continue the sync.
var ErrAccessDenied = errors.New("provider denied access to account data")

// TokenExchangeError is returned when the authorization code exchange fails.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed (status %d): %s", e.StatusCode, e.Body)
}

// TokenRefreshError is returned when a refresh_token grant fails.
type TokenRefreshError struct {
	StatusCode int
	Body       string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (status %d): %s", e.StatusCode, e.Body)
}

// APIError is returned for unexpected data API responses that are neither
// 401 nor 403.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API request failed (status %d): %s", e.StatusCode, e.Body)
}
