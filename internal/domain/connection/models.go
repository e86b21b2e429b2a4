// Package connection manages the per-user bank connection: the encrypted
// refresh token, the cached access token, and transparent refresh.
package connection

import (
	"context"
	"time"
)

// BankConnection is one user's link to an Open Banking provider. At most one
// active connection exists per (user, provider); relinking overwrites it.
// RefreshToken is held decrypted in memory only — the repository encrypts it
// at rest.
type BankConnection struct {
	UserID               int64
	Provider             string
	RefreshToken         string
	AccessToken          string
	AccessTokenExpiresAt time.Time
	ConnectedAt          time.Time
}

// Repository is the storage contract for bank connections.
type Repository interface {
	Upsert(ctx context.Context, conn *BankConnection) error
	GetByUser(ctx context.Context, userID int64, provider string) (*BankConnection, error)
	UpdateTokens(ctx context.Context, userID int64, provider, refreshToken, accessToken string, expiresAt time.Time) error
	Delete(ctx context.Context, userID int64, provider string) error
}
