package provider

import (
	"context"
	"time"
)

// ClientInterface defines the methods required from the provider client.
type ClientInterface interface {
	Configured() bool
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
	GetAccounts(ctx context.Context, accessToken string) ([]Account, error)
	GetTransactions(ctx context.Context, accessToken, accountID string, from, to *time.Time) ([]Transaction, error)
	GetBalance(ctx context.Context, accessToken, accountID string) (*Balance, error)
}
