// Package account defines the locally stored bank account and its repository
// contract. Rows are owned by sync: every pass upserts on the
// (user, provider, provider account id) key.
package account

import (
	"context"
	"time"
)

// BankAccount is a linked bank account as stored locally.
type BankAccount struct {
	ID                int64
	UserID            int64
	Provider          string
	ProviderAccountID string
	Name              string
	Currency          string
	Balance           float64
	AvailableBalance  float64
	ProviderCreatedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UpsertParams carries the fields written on every sync pass.
type UpsertParams struct {
	UserID            int64
	Provider          string
	ProviderAccountID string
	Name              string
	Currency          string
	Balance           float64
	AvailableBalance  float64
	ProviderCreatedAt time.Time
}

// Repository is the storage contract for bank accounts.
type Repository interface {
	Upsert(ctx context.Context, params UpsertParams) (*BankAccount, error)
	ListByUser(ctx context.Context, userID int64, provider string) ([]*BankAccount, error)
	DeleteByUser(ctx context.Context, userID int64, provider string) error
}
