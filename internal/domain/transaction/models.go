// Package transaction defines ingested transactions and their repository
// contract. Bank-sourced rows are written once and never touched again by
// sync, so user edits to category or description survive re-ingestion.
package transaction

import (
	"context"
	"time"
)

// Source tags where a transaction came from.
const (
	SourceBank   = "bank"
	SourceManual = "manual"
)

// Transaction is a stored transaction row.
type Transaction struct {
	ID              int64
	UserID          int64
	ProviderTxID    string
	AccountID       int64
	Amount          float64
	Description     string
	Category        string
	TransactionDate time.Time
	Source          string
	CreatedAt       time.Time
}

// InsertParams carries the fields for a bank-sourced insert.
type InsertParams struct {
	UserID          int64
	ProviderTxID    string
	AccountID       int64
	Amount          float64
	Description     string
	Category        string
	TransactionDate time.Time
}

// Repository is the storage contract for ingested transactions.
type Repository interface {
	// InsertIfAbsent inserts a bank-sourced row keyed by
	// (user, provider transaction id). It reports false when the row already
	// existed and was left untouched.
	InsertIfAbsent(ctx context.Context, params InsertParams) (bool, error)
	DeleteBankRowsByUser(ctx context.Context, userID int64) error
}
