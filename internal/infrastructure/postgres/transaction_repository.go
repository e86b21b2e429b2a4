package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"finch/internal/domain/transaction"
)

type TransactionRepository struct {
	db *DB
}

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

var _ transaction.Repository = (*TransactionRepository)(nil)

// InsertIfAbsent inserts a bank-sourced transaction, leaving any existing row
// untouched so user edits are never overwritten by sync. It reports whether a
// new row was written.
func (r *TransactionRepository) InsertIfAbsent(ctx context.Context, params transaction.InsertParams) (bool, error) {
	query := `
		INSERT INTO transactions (user_id, provider_tx_id, account_id, amount, description,
		                          category, transaction_date, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider_tx_id) DO NOTHING
	`

	result, err := WithRetry(ctx, "transaction.InsertIfAbsent", DefaultRetryOptions, func() (sql.Result, error) {
		return r.db.ExecContext(ctx, query,
			params.UserID, params.ProviderTxID, params.AccountID, params.Amount,
			params.Description, params.Category, params.TransactionDate, transaction.SourceBank)
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteBankRowsByUser removes all bank-sourced transactions for a user,
// leaving manual entries in place. Used on disconnect and data reset.
func (r *TransactionRepository) DeleteBankRowsByUser(ctx context.Context, userID int64) error {
	query := `DELETE FROM transactions WHERE user_id = $1 AND source = $2`

	_, err := WithRetry(ctx, "transaction.DeleteBankRowsByUser", DefaultRetryOptions, func() (sql.Result, error) {
		return r.db.ExecContext(ctx, query, userID, transaction.SourceBank)
	})
	if err != nil {
		return fmt.Errorf("failed to delete bank transactions: %w", err)
	}
	return nil
}
