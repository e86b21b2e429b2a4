package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"finch/internal/domain/account"
)

type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var _ account.Repository = (*AccountRepository)(nil)

// Upsert inserts or updates a bank account keyed by
// (user, provider, provider account id).
func (r *AccountRepository) Upsert(ctx context.Context, params account.UpsertParams) (*account.BankAccount, error) {
	query := `
		INSERT INTO bank_accounts (user_id, provider, provider_account_id, name, currency,
		                           balance, available_balance, provider_created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider, provider_account_id) DO UPDATE SET
		    name = EXCLUDED.name,
		    currency = EXCLUDED.currency,
		    balance = EXCLUDED.balance,
		    available_balance = EXCLUDED.available_balance,
		    provider_created_at = EXCLUDED.provider_created_at,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id, user_id, provider, provider_account_id, name, currency,
		          balance, available_balance, provider_created_at, created_at, updated_at
	`

	return WithRetry(ctx, "account.Upsert", DefaultRetryOptions, func() (*account.BankAccount, error) {
		var acc account.BankAccount
		var providerCreatedAt sql.NullTime

		err := r.db.QueryRowContext(ctx, query,
			params.UserID, params.Provider, params.ProviderAccountID, params.Name,
			params.Currency, params.Balance, params.AvailableBalance, params.ProviderCreatedAt,
		).Scan(
			&acc.ID, &acc.UserID, &acc.Provider, &acc.ProviderAccountID, &acc.Name,
			&acc.Currency, &acc.Balance, &acc.AvailableBalance,
			&providerCreatedAt, &acc.CreatedAt, &acc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert account: %w", err)
		}

		if providerCreatedAt.Valid {
			acc.ProviderCreatedAt = providerCreatedAt.Time
		}
		return &acc, nil
	})
}

// ListByUser returns the user's accounts ordered for deterministic balance
// selection.
func (r *AccountRepository) ListByUser(ctx context.Context, userID int64, provider string) ([]*account.BankAccount, error) {
	query := `
		SELECT id, user_id, provider, provider_account_id, name, currency,
		       balance, available_balance, provider_created_at, created_at, updated_at
		FROM bank_accounts
		WHERE user_id = $1 AND provider = $2
		ORDER BY provider_created_at, provider_account_id
	`

	return WithRetry(ctx, "account.ListByUser", DefaultRetryOptions, func() ([]*account.BankAccount, error) {
		rows, err := r.db.QueryContext(ctx, query, userID, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		defer rows.Close()

		var accounts []*account.BankAccount
		for rows.Next() {
			var acc account.BankAccount
			var providerCreatedAt sql.NullTime

			err := rows.Scan(
				&acc.ID, &acc.UserID, &acc.Provider, &acc.ProviderAccountID, &acc.Name,
				&acc.Currency, &acc.Balance, &acc.AvailableBalance,
				&providerCreatedAt, &acc.CreatedAt, &acc.UpdatedAt,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to scan account: %w", err)
			}

			if providerCreatedAt.Valid {
				acc.ProviderCreatedAt = providerCreatedAt.Time
			}
			accounts = append(accounts, &acc)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating accounts: %w", err)
		}
		return accounts, nil
	})
}

// DeleteByUser removes all of the user's accounts for a provider, used on
// disconnect and data reset.
func (r *AccountRepository) DeleteByUser(ctx context.Context, userID int64, provider string) error {
	query := `DELETE FROM bank_accounts WHERE user_id = $1 AND provider = $2`

	_, err := WithRetry(ctx, "account.DeleteByUser", DefaultRetryOptions, func() (sql.Result, error) {
		return r.db.ExecContext(ctx, query, userID, provider)
	})
	if err != nil {
		return fmt.Errorf("failed to delete accounts: %w", err)
	}
	return nil
}
