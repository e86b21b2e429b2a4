package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"finch/internal/domain/connection"
	"finch/internal/infrastructure/crypto"
)

// ConnectionRepository stores bank connections. Refresh tokens are encrypted
// before they hit the database; access tokens are short-lived and stored as-is.
type ConnectionRepository struct {
	db        *DB
	encryptor *crypto.Encryptor
}

func NewConnectionRepository(db *DB, encryptor *crypto.Encryptor) *ConnectionRepository {
	return &ConnectionRepository{db: db, encryptor: encryptor}
}

var _ connection.Repository = (*ConnectionRepository)(nil)

// Upsert creates or replaces the connection for (user, provider). Relinking
// overwrites the previous tokens atomically.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *connection.BankConnection) error {
	encrypted, err := r.encryptor.Encrypt(conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO bank_connections (user_id, provider, refresh_token_enc, access_token, access_token_expires_at, connected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
		    refresh_token_enc = EXCLUDED.refresh_token_enc,
		    access_token = EXCLUDED.access_token,
		    access_token_expires_at = EXCLUDED.access_token_expires_at,
		    connected_at = EXCLUDED.connected_at
	`

	_, err = WithRetry(ctx, "connection.Upsert", DefaultRetryOptions, func() (sql.Result, error) {
		return r.db.ExecContext(ctx, query,
			conn.UserID, conn.Provider, encrypted, conn.AccessToken,
			conn.AccessTokenExpiresAt, conn.ConnectedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// GetByUser loads the connection for (user, provider), decrypting the refresh
// token. Returns nil when no connection exists.
func (r *ConnectionRepository) GetByUser(ctx context.Context, userID int64, provider string) (*connection.BankConnection, error) {
	query := `
		SELECT user_id, provider, refresh_token_enc, access_token, access_token_expires_at, connected_at
		FROM bank_connections
		WHERE user_id = $1 AND provider = $2
	`

	conn, err := WithRetry(ctx, "connection.GetByUser", DefaultRetryOptions, func() (*connection.BankConnection, error) {
		var c connection.BankConnection
		var encrypted string
		err := r.db.QueryRowContext(ctx, query, userID, provider).Scan(
			&c.UserID, &c.Provider, &encrypted, &c.AccessToken,
			&c.AccessTokenExpiresAt, &c.ConnectedAt,
		)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		c.RefreshToken, err = r.encryptor.Decrypt(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		return &c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// UpdateTokens persists a refreshed token pair. The provider may have rotated
// the refresh token, so both credentials are replaced.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, userID int64, provider, refreshToken, accessToken string, expiresAt time.Time) error {
	encrypted, err := r.encryptor.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		UPDATE bank_connections
		SET refresh_token_enc = $1, access_token = $2, access_token_expires_at = $3
		WHERE user_id = $4 AND provider = $5
	`

	_, err = WithRetry(ctx, "connection.UpdateTokens", DefaultRetryOptions, func() (sql.Result, error) {
		return r.db.ExecContext(ctx, query, encrypted, accessToken, expiresAt, userID, provider)
	})
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// Delete removes the connection and its tokens.
func (r *ConnectionRepository) Delete(ctx context.Context, userID int64, provider string) error {
	query := `DELETE FROM bank_connections WHERE user_id = $1 AND provider = $2`

	_, err := WithRetry(ctx, "connection.Delete", DefaultRetryOptions, func() (sql.Result, error) {
		return r.db.ExecContext(ctx, query, userID, provider)
	})
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// ListConnectedUserIDs returns the ids of every user with a stored connection,
// used by the scheduler to enqueue background full syncs.
func (r *ConnectionRepository) ListConnectedUserIDs(ctx context.Context, provider string) ([]int64, error) {
	query := `SELECT user_id FROM bank_connections WHERE provider = $1 ORDER BY user_id`

	return WithRetry(ctx, "connection.ListConnectedUserIDs", DefaultRetryOptions, func() ([]int64, error) {
		rows, err := r.db.QueryContext(ctx, query, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to list connected users: %w", err)
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("failed to scan user id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating connected users: %w", err)
		}
		return ids, nil
	})
}
