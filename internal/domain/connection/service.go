package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"finch/internal/domain/account"
	"finch/internal/domain/transaction"
	"finch/internal/infrastructure/provider"
)

// expiryBuffer is subtracted from the stored expiry so we never hand out a
// token that dies mid-request.
const expiryBuffer = 60 * time.Second

var (
	// ErrNoConnection means the user has never linked a bank, or disconnected.
	ErrNoConnection = errors.New("no bank connection for user")
	// ErrRefreshFailed means the stored refresh token was rejected upstream;
	// the user has to go through the OAuth flow again.
	ErrRefreshFailed = errors.New("token refresh failed, reconnect required")
)

// Service persists bank connections and resolves valid access tokens,
// refreshing transparently when the cached token is expired.
type Service struct {
	provider     string
	connections  Repository
	accounts     account.Repository
	transactions transaction.Repository
	client       provider.ClientInterface
	refreshGroup singleflight.Group
	now          func() time.Time
}

func NewService(providerName string, connections Repository, accounts account.Repository, transactions transaction.Repository, client provider.ClientInterface) *Service {
	return &Service{
		provider:     providerName,
		connections:  connections,
		accounts:     accounts,
		transactions: transactions,
		client:       client,
		now:          time.Now,
	}
}

// Store upserts the connection from a fresh token response, computing the
// access-token expiry as now + expires_in. Relinking overwrites the previous
// tokens in one write.
func (s *Service) Store(ctx context.Context, userID int64, tok *provider.TokenResponse) error {
	conn := &BankConnection{
		UserID:               userID,
		Provider:             s.provider,
		RefreshToken:         tok.RefreshToken,
		AccessToken:          tok.AccessToken,
		AccessTokenExpiresAt: s.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		ConnectedAt:          s.now(),
	}
	if err := s.connections.Upsert(ctx, conn); err != nil {
		return fmt.Errorf("failed to store bank connection: %w", err)
	}
	return nil
}

// Connected reports whether the user has a stored connection.
func (s *Service) Connected(ctx context.Context, userID int64) (bool, error) {
	conn, err := s.connections.GetByUser(ctx, userID, s.provider)
	if err != nil {
		return false, err
	}
	return conn != nil, nil
}

// AccessToken returns a currently valid access token for the user. The cached
// token is reused while it has more than expiryBuffer of life left; otherwise
// the refresh token is exchanged upstream and the rotated pair is persisted.
// Concurrent callers for the same user share one in-flight refresh.
func (s *Service) AccessToken(ctx context.Context, userID int64) (string, error) {
	conn, err := s.connections.GetByUser(ctx, userID, s.provider)
	if err != nil {
		return "", fmt.Errorf("failed to load bank connection: %w", err)
	}
	if conn == nil {
		return "", ErrNoConnection
	}

	if s.now().Before(conn.AccessTokenExpiresAt.Add(-expiryBuffer)) {
		return conn.AccessToken, nil
	}

	token, err, _ := s.refreshGroup.Do(fmt.Sprintf("refresh:%d", userID), func() (interface{}, error) {
		return s.refresh(ctx, userID, conn.RefreshToken)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *Service) refresh(ctx context.Context, userID int64, refreshToken string) (string, error) {
	tok, err := s.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		log.Printf("User %d: token refresh failed: %v", userID, err)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	// Providers may rotate the refresh token on every use; persist the one
	// that came back, never the one we sent.
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	expiresAt := s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := s.connections.UpdateTokens(ctx, userID, s.provider, newRefresh, tok.AccessToken, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	log.Printf("User %d: access token refreshed, valid until %s", userID, expiresAt.Format(time.RFC3339))
	return tok.AccessToken, nil
}

// Disconnect removes the connection, its synced accounts, and all
// bank-sourced transactions. Manual transactions survive.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	if err := s.connections.Delete(ctx, userID, s.provider); err != nil {
		return fmt.Errorf("failed to delete bank connection: %w", err)
	}
	if err := s.accounts.DeleteByUser(ctx, userID, s.provider); err != nil {
		return fmt.Errorf("failed to delete bank accounts: %w", err)
	}
	if err := s.transactions.DeleteBankRowsByUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete bank transactions: %w", err)
	}
	log.Printf("User %d: bank connection removed", userID)
	return nil
}
