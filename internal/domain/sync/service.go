// Package sync orchestrates pulling accounts, balances, and transactions
// from the provider into local storage.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"finch/internal/domain/account"
	"finch/internal/domain/connection"
	"finch/internal/domain/transaction"
	"finch/internal/infrastructure/provider"
)

const (
	// DefaultQuickSyncLimit bounds how many recent transactions per account a
	// quick sync ingests.
	DefaultQuickSyncLimit = 25
	// DefaultQuickSyncDaysBack bounds how far back a quick sync looks.
	DefaultQuickSyncDaysBack = 30
)

// TokenResolver yields a currently valid access token for a user.
type TokenResolver interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
}

// Locker serializes full syncs per user across instances.
type Locker interface {
	TryUserSyncLock(ctx context.Context, userID int64) (release func(), ok bool, err error)
}

// QuickSyncOptions tunes the synchronous post-link sync.
type QuickSyncOptions struct {
	Limit    int
	DaysBack int
}

// FullSyncOptions bounds a full sweep; nil means unbounded on that side.
type FullSyncOptions struct {
	From *time.Time
	To   *time.Time
}

// Result summarizes one sync pass. Errors holds per-account failures that
// did not abort the pass.
type Result struct {
	Accounts int
	Inserted int
	Skipped  int
	Errors   []string
}

// Service composes the provider client, token resolver, and repositories
// into the quick and full sync operations.
type Service struct {
	provider     string
	tokens       TokenResolver
	client       provider.ClientInterface
	accounts     account.Repository
	transactions transaction.Repository
	locker       Locker
	now          func() time.Time
}

func NewService(providerName string, tokens TokenResolver, client provider.ClientInterface, accounts account.Repository, transactions transaction.Repository, locker Locker) *Service {
	return &Service{
		provider:     providerName,
		tokens:       tokens,
		client:       client,
		accounts:     accounts,
		transactions: transactions,
		locker:       locker,
		now:          time.Now,
	}
}

// QuickSync fetches balances and the most recent transactions per account.
// It is designed to finish inside the provider's post-authentication access
// window so the link flow can await it.
func (s *Service) QuickSync(ctx context.Context, userID int64, opts QuickSyncOptions) (*Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultQuickSyncLimit
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = DefaultQuickSyncDaysBack
	}

	runID := uuid.NewString()
	log.Printf("User %d: quick sync %s starting (limit=%d, daysBack=%d)", userID, runID, opts.Limit, opts.DaysBack)

	from := s.now().AddDate(0, 0, -opts.DaysBack)
	result, err := s.run(ctx, userID, &from, nil, opts.Limit)
	if err != nil {
		return nil, err
	}

	log.Printf("User %d: quick sync %s done: %d accounts, %d inserted, %d skipped, %d errors",
		userID, runID, result.Accounts, result.Inserted, result.Skipped, len(result.Errors))
	return result, nil
}

// FullSync sweeps complete account and transaction data, optionally bounded
// by a date range. At most one full sync runs per user at a time; a second
// concurrent attempt gets ErrSyncInProgress.
func (s *Service) FullSync(ctx context.Context, userID int64, opts FullSyncOptions) (*Result, error) {
	release, ok, err := s.locker.TryUserSyncLock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	runID := uuid.NewString()
	log.Printf("User %d: full sync %s starting", userID, runID)

	result, err := s.run(ctx, userID, opts.From, opts.To, 0)
	if err != nil {
		return nil, err
	}

	log.Printf("User %d: full sync %s done: %d accounts, %d inserted, %d skipped, %d errors",
		userID, runID, result.Accounts, result.Inserted, result.Skipped, len(result.Errors))
	return result, nil
}

// run is the shared sync pass. limit > 0 keeps only the newest transactions
// per account; 0 ingests everything fetched.
func (s *Service) run(ctx context.Context, userID int64, from, to *time.Time, limit int) (*Result, error) {
	token, err := s.tokens.AccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, connection.ErrNoConnection) {
			return nil, &SyncError{Code: CodeTokenExpired, Message: "no valid bank connection exists, reconnect required", Err: err}
		}
		return nil, &SyncError{Code: CodeTokenExpired, Message: "access token could not be refreshed, reconnect required", Err: err}
	}

	remoteAccounts, err := s.client.GetAccounts(ctx, token)
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			return nil, &SyncError{Code: CodeTokenExpired, Message: "provider rejected the access token, reconnect required", Err: err}
		}
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}

	result := &Result{}
	for _, remote := range remoteAccounts {
		if err := s.syncAccount(ctx, userID, token, remote, from, to, limit, result); err != nil {
			if errors.Is(err, provider.ErrUnauthorized) {
				return nil, &SyncError{Code: CodeTokenExpired, Message: "provider rejected the access token, reconnect required", Err: err}
			}
			// Contain per-account failures so one unsupported account does
			// not abort the whole pass.
			log.Printf("User %d: account %s sync failed: %v", userID, remote.AccountID, err)
			result.Errors = append(result.Errors, fmt.Sprintf("account %s: %v", remote.AccountID, err))
			continue
		}
		result.Accounts++
	}
	return result, nil
}

func (s *Service) syncAccount(ctx context.Context, userID int64, token string, remote provider.Account, from, to *time.Time, limit int, result *Result) error {
	bal, err := s.client.GetBalance(ctx, token, remote.AccountID)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}

	stored, err := s.accounts.Upsert(ctx, account.UpsertParams{
		UserID:            userID,
		Provider:          s.provider,
		ProviderAccountID: remote.AccountID,
		Name:              remote.DisplayName,
		Currency:          bal.Currency,
		Balance:           bal.Current,
		AvailableBalance:  bal.Available,
		ProviderCreatedAt: remote.CreatedAt(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	txs, err := s.client.GetTransactions(ctx, token, remote.AccountID, from, to)
	if err != nil {
		if errors.Is(err, provider.ErrAccessDenied) {
			// The account may not support history or lack consent; keep the
			// balance we already stored.
			return fmt.Errorf("transaction history unavailable: %w", err)
		}
		return fmt.Errorf("failed to fetch transactions: %w", err)
	}

	if limit > 0 && len(txs) > limit {
		sort.Slice(txs, func(i, j int) bool { return txs[i].Timestamp > txs[j].Timestamp })
		txs = txs[:limit]
	}

	for _, tx := range txs {
		date, err := tx.Date()
		if err != nil {
			log.Printf("User %d: skipping transaction %s with bad timestamp %q", userID, tx.TransactionID, tx.Timestamp)
			continue
		}
		inserted, err := s.transactions.InsertIfAbsent(ctx, transaction.InsertParams{
			UserID:          userID,
			ProviderTxID:    tx.TransactionID,
			AccountID:       stored.ID,
			Amount:          tx.Amount,
			Description:     tx.Description,
			Category:        tx.Category,
			TransactionDate: date,
		})
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", tx.TransactionID, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}
	return nil
}
