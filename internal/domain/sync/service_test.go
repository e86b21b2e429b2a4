package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"finch/internal/domain/account"
	"finch/internal/domain/connection"
	"finch/internal/domain/transaction"
	"finch/internal/infrastructure/provider"
)

type mockResolver struct {
	AccessTokenFunc func(ctx context.Context, userID int64) (string, error)
}

func (m *mockResolver) AccessToken(ctx context.Context, userID int64) (string, error) {
	return m.AccessTokenFunc(ctx, userID)
}

type mockClient struct {
	GetAccountsFunc     func(ctx context.Context, accessToken string) ([]provider.Account, error)
	GetTransactionsFunc func(ctx context.Context, accessToken, accountID string, from, to *time.Time) ([]provider.Transaction, error)
	GetBalanceFunc      func(ctx context.Context, accessToken, accountID string) (*provider.Balance, error)
}

func (m *mockClient) Configured() bool            { return true }
func (m *mockClient) AuthCodeURL(s string) string { return "" }

func (m *mockClient) ExchangeCode(ctx context.Context, code string) (*provider.TokenResponse, error) {
	panic("not implemented")
}

func (m *mockClient) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	panic("not implemented")
}

func (m *mockClient) GetAccounts(ctx context.Context, accessToken string) ([]provider.Account, error) {
	return m.GetAccountsFunc(ctx, accessToken)
}

func (m *mockClient) GetTransactions(ctx context.Context, accessToken, accountID string, from, to *time.Time) ([]provider.Transaction, error) {
	return m.GetTransactionsFunc(ctx, accessToken, accountID, from, to)
}

func (m *mockClient) GetBalance(ctx context.Context, accessToken, accountID string) (*provider.Balance, error) {
	return m.GetBalanceFunc(ctx, accessToken, accountID)
}

// memAccountRepo keeps upserted accounts keyed by provider account id.
type memAccountRepo struct {
	rows   map[string]*account.BankAccount
	nextID int64
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{rows: make(map[string]*account.BankAccount)}
}

func (m *memAccountRepo) Upsert(ctx context.Context, params account.UpsertParams) (*account.BankAccount, error) {
	if existing, ok := m.rows[params.ProviderAccountID]; ok {
		existing.Name = params.Name
		existing.Balance = params.Balance
		existing.AvailableBalance = params.AvailableBalance
		return existing, nil
	}
	m.nextID++
	row := &account.BankAccount{
		ID:                m.nextID,
		UserID:            params.UserID,
		Provider:          params.Provider,
		ProviderAccountID: params.ProviderAccountID,
		Name:              params.Name,
		Currency:          params.Currency,
		Balance:           params.Balance,
		AvailableBalance:  params.AvailableBalance,
	}
	m.rows[params.ProviderAccountID] = row
	return row, nil
}

func (m *memAccountRepo) ListByUser(ctx context.Context, userID int64, provider string) ([]*account.BankAccount, error) {
	panic("not implemented")
}

func (m *memAccountRepo) DeleteByUser(ctx context.Context, userID int64, provider string) error {
	panic("not implemented")
}

// memTransactionRepo implements the insert-if-absent contract in memory.
type memTransactionRepo struct {
	rows map[string]transaction.InsertParams
}

func newMemTransactionRepo() *memTransactionRepo {
	return &memTransactionRepo{rows: make(map[string]transaction.InsertParams)}
}

func (m *memTransactionRepo) InsertIfAbsent(ctx context.Context, params transaction.InsertParams) (bool, error) {
	if _, ok := m.rows[params.ProviderTxID]; ok {
		return false, nil
	}
	m.rows[params.ProviderTxID] = params
	return true, nil
}

func (m *memTransactionRepo) DeleteBankRowsByUser(ctx context.Context, userID int64) error {
	panic("not implemented")
}

type mockLocker struct {
	TryFunc func(ctx context.Context, userID int64) (func(), bool, error)
}

func (m *mockLocker) TryUserSyncLock(ctx context.Context, userID int64) (func(), bool, error) {
	if m.TryFunc != nil {
		return m.TryFunc(ctx, userID)
	}
	return func() {}, true, nil
}

func okResolver() *mockResolver {
	return &mockResolver{
		AccessTokenFunc: func(ctx context.Context, userID int64) (string, error) {
			return "valid-token", nil
		},
	}
}

func accountFixture(id, name string) provider.Account {
	return provider.Account{
		AccountID:   id,
		DisplayName: name,
		Currency:    "GBP",
		UpdateTime:  "2024-01-01T00:00:00Z",
	}
}

func txFixtures(accountID string, n int) []provider.Transaction {
	txs := make([]provider.Transaction, n)
	for i := 0; i < n; i++ {
		txs[i] = provider.Transaction{
			TransactionID: fmt.Sprintf("%s-tx-%03d", accountID, i),
			Description:   "Coffee",
			Amount:        -3.50,
			Currency:      "GBP",
			Category:      "PURCHASE",
			Timestamp:     time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		}
	}
	return txs
}

func newTestService(resolver TokenResolver, client provider.ClientInterface) (*Service, *memAccountRepo, *memTransactionRepo) {
	accounts := newMemAccountRepo()
	txs := newMemTransactionRepo()
	svc := NewService("truelayer", resolver, client, accounts, txs, &mockLocker{})
	return svc, accounts, txs
}

func TestFullSync_IngestsAccountsAndTransactions(t *testing.T) {
	client := &mockClient{
		GetAccountsFunc: func(ctx context.Context, token string) ([]provider.Account, error) {
			return []provider.Account{accountFixture("acc-1", "Current Account")}, nil
		},
		GetBalanceFunc: func(ctx context.Context, token, accountID string) (*provider.Balance, error) {
			return &provider.Balance{Current: 1200, Available: 1100, Currency: "GBP"}, nil
		},
		GetTransactionsFunc: func(ctx context.Context, token, accountID string, from, to *time.Time) ([]provider.Transaction, error) {
			return txFixtures(accountID, 5), nil
		},
	}
	svc, accounts, _ := newTestService(okResolver(), client)

	result, err := svc.FullSync(context.Background(), 1, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}

	if result.Accounts != 1 || result.Inserted != 5 || result.Skipped != 0 {
		t.Errorf("FullSync() = %+v, want 1 account, 5 inserted, 0 skipped", result)
	}
	row := accounts.rows["acc-1"]
	if row == nil {
		t.Fatal("account was not upserted")
	}
	if row.Balance != 1200 || row.AvailableBalance != 1100 {
		t.Errorf("stored balance = %.2f/%.2f, want 1200/1100", row.Balance, row.AvailableBalance)
	}
}

func TestFullSync_SecondRunInsertsNothing(t *testing.T) {
	client := &mockClient{
		GetAccountsFunc: func(ctx context.Context, token string) ([]provider.Account, error) {
			return []provider.Account{accountFixture("acc-1", "Current Account")}, nil
		},
		GetBalanceFunc: func(ctx context.Context, token, accountID string) (*provider.Balance, error) {
			return &provider.Balance{Current: 1200, Available: 1200, Currency: "GBP"}, nil
		},
		GetTransactionsFunc: func(ctx context.Context, token, accountID string, from, to *time.Time) ([]provider.Transaction, error) {
			return txFixtures(accountID, 5), nil
		},
	}
	svc, _, txs := newTestService(okResolver(), client)

	if _, err := svc.FullSync(context.Background(), 1, FullSyncOptions{}); err != nil {
		t.Fatalf("first FullSync() failed: %v", err)
	}
	second, err := svc.FullSync(context.Background(), 1, FullSyncOptions{})
	if err != nil {
		t.Fatalf("second FullSync() failed: %v", err)
	}

	if second.Inserted != 0 || second.Skipped != 5 {
		t.Errorf("second run = %+v, want 0 inserted, 5 skipped", second)
	}
	if len(txs.rows) != 5 {
		t.Errorf("stored %d transactions after two runs, want 5", len(txs.rows))
	}
}

func TestSync_NoConnectionIsTokenExpired(t *testing.T) {
	resolver := &mockResolver{
		AccessTokenFunc: func(ctx context.Context, userID int64) (string, error) {
			return "", connection.ErrNoConnection
		},
	}
	svc, _, _ := newTestService(resolver, &mockClient{})

	_, err := svc.QuickSync(context.Background(), 1, QuickSyncOptions{})
	if !IsTokenExpired(err) {
		t.Fatalf("QuickSync() error = %v, want TOKEN_EXPIRED", err)
	}
	if !strings.Contains(err.Error(), "no valid bank connection") {
		t.Errorf("error message %q should mention the missing connection", err.Error())
	}
}

func TestSync_UnauthorizedIsTokenExpired(t *testing.T) {
	client := &mockClient{
		GetAccountsFunc: func(ctx context.Context, token string) ([]provider.Account, error) {
			return nil, provider.ErrUnauthorized
		},
	}
	svc, _, _ := newTestService(okResolver(), client)

	_, err := svc.QuickSync(context.Background(), 1, QuickSyncOptions{})
	if !IsTokenExpired(err) {
		t.Errorf("QuickSync() error = %v, want TOKEN_EXPIRED", err)
	}
}

func TestSync_AccessDeniedOnOneAccountIsContained(t *testing.T) {
	client := &mockClient{
		GetAccountsFunc: func(ctx context.Context, token string) ([]provider.Account, error) {
			return []provider.Account{
				accountFixture("acc-ok", "Current Account"),
				accountFixture("acc-denied", "Credit Card"),
			}, nil
		},
		GetBalanceFunc: func(ctx context.Context, token, accountID string) (*provider.Balance, error) {
			return &provider.Balance{Current: 100, Available: 100, Currency: "GBP"}, nil
		},
		GetTransactionsFunc: func(ctx context.Context, token, accountID string, from, to *time.Time) ([]provider.Transaction, error) {
			if accountID == "acc-denied" {
				return nil, fmt.Errorf("%w: consent missing", provider.ErrAccessDenied)
			}
			return txFixtures(accountID, 3), nil
		},
	}
	svc, _, _ := newTestService(okResolver(), client)

	result, err := svc.FullSync(context.Background(), 1, FullSyncOptions{})
	if err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}

	if result.Accounts != 1 {
		t.Errorf("result.Accounts = %d, want 1 (denied account not counted)", result.Accounts)
	}
	if result.Inserted != 3 {
		t.Errorf("result.Inserted = %d, want 3 from the healthy account", result.Inserted)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "acc-denied") {
		t.Errorf("result.Errors = %v, want one entry naming acc-denied", result.Errors)
	}
}

func TestQuickSync_LimitsToNewestTransactions(t *testing.T) {
	client := &mockClient{
		GetAccountsFunc: func(ctx context.Context, token string) ([]provider.Account, error) {
			return []provider.Account{accountFixture("acc-1", "Current Account")}, nil
		},
		GetBalanceFunc: func(ctx context.Context, token, accountID string) (*provider.Balance, error) {
			return &provider.Balance{Current: 100, Available: 100, Currency: "GBP"}, nil
		},
		GetTransactionsFunc: func(ctx context.Context, token, accountID string, from, to *time.Time) ([]provider.Transaction, error) {
			if from == nil {
				t.Error("quick sync should bound the fetch with a from date")
			}
			return txFixtures(accountID, 40), nil
		},
	}
	svc, _, txs := newTestService(okResolver(), client)

	result, err := svc.QuickSync(context.Background(), 1, QuickSyncOptions{Limit: 10, DaysBack: 30})
	if err != nil {
		t.Fatalf("QuickSync() failed: %v", err)
	}

	if result.Inserted != 10 {
		t.Errorf("result.Inserted = %d, want 10", result.Inserted)
	}
	// Fixtures are ordered oldest first, so the newest 10 are indexes 30..39.
	if _, ok := txs.rows["acc-1-tx-039"]; !ok {
		t.Error("newest transaction was not ingested")
	}
	if _, ok := txs.rows["acc-1-tx-000"]; ok {
		t.Error("oldest transaction should have been cut by the limit")
	}
}

func TestFullSync_LockBusy(t *testing.T) {
	svc, _, _ := newTestService(okResolver(), &mockClient{})
	svc.locker = &mockLocker{
		TryFunc: func(ctx context.Context, userID int64) (func(), bool, error) {
			return nil, false, nil
		},
	}

	_, err := svc.FullSync(context.Background(), 1, FullSyncOptions{})
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("FullSync() error = %v, want ErrSyncInProgress", err)
	}
}

func TestFullSync_ReleasesLock(t *testing.T) {
	released := false
	client := &mockClient{
		GetAccountsFunc: func(ctx context.Context, token string) ([]provider.Account, error) {
			return nil, nil
		},
	}
	svc, _, _ := newTestService(okResolver(), client)
	svc.locker = &mockLocker{
		TryFunc: func(ctx context.Context, userID int64) (func(), bool, error) {
			return func() { released = true }, true, nil
		},
	}

	if _, err := svc.FullSync(context.Background(), 1, FullSyncOptions{}); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if !released {
		t.Error("FullSync() did not release the per-user lock")
	}
}
