package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"finch/internal/domain/account"
	"finch/internal/domain/balance"
	"finch/internal/domain/oauthstate"
	domainsync "finch/internal/domain/sync"
	"finch/internal/infrastructure/provider"
	"finch/internal/shared/middleware"
)

// ConnectionService is the subset of the connection service used by the
// bank handler.
type ConnectionService interface {
	Store(ctx context.Context, userID int64, tok *provider.TokenResponse) error
	Connected(ctx context.Context, userID int64) (bool, error)
	AccessToken(ctx context.Context, userID int64) (string, error)
	Disconnect(ctx context.Context, userID int64) error
}

// SyncService is the subset of the sync orchestrator used by the bank handler.
type SyncService interface {
	QuickSync(ctx context.Context, userID int64, opts domainsync.QuickSyncOptions) (*domainsync.Result, error)
	FullSync(ctx context.Context, userID int64, opts domainsync.FullSyncOptions) (*domainsync.Result, error)
}

// BankHandler serves the bank connection and sync endpoints.
type BankHandler struct {
	client       provider.ClientInterface
	states       *oauthstate.Manager
	connections  ConnectionService
	syncs        SyncService
	accounts     account.Repository
	providerName string
	frontendURL  string
	// background queues a full sync after a successful link without blocking
	// the callback redirect.
	background func(userID int64)
}

func NewBankHandler(client provider.ClientInterface, states *oauthstate.Manager, connections ConnectionService, syncs SyncService, accounts account.Repository, providerName, frontendURL string, background func(userID int64)) *BankHandler {
	return &BankHandler{
		client:       client,
		states:       states,
		connections:  connections,
		syncs:        syncs,
		accounts:     accounts,
		providerName: providerName,
		frontendURL:  frontendURL,
		background:   background,
	}
}

type connectResponse struct {
	URL string `json:"url"`
}

type syncRequest struct {
	FromDate string `json:"fromDate"`
	ToDate   string `json:"toDate"`
}

type syncResponse struct {
	OK       bool `json:"ok"`
	Accounts int  `json:"accounts"`
	Inserted int  `json:"inserted"`
	Skipped  int  `json:"skipped"`
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

type balanceAccount struct {
	AccountID string  `json:"accountId"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Currency  string  `json:"currency"`
}

type balanceResponse struct {
	TotalBalance     float64          `json:"totalBalance"`
	AvailableBalance float64          `json:"availableBalance"`
	Currency         string           `json:"currency"`
	Accounts         []balanceAccount `json:"accounts"`
}

// HandleConnect returns the provider authorization URL for the user to visit.
func (h *BankHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.client.Configured() {
		http.Error(w, "Bank connection is not configured", http.StatusServiceUnavailable)
		return
	}

	state, err := h.states.Create(r.Context(), userID)
	if err != nil {
		log.Printf("User %d: failed to create oauth state: %v", userID, err)
		http.Error(w, "Failed to start bank connection", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connectResponse{URL: h.client.AuthCodeURL(state)})
}

// HandleCallback completes the OAuth flow: it validates the CSRF state,
// exchanges the authorization code, stores the tokens, runs a quick sync so
// fresh data is visible immediately, queues a background full sync, and
// redirects back to the frontend. The request is unauthenticated - the state
// token identifies the user.
func (h *BankHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		log.Printf("Bank callback returned error: %s", errCode)
		h.redirectError(w, r, "provider_denied")
		return
	}

	userID, err := h.states.Validate(r.Context(), query.Get("state"))
	if err != nil {
		if !errors.Is(err, oauthstate.ErrInvalidState) {
			log.Printf("Bank callback state validation error: %v", err)
		}
		h.redirectError(w, r, "invalid_state")
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirectError(w, r, "missing_code")
		return
	}

	tok, err := h.client.ExchangeCode(r.Context(), code)
	if err != nil {
		log.Printf("User %d: code exchange failed: %v", userID, err)
		h.redirectError(w, r, "exchange_failed")
		return
	}

	if err := h.connections.Store(r.Context(), userID, tok); err != nil {
		log.Printf("User %d: failed to store bank connection: %v", userID, err)
		h.redirectError(w, r, "server_error")
		return
	}

	// Quick sync now, while the fresh access token is guaranteed valid, so
	// the user sees data as soon as the redirect lands.
	if _, err := h.syncs.QuickSync(r.Context(), userID, domainsync.QuickSyncOptions{}); err != nil {
		log.Printf("User %d: post-link quick sync failed: %v", userID, err)
	}

	if h.background != nil {
		h.background(userID)
	}

	log.Printf("User %d: bank connected", userID)
	http.Redirect(w, r, h.frontendRedirect("bankConnected", "1"), http.StatusFound)
}

// HandleSync runs a sync on demand. ?mode=quick runs the bounded quick sync;
// otherwise a full sync runs, optionally bounded by {fromDate, toDate} in
// the body.
func (h *BankHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var result *domainsync.Result
	var err error

	if r.URL.Query().Get("mode") == "quick" {
		opts := domainsync.QuickSyncOptions{}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			if n, convErr := strconv.Atoi(limit); convErr == nil {
				opts.Limit = n
			}
		}
		result, err = h.syncs.QuickSync(r.Context(), userID, opts)
	} else {
		opts, parseErr := parseFullSyncOptions(r)
		if parseErr != nil {
			http.Error(w, parseErr.Error(), http.StatusBadRequest)
			return
		}
		result, err = h.syncs.FullSync(r.Context(), userID, opts)
	}

	if err != nil {
		if domainsync.IsTokenExpired(err) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error":             "token_expired",
				"requiresReconnect": true,
			})
			return
		}
		if errors.Is(err, domainsync.ErrSyncInProgress) {
			http.Error(w, "A sync is already running", http.StatusConflict)
			return
		}
		log.Printf("User %d: sync failed: %v", userID, err)
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncResponse{
		OK:       true,
		Accounts: result.Accounts,
		Inserted: result.Inserted,
		Skipped:  result.Skipped,
	})
}

// HandleStatus reports whether the user has a bank connected.
func (h *BankHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	connected, err := h.connections.Connected(r.Context(), userID)
	if err != nil {
		log.Printf("User %d: failed to check connection status: %v", userID, err)
		http.Error(w, "Failed to check status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{Connected: connected})
}

// HandleBalance serves the live balance, fetched from the provider. When the
// live fetch fails for any reason it falls back to the locally cached rows
// rather than erroring.
func (h *BankHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	candidates, err := h.fetchLiveBalances(r.Context(), userID)
	if err != nil {
		log.Printf("User %d: live balance fetch failed, serving cached: %v", userID, err)
		h.serveCachedBalance(w, r, userID)
		return
	}

	h.writeBalance(w, candidates)
}

// HandleBalanceCached serves the balance from local storage without touching
// the provider.
func (h *BankHandler) HandleBalanceCached(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.serveCachedBalance(w, r, userID)
}

// HandleDisconnect removes the bank connection and all synced bank data.
func (h *BankHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.connections.Disconnect(r.Context(), userID); err != nil {
		log.Printf("User %d: disconnect failed: %v", userID, err)
		http.Error(w, "Failed to disconnect", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BankHandler) fetchLiveBalances(ctx context.Context, userID int64) ([]balance.Candidate, error) {
	token, err := h.connections.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	remoteAccounts, err := h.client.GetAccounts(ctx, token)
	if err != nil {
		return nil, err
	}

	candidates := make([]balance.Candidate, 0, len(remoteAccounts))
	for _, acc := range remoteAccounts {
		bal, err := h.client.GetBalance(ctx, token, acc.AccountID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, balance.Candidate{
			ProviderAccountID: acc.AccountID,
			Name:              acc.DisplayName,
			Currency:          bal.Currency,
			Balance:           bal.Current,
			Available:         bal.Available,
			CreatedAt:         acc.UpdateTime,
		})
	}
	return candidates, nil
}

func (h *BankHandler) serveCachedBalance(w http.ResponseWriter, r *http.Request, userID int64) {
	rows, err := h.accounts.ListByUser(r.Context(), userID, h.providerName)
	if err != nil {
		log.Printf("User %d: cached balance lookup failed: %v", userID, err)
		http.Error(w, "Failed to fetch balance", http.StatusInternalServerError)
		return
	}

	candidates := make([]balance.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, balance.Candidate{
			ProviderAccountID: row.ProviderAccountID,
			Name:              row.Name,
			Currency:          row.Currency,
			Balance:           row.Balance,
			Available:         row.AvailableBalance,
			CreatedAt:         row.ProviderCreatedAt.Format(time.RFC3339),
		})
	}

	h.writeBalance(w, candidates)
}

func (h *BankHandler) writeBalance(w http.ResponseWriter, candidates []balance.Candidate) {
	resp := balanceResponse{Accounts: make([]balanceAccount, 0, len(candidates))}
	for _, c := range candidates {
		resp.Accounts = append(resp.Accounts, balanceAccount{
			AccountID: c.ProviderAccountID,
			Name:      c.Name,
			Balance:   c.Balance,
			Available: c.Available,
			Currency:  c.Currency,
		})
	}

	if main := balance.SelectMain(candidates); main != nil {
		resp.TotalBalance = main.Balance
		resp.AvailableBalance = main.Available
		resp.Currency = main.Currency
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *BankHandler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, h.frontendRedirect("bankError", reason), http.StatusFound)
}

func (h *BankHandler) frontendRedirect(key, value string) string {
	u, err := url.Parse(h.frontendURL)
	if err != nil {
		return h.frontendURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func parseFullSyncOptions(r *http.Request) (domainsync.FullSyncOptions, error) {
	opts := domainsync.FullSyncOptions{}
	if r.Body == nil || r.ContentLength == 0 {
		return opts, nil
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return opts, errors.New("invalid request body")
	}
	if req.FromDate != "" {
		from, err := time.Parse("2006-01-02", req.FromDate)
		if err != nil {
			return opts, errors.New("invalid fromDate, expected YYYY-MM-DD")
		}
		opts.From = &from
	}
	if req.ToDate != "" {
		to, err := time.Parse("2006-01-02", req.ToDate)
		if err != nil {
			return opts, errors.New("invalid toDate, expected YYYY-MM-DD")
		}
		opts.To = &to
	}
	return opts, nil
}
