// Package provider implements a stateless HTTP client for the Open Banking
// provider: the OAuth2 authorization-code endpoints and the data API for
// accounts, transactions and balances.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthURL    = "https://auth.truelayer.com"
	defaultTokenURL   = "https://auth.truelayer.com/connect/token"
	defaultAPIURL     = "https://api.truelayer.com"
	sandboxAuthURL    = "https://auth.truelayer-sandbox.com"
	sandboxTokenURL   = "https://auth.truelayer-sandbox.com/connect/token"
	sandboxAPIURL     = "https://api.truelayer-sandbox.com"
	defaultTimeout    = 45 * time.Second
	defaultDateFormat = "2006-01-02"

	// maxTransactionPages bounds the next-link pagination loop so a looping
	// upstream cursor cannot hang a sync.
	maxTransactionPages = 50
)

// Config holds the provider credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Sandbox      bool

	// Optional endpoint overrides, used by tests.
	AuthURL  string
	TokenURL string
	APIURL   string
}

// Client handles communication with the Open Banking provider.
type Client struct {
	httpClient *http.Client
	cfg        Config
	authURL    string
	tokenURL   string
	apiURL     string
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a provider client. Endpoints default to the live or
// sandbox environment depending on cfg.Sandbox.
func NewClient(cfg Config) *Client {
	authURL, tokenURL, apiURL := defaultAuthURL, defaultTokenURL, defaultAPIURL
	if cfg.Sandbox {
		authURL, tokenURL, apiURL = sandboxAuthURL, sandboxTokenURL, sandboxAPIURL
	}
	if cfg.AuthURL != "" {
		authURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}
	if cfg.APIURL != "" {
		apiURL = cfg.APIURL
	}

	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		cfg:        cfg,
		authURL:    authURL,
		tokenURL:   tokenURL,
		apiURL:     apiURL,
	}
}

// Configured reports whether the client has credentials to run the OAuth flow.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.RedirectURI != ""
}

// TokenResponse is the provider's response to both the authorization-code
// exchange and the refresh grant. Providers may rotate the refresh token on
// every use, so callers must persist the returned refresh token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Account is a bank account as returned by the data API.
type Account struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Currency    string `json:"currency"`
	AccountType string `json:"account_type"`
	UpdateTime  string `json:"update_timestamp"`
}

// CreatedAt parses the account's update timestamp; zero time when absent.
func (a *Account) CreatedAt() time.Time {
	if a.UpdateTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, a.UpdateTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Transaction is a bank transaction as returned by the data API.
type Transaction struct {
	TransactionID string  `json:"transaction_id"`
	Description   string  `json:"description"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Category      string  `json:"transaction_category"`
	Timestamp     string  `json:"timestamp"`
}

// Date parses the transaction timestamp.
func (t *Transaction) Date() (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, t.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", t.Timestamp, err)
	}
	return parsed, nil
}

// Balance is an account balance as returned by the data API.
type Balance struct {
	Current   float64 `json:"current"`
	Available float64 `json:"available"`
	Currency  string  `json:"currency"`
}

type accountsResponse struct {
	Results []Account `json:"results"`
}

type transactionsResponse struct {
	Results []Transaction `json:"results"`
	Next    string        `json:"next"`
}

type balanceResponse struct {
	Results []struct {
		Current   float64  `json:"current"`
		Available *float64 `json:"available"`
		Currency  string   `json:"currency"`
	} `json:"results"`
}

// AuthCodeURL assembles the authorization URL for the consent redirect.
// The state parameter binds the flow to the initiating user (CSRF protection).
func (c *Client) AuthCodeURL(state string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("scope", strings.Join(c.cfg.Scopes, " "))
	params.Set("state", state)
	if c.cfg.Sandbox {
		// Surface the mock bank in the provider picker.
		params.Set("providers", "uk-cs-mock uk-ob-all uk-oauth-all")
	}
	return c.authURL + "/?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code", code)

	tok, status, body, err := c.postTokenForm(ctx, form)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, &TokenExchangeError{StatusCode: status, Body: body}
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token for a fresh token pair. The provider
// may rotate the refresh token, so the caller must persist the returned one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)

	tok, status, body, err := c.postTokenForm(ctx, form)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, &TokenRefreshError{StatusCode: status, Body: body}
	}
	return tok, nil
}

// postTokenForm posts to the token endpoint. A nil TokenResponse with nil
// error signals a non-2xx response; the caller wraps it in the grant-specific
// error type.
func (c *Client) postTokenForm(ctx context.Context, form url.Values) (*TokenResponse, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, strings.TrimSpace(string(body)), nil
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, resp.StatusCode, "", fmt.Errorf("token response missing access_token")
	}
	return &tok, resp.StatusCode, "", nil
}

// GetAccounts fetches all accounts visible to the access token.
func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	body, err := c.getJSON(ctx, c.apiURL+"/data/v1/accounts", accessToken)
	if err != nil {
		return nil, err
	}

	var accountsResp accountsResponse
	if err := json.Unmarshal(body, &accountsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal accounts response: %w", err)
	}
	return accountsResp.Results, nil
}

// GetTransactions fetches transactions for one account, following the next
// link until the cursor is exhausted or maxTransactionPages is reached.
// from and to are optional date bounds.
func (c *Client) GetTransactions(ctx context.Context, accessToken, accountID string, from, to *time.Time) ([]Transaction, error) {
	params := url.Values{}
	if from != nil {
		params.Set("from", from.Format(defaultDateFormat))
	}
	if to != nil {
		params.Set("to", to.Format(defaultDateFormat))
	}

	pageURL := c.apiURL + "/data/v1/accounts/" + url.PathEscape(accountID) + "/transactions"
	if encoded := params.Encode(); encoded != "" {
		pageURL += "?" + encoded
	}

	var all []Transaction
	for page := 0; pageURL != "" && page < maxTransactionPages; page++ {
		body, err := c.getJSON(ctx, pageURL, accessToken)
		if err != nil {
			return nil, err
		}

		var txResp transactionsResponse
		if err := json.Unmarshal(body, &txResp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transactions response: %w", err)
		}

		all = append(all, txResp.Results...)
		pageURL = txResp.Next
	}

	return all, nil
}

// GetBalance fetches the balance for one account. When the provider omits
// the available balance it defaults to the current balance.
func (c *Client) GetBalance(ctx context.Context, accessToken, accountID string) (*Balance, error) {
	body, err := c.getJSON(ctx, c.apiURL+"/data/v1/accounts/"+url.PathEscape(accountID)+"/balance", accessToken)
	if err != nil {
		return nil, err
	}

	var balResp balanceResponse
	if err := json.Unmarshal(body, &balResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance response: %w", err)
	}
	if len(balResp.Results) == 0 {
		return nil, fmt.Errorf("balance response contained no results")
	}

	raw := balResp.Results[0]
	available := raw.Current
	if raw.Available != nil {
		available = *raw.Available
	}

	return &Balance{Current: raw.Current, Available: available, Currency: raw.Currency}, nil
}

// getJSON performs an authenticated GET and maps 401/403 to the typed
// sentinel errors.
func (c *Client) getJSON(ctx context.Context, rawURL, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return body, nil
}
