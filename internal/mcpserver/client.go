package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the cadence engine.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// EngineClient is a pure HTTP client for the cadence engine API.
type EngineClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEngineClient creates a new client for the engine API.
func NewEngineClient(cfg Config) *EngineClient {
	return &EngineClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the engine.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the engine and returns the response body.
func (c *EngineClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAccountStatus fetches an account with its scores and budgets.
func (c *EngineClient) GetAccountStatus(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+accountID, nil, nil)
}

// ListAccounts lists managed accounts.
func (c *EngineClient) ListAccounts(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts", nil, nil)
}

// AdvanceAccount attempts a forward lifecycle transition.
func (c *EngineClient) AdvanceAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/advance", nil, nil)
}

// RollbackAccount steps an account backward.
func (c *EngineClient) RollbackAccount(ctx context.Context, accountID, reason string, hard bool) (json.RawMessage, error) {
	body := map[string]any{"reason": reason, "hard": hard}
	return c.doRequest(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/rollback", nil, body)
}

// LockAccount freezes an account for manual review.
func (c *EngineClient) LockAccount(ctx context.Context, accountID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/lock", nil, body)
}

// QueryAudit queries the audit log.
func (c *EngineClient) QueryAudit(ctx context.Context, accountID, kind string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("account_id", accountID)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/audit", q, nil)
}
