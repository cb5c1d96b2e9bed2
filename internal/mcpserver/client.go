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

// Config holds the configuration for connecting to the riskgate API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Admin secret for rule management tools (optional)
}

// RiskgateClient is a pure HTTP client for the riskgate API.
type RiskgateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRiskgateClient creates a new client for the riskgate API.
func NewRiskgateClient(cfg Config) *RiskgateClient {
	return &RiskgateClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// Rate-limited (429) responses are returned as payloads, not errors: a denied
// check is a first-class answer for the calling agent.
func (c *RiskgateClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
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

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusTooManyRequests {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Assess runs a full risk evaluation for one attempt.
func (c *RiskgateClient) Assess(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/assessments", nil, req)
}

// Validate runs standalone business-rule validation on a transaction.
func (c *RiskgateClient) Validate(ctx context.Context, tx map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/validations", nil, tx)
}

// CheckRateLimit runs a non-consuming rate limit check.
func (c *RiskgateClient) CheckRateLimit(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/ratelimit/check", nil, req)
}

// GetVelocity returns current window usage for an identifier.
func (c *RiskgateClient) GetVelocity(ctx context.Context, kind, value, action string) (json.RawMessage, error) {
	q := url.Values{}
	if action != "" {
		q.Set("action", action)
	}
	path := "/v1/velocity/" + url.PathEscape(kind) + "/" + url.PathEscape(value)
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ListRules returns the rule catalogue.
func (c *RiskgateClient) ListRules(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/rules", nil, nil)
}

// GetAuditTrail returns recent audit events for an identifier.
func (c *RiskgateClient) GetAuditTrail(ctx context.Context, identifierKey string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if identifierKey != "" {
		q.Set("identifier", identifierKey)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/audit", q, nil)
}

// GetAssessmentHistory returns recent assessments for an identifier key.
func (c *RiskgateClient) GetAssessmentHistory(ctx context.Context, identifierKey string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/assessments/" + url.PathEscape(identifierKey)
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}
