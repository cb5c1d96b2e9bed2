package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:      ts.URL,
		AdminSecret: "s3cret",
	}
	client := NewRiskgateClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func assessArgs() map[string]any {
	return map[string]any{
		"identifier_kind":  "user",
		"identifier_value": "u1",
		"action":           "payment",
		"amount":           25.50,
		"currency":         "USD",
		"tier":             "BASIC",
		"verified":         true,
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AdminSecretHeader(t *testing.T) {
	var gotSecret string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Admin-Secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL, AdminSecret: "topsecret"})
	_, err := client.ListRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "topsecret", gotSecret)
}

func TestClient_DoRequest_NoSecretConfigured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Admin-Secret"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.ListRules(context.Background())
	require.NoError(t, err)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_identifier",
			"message": "identifier kind must be one of user, ip, device, card, api_key",
		})
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.Assess(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "identifier kind must be one of")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.ListRules(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_RateLimited429IsNotAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": false,
			"state":   "throttled",
			"code":    "VELOCITY_LIMIT_EXCEEDED",
		})
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	raw, err := client.CheckRateLimit(context.Background(), map[string]any{})
	require.NoError(t, err, "429 payload should be returned, not treated as an error")

	var status map[string]any
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, false, status["allowed"])
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewRiskgateClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.ListRules(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.ListRules(ctx)
	require.Error(t, err)
}

func TestClient_GetVelocity_PathAndQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/velocity/user/u1", r.URL.Path)
		assert.Equal(t, "payment", r.URL.Query().Get("action"))
		_, _ = w.Write([]byte(`{"windows":{}}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.GetVelocity(context.Background(), "user", "u1", "payment")
	require.NoError(t, err)
}

func TestClient_GetVelocity_EmptyAction(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("action"))
		_, _ = w.Write([]byte(`{"windows":{}}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.GetVelocity(context.Background(), "ip", "203.0.113.7", "")
	require.NoError(t, err)
}

func TestClient_GetAuditTrail_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audit", r.URL.Path)
		assert.Equal(t, "user:u1", r.URL.Query().Get("identifier"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"events":[]}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.GetAuditTrail(context.Background(), "user:u1", 10)
	require.NoError(t, err)
}

func TestClient_GetAssessmentHistory_Path(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assessments/user:u1", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"assessments":[]}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.GetAssessmentHistory(context.Background(), "user:u1", 5)
	require.NoError(t, err)
}

func TestClient_Assess_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "user", m["identifierKind"])
		assert.Equal(t, "u1", m["identifierValue"])
		assert.Equal(t, 25.5, m["amount"])

		_, _ = w.Write([]byte(`{"outcome":"allow"}`))
	}))
	defer ts.Close()

	client := NewRiskgateClient(Config{APIURL: ts.URL})
	_, err := client.Assess(context.Background(), map[string]any{
		"identifierKind":  "user",
		"identifierValue": "u1",
		"amount":          25.5,
	})
	require.NoError(t, err)
}

// ============================================================
// Handler: assess_transaction
// ============================================================

func TestHandleAssessTransaction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assessments", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "user", m["identifierKind"])
		assert.Equal(t, "payment", m["action"])
		assert.Equal(t, "USD", m["currency"])
		assert.Equal(t, true, m["verified"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "dec_1",
			"identifier": "user:u1",
			"action":     "payment",
			"outcome":    "review",
			"riskAssessment": map[string]any{
				"overallScore":   62.5,
				"level":          "high",
				"recommendation": "review",
				"riskFactors": []map[string]any{
					{"name": "Large amount", "severity": "high", "contribution": 0.45, "description": "amount 25.50 above 10.00"},
				},
				"suggestedActions": []string{"manual_review"},
			},
			"rateLimit": map[string]any{
				"allowed": true, "state": "clear", "remaining": 7,
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(assessArgs()))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Decision: REVIEW")
	assert.Contains(t, text, "user:u1")
	assert.Contains(t, text, "62.50 (high)")
	assert.Contains(t, text, "Large amount")
	assert.Contains(t, text, "+0.45")
	assert.Contains(t, text, "manual_review")
	assert.Contains(t, text, "7 remaining")
}

func TestHandleAssessTransaction_Blocked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assessments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "dec_2",
			"identifier": "ip:203.0.113.7",
			"action":     "login",
			"outcome":    "block",
			"violations": []map[string]any{
				{"path": "total", "code": "TOTAL_MISMATCH", "message": "total 40.00 does not match computed 33.00"},
			},
			"rateLimit": map[string]any{
				"allowed": false, "state": "blocked", "code": "IDENTIFIER_BLOCKED",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	args := assessArgs()
	args["identifier_kind"] = "ip"
	args["identifier_value"] = "203.0.113.7"
	args["action"] = "login"
	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Decision: BLOCK")
	assert.Contains(t, text, "TOTAL_MISMATCH")
	assert.Contains(t, text, "DENIED (IDENTIFIER_BLOCKED)")
}

func TestHandleAssessTransaction_MissingIdentifier(t *testing.T) {
	h := NewHandlers(NewRiskgateClient(Config{}))
	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"action": "payment",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "identifier_kind and identifier_value are required")
}

func TestHandleAssessTransaction_MissingAction(t *testing.T) {
	h := NewHandlers(NewRiskgateClient(Config{}))
	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"identifier_kind":  "user",
		"identifier_value": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "action is required")
}

func TestHandleAssessTransaction_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assessments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "invalid_tier", "message": "unknown tier GOLD",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(assessArgs()))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown tier GOLD")
}

// ============================================================
// Handler: validate_transaction
// ============================================================

func TestHandleValidateTransaction_Valid(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/validations", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var tx map[string]any
		_ = json.Unmarshal(body, &tx)
		assert.Equal(t, "USD", tx["currency"])

		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "violations": []any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleValidateTransaction(context.Background(), makeRequest(map[string]any{
		"transaction": map[string]any{"currency": "USD", "total": 33.00},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "all business rules passed")
}

func TestHandleValidateTransaction_Violations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/validations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"valid": false,
			"violations": []map[string]any{
				{"path": "items[0].lineTotal", "code": "LINE_TOTAL_MISMATCH", "message": "line total 21.00 does not match 15.00"},
				{"path": "subtotal", "code": "SUBTOTAL_MISMATCH", "message": "subtotal 27.00 does not match 25.50"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleValidateTransaction(context.Background(), makeRequest(map[string]any{
		"transaction": map[string]any{"currency": "USD"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "failed 2 business rule(s)")
	assert.Contains(t, text, "LINE_TOTAL_MISMATCH")
	assert.Contains(t, text, "items[0].lineTotal")
	assert.Contains(t, text, "SUBTOTAL_MISMATCH")
}

func TestHandleValidateTransaction_MissingTransaction(t *testing.T) {
	h := NewHandlers(NewRiskgateClient(Config{}))
	result, err := h.HandleValidateTransaction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "transaction object is required")
}

func TestHandleValidateTransaction_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/validations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "malformed_transaction", "message": "currency is required",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleValidateTransaction(context.Background(), makeRequest(map[string]any{
		"transaction": map[string]any{"total": 10.0},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "currency is required")
}

// ============================================================
// Handler: check_rate_limit
// ============================================================

func TestHandleCheckRateLimit_Allowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ratelimit/check", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":   true,
			"state":     "clear",
			"remaining": 9,
			"resetTime": "2026-08-31T13:00:00Z",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckRateLimit(context.Background(), makeRequest(assessArgs()))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "ALLOWED (state: clear)")
	assert.Contains(t, text, "Remaining in window: 9")
	assert.Contains(t, text, "2026-08-31T13:00:00Z")
	assert.NotContains(t, text, "Retry after")
}

func TestHandleCheckRateLimit_Denied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ratelimit/check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed":    false,
			"state":      "throttled",
			"code":       "VELOCITY_LIMIT_EXCEEDED",
			"remaining":  0,
			"retryAfter": int64(90 * time.Second),
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckRateLimit(context.Background(), makeRequest(assessArgs()))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "DENIED (state: throttled)")
	assert.Contains(t, text, "VELOCITY_LIMIT_EXCEEDED")
	assert.Contains(t, text, "Retry after: 1m30s")
}

func TestHandleCheckRateLimit_Exempt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ratelimit/check", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": true,
			"state":   "clear",
			"exempt":  true,
			"reason":  "load test allowlist",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckRateLimit(context.Background(), makeRequest(assessArgs()))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Exempt: yes (load test allowlist)")
}

func TestHandleCheckRateLimit_MissingArgs(t *testing.T) {
	h := NewHandlers(NewRiskgateClient(Config{}))

	result, err := h.HandleCheckRateLimit(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "identifier_kind and identifier_value are required")

	result, err = h.HandleCheckRateLimit(context.Background(), makeRequest(map[string]any{
		"identifier_kind":  "user",
		"identifier_value": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "action is required")
}

// ============================================================
// Handler: get_velocity
// ============================================================

func TestHandleGetVelocity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/velocity/user/u1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"identifier": "user:u1",
			"action":     "payment",
			"windows": map[string]any{
				"1m0s":    map[string]any{"count": 2, "sum": 50.0},
				"1h0m0s":  map[string]any{"count": 8, "sum": 410.0},
				"24h0m0s": map[string]any{"count": 20, "sum": 900.0},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetVelocity(context.Background(), makeRequest(map[string]any{
		"identifier_kind":  "user",
		"identifier_value": "u1",
		"action":           "payment",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Velocity for user:u1 (payment)")
	assert.Contains(t, text, "8 attempt(s), 410.00 total")
	assert.Contains(t, text, "1m0s")
	assert.Contains(t, text, "24h0m0s")
}

func TestHandleGetVelocity_MissingIdentifier(t *testing.T) {
	h := NewHandlers(NewRiskgateClient(Config{}))
	result, err := h.HandleGetVelocity(context.Background(), makeRequest(map[string]any{
		"identifier_kind": "user",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "identifier_kind and identifier_value are required")
}

func TestHandleGetVelocity_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/velocity/user/u1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "invalid_identifier", "message": "bad identifier",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetVelocity(context.Background(), makeRequest(map[string]any{
		"identifier_kind":  "user",
		"identifier_value": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "bad identifier")
}

// ============================================================
// Handler: list_rules
// ============================================================

func TestHandleListRules(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rules": []map[string]any{
				{"id": "large_amount", "name": "Large amount", "type": "amount_threshold", "weight": 0.8, "severity": "high", "enabled": true},
				{"id": "geo_mismatch", "name": "Geo mismatch", "type": "geo_mismatch", "weight": 0.6, "severity": "medium", "enabled": false},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 rule(s)")
	assert.Contains(t, text, "large_amount")
	assert.Contains(t, text, "weight=0.80 severity=high [enabled]")
	assert.Contains(t, text, "geo_mismatch")
	assert.Contains(t, text, "[disabled]")
}

func TestHandleListRules_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rules": []any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No rules configured")
}

func TestHandleListRules_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_, _ = w.Write([]byte("oops"))
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// Handler: get_audit_trail
// ============================================================

func TestHandleGetAuditTrail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user:u1", r.URL.Query().Get("identifier"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{
				{"id": "evt_2", "action": "payment", "outcome": "block", "amount": 500.0, "currency": "USD", "rateLimitCode": "AMOUNT_LIMIT_EXCEEDED", "timestamp": "2026-08-31T12:05:00Z"},
				{"id": "evt_1", "action": "payment", "outcome": "allow", "amount": 25.5, "currency": "USD", "timestamp": "2026-08-31T12:00:00Z"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetAuditTrail(context.Background(), makeRequest(map[string]any{
		"identifier_key": "user:u1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Last 2 decision(s) for user:u1")
	assert.Contains(t, text, "BLOCK")
	assert.Contains(t, text, "500.00 USD")
	assert.Contains(t, text, "[AMOUNT_LIMIT_EXCEEDED]")
	assert.Contains(t, text, "ALLOW")
	assert.Contains(t, text, "25.50 USD")
}

func TestHandleGetAuditTrail_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"events": []any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetAuditTrail(context.Background(), makeRequest(map[string]any{
		"identifier_key": "device:d9",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No audit events for device:d9")
}

func TestHandleGetAuditTrail_MissingKey(t *testing.T) {
	h := NewHandlers(NewRiskgateClient(Config{}))
	result, err := h.HandleGetAuditTrail(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "identifier_key is required")
}

func TestHandleGetAuditTrail_CustomLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{"events": []any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	_, err := h.HandleGetAuditTrail(context.Background(), makeRequest(map[string]any{
		"identifier_key": "user:u1",
		"limit":          float64(5), // JSON numbers come as float64
	}))
	require.NoError(t, err)
}

// ============================================================
// Formatting unit tests
// ============================================================

func TestFormatDecision_MalformedJSON(t *testing.T) {
	_, err := formatDecision(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestFormatDecision_MinimalFields(t *testing.T) {
	text, err := formatDecision(json.RawMessage(`{"outcome":"allow","identifier":"user:u1","action":"login"}`))
	require.NoError(t, err)
	assert.Contains(t, text, "Decision: ALLOW")
	assert.NotContains(t, text, "Risk score")
	assert.NotContains(t, text, "Rate limit")
}

func TestFormatNanos(t *testing.T) {
	assert.Equal(t, "30s", formatNanos(int64(30*time.Second)))
	assert.Equal(t, "1m30s", formatNanos(int64(90*time.Second)))
	assert.Equal(t, "2h5m", formatNanos(int64(2*time.Hour+5*time.Minute)))
}

func TestFormatJSON_ValidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`{"a":1,"b":"two"}`))
	assert.Contains(t, result, "\"a\": 1")
	assert.Contains(t, result, "\"b\": \"two\"")
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`not json`))
	assert.Equal(t, "not json", result)
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers should return (result, nil) even on failures.
	// The failure is encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewRiskgateClient(Config{
		APIURL: "http://127.0.0.1:1", // unreachable
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"AssessTransaction", func() (*mcp.CallToolResult, error) {
			return h.HandleAssessTransaction(context.Background(), makeRequest(assessArgs()))
		}},
		{"ValidateTransaction", func() (*mcp.CallToolResult, error) {
			return h.HandleValidateTransaction(context.Background(), makeRequest(map[string]any{
				"transaction": map[string]any{"currency": "USD"},
			}))
		}},
		{"CheckRateLimit", func() (*mcp.CallToolResult, error) {
			return h.HandleCheckRateLimit(context.Background(), makeRequest(assessArgs()))
		}},
		{"GetVelocity", func() (*mcp.CallToolResult, error) {
			return h.HandleGetVelocity(context.Background(), makeRequest(map[string]any{
				"identifier_kind": "user", "identifier_value": "u1",
			}))
		}},
		{"ListRules", func() (*mcp.CallToolResult, error) {
			return h.HandleListRules(context.Background(), makeRequest(nil))
		}},
		{"GetAuditTrail", func() (*mcp.CallToolResult, error) {
			return h.HandleGetAuditTrail(context.Background(), makeRequest(map[string]any{
				"identifier_key": "user:u1",
			}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
