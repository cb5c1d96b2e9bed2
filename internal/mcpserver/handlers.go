package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RiskgateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RiskgateClient) *Handlers {
	return &Handlers{client: client}
}

// identityArgs pulls the common identifier/action arguments out of a request.
func identityArgs(req mcp.CallToolRequest) (map[string]any, string) {
	kind := req.GetString("identifier_kind", "")
	value := req.GetString("identifier_value", "")
	action := req.GetString("action", "")
	if kind == "" || value == "" {
		return nil, "identifier_kind and identifier_value are required"
	}
	args := map[string]any{
		"identifierKind":  kind,
		"identifierValue": value,
		"action":          action,
	}
	if amount := req.GetFloat("amount", 0); amount > 0 {
		args["amount"] = amount
	}
	if tier := req.GetString("tier", ""); tier != "" {
		args["tier"] = tier
	}
	args["verified"] = req.GetBool("verified", false)
	return args, ""
}

// HandleAssessTransaction runs a full risk evaluation.
func (h *Handlers) HandleAssessTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errMsg := identityArgs(req)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}
	if args["action"] == "" {
		return mcp.NewToolResultError("action is required"), nil
	}
	if currency := req.GetString("currency", ""); currency != "" {
		args["currency"] = currency
	}

	raw, err := h.client.Assess(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assessment failed: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleValidateTransaction runs cross-field validation only.
func (h *Handlers) HandleValidateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txRaw := req.GetArguments()["transaction"]
	tx, ok := txRaw.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("transaction object is required"), nil
	}

	raw, err := h.client.Validate(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Validation failed: %v", err)), nil
	}

	var resp struct {
		Valid      bool `json:"valid"`
		Violations []struct {
			Path    string `json:"path"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.Valid {
		return mcp.NewToolResultText("Transaction is valid: all business rules passed."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction failed %d business rule(s):\n\n", len(resp.Violations))
	for _, v := range resp.Violations {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", v.Code, v.Path, v.Message)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckRateLimit runs a non-consuming limit check.
func (h *Handlers) HandleCheckRateLimit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errMsg := identityArgs(req)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}
	if args["action"] == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	raw, err := h.client.CheckRateLimit(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rate limit check failed: %v", err)), nil
	}

	var status struct {
		Allowed    bool   `json:"allowed"`
		State      string `json:"state"`
		Code       string `json:"code"`
		Remaining  int64  `json:"remaining"`
		ResetTime  string `json:"resetTime"`
		RetryAfter int64  `json:"retryAfter"`
		Exempt     bool   `json:"exempt"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}

	var sb strings.Builder
	if status.Allowed {
		sb.WriteString("ALLOWED")
	} else {
		sb.WriteString("DENIED")
	}
	fmt.Fprintf(&sb, " (state: %s)\n", status.State)
	if status.Code != "" {
		fmt.Fprintf(&sb, "Code: %s\n", status.Code)
	}
	fmt.Fprintf(&sb, "Remaining in window: %d\n", status.Remaining)
	if status.ResetTime != "" {
		fmt.Fprintf(&sb, "Window resets: %s\n", status.ResetTime)
	}
	if !status.Allowed && status.RetryAfter > 0 {
		fmt.Fprintf(&sb, "Retry after: %s\n", formatNanos(status.RetryAfter))
	}
	if status.Exempt {
		fmt.Fprintf(&sb, "Exempt: yes (%s)\n", status.Reason)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetVelocity returns window usage for an identifier.
func (h *Handlers) HandleGetVelocity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("identifier_kind", "")
	value := req.GetString("identifier_value", "")
	if kind == "" || value == "" {
		return mcp.NewToolResultError("identifier_kind and identifier_value are required"), nil
	}
	action := req.GetString("action", "")

	raw, err := h.client.GetVelocity(ctx, kind, value, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Velocity lookup failed: %v", err)), nil
	}

	var resp struct {
		Identifier string `json:"identifier"`
		Action     string `json:"action"`
		Windows    map[string]struct {
			Count int64   `json:"count"`
			Sum   float64 `json:"sum"`
		} `json:"windows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse velocity: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Velocity for %s (%s):\n", resp.Identifier, resp.Action)
	for window, u := range resp.Windows {
		fmt.Fprintf(&sb, "- %s: %d attempt(s), %.2f total\n", window, u.Count, u.Sum)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListRules returns the rule catalogue.
func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListRules(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}

	var resp struct {
		Rules []struct {
			ID       string  `json:"id"`
			Name     string  `json:"name"`
			Type     string  `json:"type"`
			Weight   float64 `json:"weight"`
			Severity string  `json:"severity"`
			Enabled  bool    `json:"enabled"`
		} `json:"rules"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}
	if len(resp.Rules) == 0 {
		return mcp.NewToolResultText("No rules configured."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rule(s):\n\n", len(resp.Rules))
	for _, r := range resp.Rules {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "- %s (%s): type=%s weight=%.2f severity=%s [%s]\n",
			r.ID, r.Name, r.Type, r.Weight, r.Severity, state)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetAuditTrail returns the recent decision history for an identifier.
func (h *Handlers) HandleGetAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("identifier_key", "")
	if key == "" {
		return mcp.NewToolResultError("identifier_key is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetAuditTrail(ctx, key, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Audit lookup failed: %v", err)), nil
	}

	var resp struct {
		Events []struct {
			ID        string  `json:"id"`
			Action    string  `json:"action"`
			Outcome   string  `json:"outcome"`
			Amount    float64 `json:"amount"`
			Currency  string  `json:"currency"`
			RateLimit string  `json:"rateLimitCode"`
			Timestamp string  `json:"timestamp"`
		} `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit trail: %v", err)), nil
	}
	if len(resp.Events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No audit events for %s.", key)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d decision(s) for %s:\n\n", len(resp.Events), key)
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "- %s %s %s", e.Timestamp, e.Action, strings.ToUpper(e.Outcome))
		if e.Amount > 0 {
			fmt.Fprintf(&sb, " %.2f %s", e.Amount, e.Currency)
		}
		if e.RateLimit != "" {
			fmt.Fprintf(&sb, " [%s]", e.RateLimit)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// formatDecision renders an assessment decision for the LLM.
func formatDecision(raw json.RawMessage) (string, error) {
	var d struct {
		ID         string   `json:"id"`
		Identifier string   `json:"identifier"`
		Action     string   `json:"action"`
		Outcome    string   `json:"outcome"`
		Reasons    []string `json:"reasons"`
		Violations []struct {
			Path    string `json:"path"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"violations"`
		Assessment *struct {
			OverallScore   float64 `json:"overallScore"`
			Level          string  `json:"level"`
			Recommendation string  `json:"recommendation"`
			RiskFactors    []struct {
				Name         string  `json:"name"`
				Severity     string  `json:"severity"`
				Contribution float64 `json:"contribution"`
				Description  string  `json:"description"`
			} `json:"riskFactors"`
			SuggestedActions []string `json:"suggestedActions"`
		} `json:"riskAssessment"`
		RateLimit *struct {
			Allowed   bool   `json:"allowed"`
			State     string `json:"state"`
			Code      string `json:"code"`
			Remaining int64  `json:"remaining"`
		} `json:"rateLimit"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\n", strings.ToUpper(d.Outcome))
	fmt.Fprintf(&sb, "Identifier: %s\n", d.Identifier)
	fmt.Fprintf(&sb, "Action: %s\n", d.Action)

	if len(d.Violations) > 0 {
		fmt.Fprintf(&sb, "\nBusiness rule violations (%d):\n", len(d.Violations))
		for _, v := range d.Violations {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", v.Code, v.Path, v.Message)
		}
	}

	if a := d.Assessment; a != nil {
		fmt.Fprintf(&sb, "\nRisk score: %.2f (%s)\n", a.OverallScore, a.Level)
		fmt.Fprintf(&sb, "Recommendation: %s\n", a.Recommendation)
		if len(a.RiskFactors) > 0 {
			sb.WriteString("Top factors:\n")
			for _, f := range a.RiskFactors {
				fmt.Fprintf(&sb, "- %s (%s, +%.2f)", f.Name, f.Severity, f.Contribution)
				if f.Description != "" {
					fmt.Fprintf(&sb, ": %s", f.Description)
				}
				sb.WriteString("\n")
			}
		}
		if len(a.SuggestedActions) > 0 {
			fmt.Fprintf(&sb, "Suggested actions: %s\n", strings.Join(a.SuggestedActions, ", "))
		}
	}

	if rl := d.RateLimit; rl != nil {
		fmt.Fprintf(&sb, "\nRate limit: ")
		if rl.Allowed {
			fmt.Fprintf(&sb, "allowed (state %s, %d remaining)\n", rl.State, rl.Remaining)
		} else {
			fmt.Fprintf(&sb, "DENIED (%s)\n", rl.Code)
		}
	}

	return sb.String(), nil
}

// formatNanos renders a nanosecond duration integer as a human string.
func formatNanos(ns int64) string {
	secs := ns / 1e9
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm%ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%dm", secs/3600, (secs%3600)/60)
}

// formatJSON pretty-prints raw JSON for display.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
