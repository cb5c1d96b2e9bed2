package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the riskgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAssessTransaction = mcp.NewTool("assess_transaction",
	mcp.WithDescription(
		"Run a full risk evaluation for a payment or authentication attempt. "+
			"Returns a composite risk score (0-100), risk level, recommendation "+
			"(approve/review/challenge/decline), triggered rules, and the rate limit verdict. "+
			"Use this before letting a transaction proceed."),
	mcp.WithString("identifier_kind",
		mcp.Required(),
		mcp.Description("Identifier kind: 'ip', 'user', 'email', 'api_key', 'session', or 'device'"),
		mcp.Enum("ip", "user", "email", "api_key", "session", "device")),
	mcp.WithString("identifier_value",
		mcp.Required(),
		mcp.Description("The identifier value (e.g. '203.0.113.7' or 'user_123')")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("The action being attempted (e.g. 'payment', 'login', 'signup')")),
	mcp.WithNumber("amount",
		mcp.Description("Transaction amount in the given currency, if a payment")),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 currency code (e.g. 'USD')")),
	mcp.WithString("tier",
		mcp.Description("Rate limit tier of the identity"),
		mcp.Enum("BASIC", "PREMIUM", "VIP")),
	mcp.WithBoolean("verified",
		mcp.Description("Whether the identity has completed verification")),
)

var ToolValidateTransaction = mcp.NewTool("validate_transaction",
	mcp.WithDescription(
		"Validate a transaction's cross-field business rules without scoring it: "+
			"line item totals, amount bounds, discount/trial exclusivity, temporal "+
			"consistency, and shipping requirements. Returns every violation at once."),
	mcp.WithObject("transaction",
		mcp.Required(),
		mcp.Description("The transaction document: currency, items, subtotal, tax, shipping, total, optional discount/trial/addresses")),
)

var ToolCheckRateLimit = mcp.NewTool("check_rate_limit",
	mcp.WithDescription(
		"Check whether an identifier is within its tier's rate limits without "+
			"consuming quota. Shows remaining requests, reset time, penalty state, "+
			"and retry-after when blocked."),
	mcp.WithString("identifier_kind",
		mcp.Required(),
		mcp.Description("Identifier kind: 'ip', 'user', 'email', 'api_key', 'session', or 'device'"),
		mcp.Enum("ip", "user", "email", "api_key", "session", "device")),
	mcp.WithString("identifier_value",
		mcp.Required(),
		mcp.Description("The identifier value")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("The action to check (e.g. 'payment')")),
	mcp.WithNumber("amount",
		mcp.Description("Amount of the prospective transaction, for amount caps")),
	mcp.WithString("tier",
		mcp.Description("Rate limit tier"),
		mcp.Enum("BASIC", "PREMIUM", "VIP")),
	mcp.WithBoolean("verified",
		mcp.Description("Whether the identity has completed verification")),
)

var ToolGetVelocity = mcp.NewTool("get_velocity",
	mcp.WithDescription(
		"Get current velocity counters for an identifier: attempt counts and "+
			"amount sums per time window (minute, hour, day, week)."),
	mcp.WithString("identifier_kind",
		mcp.Required(),
		mcp.Description("Identifier kind"),
		mcp.Enum("ip", "user", "email", "api_key", "session", "device")),
	mcp.WithString("identifier_value",
		mcp.Required(),
		mcp.Description("The identifier value")),
	mcp.WithString("action",
		mcp.Description("The action to inspect (default 'payment')")),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription(
		"List the risk rule catalogue: rule IDs, types, weights, severities, "+
			"and whether each rule is enabled."),
)

var ToolGetAuditTrail = mcp.NewTool("get_audit_trail",
	mcp.WithDescription(
		"Get the recent decision history for an identifier: outcomes, scores, "+
			"violations, and rate limit codes. Useful for investigating why an "+
			"identity was blocked."),
	mcp.WithString("identifier_key",
		mcp.Required(),
		mcp.Description("Canonical identifier key, 'kind:value' (e.g. 'user:user_123')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
)
