package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the cadence MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAccountStatus = mcp.NewTool("account_status",
	mcp.WithDescription(
		"Get the full status of a managed account: lifecycle state, maturity, "+
			"risk and readiness scores, and remaining daily action budgets per type."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID (e.g. 'acct_a1b2c3...')")),
)

var ToolListAccounts = mcp.NewTool("list_accounts",
	mcp.WithDescription(
		"List managed accounts with their platform and current lifecycle state. "+
			"Use this to find account IDs before calling other tools."),
)

var ToolAdvanceAccount = mcp.NewTool("advance_account",
	mcp.WithDescription(
		"Attempt to advance an account to the next lifecycle stage. "+
			"The engine re-checks dwell time, maturity, and risk thresholds; a 'not yet' "+
			"result includes the specific threshold that was not met."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID to advance")),
)

var ToolRollbackAccount = mcp.NewTool("rollback_account",
	mcp.WithDescription(
		"Roll an account back one lifecycle stage in response to a risk signal. "+
			"Use hard=true to drop a mature account straight to cooldown."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID to roll back")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the rollback is needed (recorded in the audit log)")),
	mcp.WithBoolean("hard",
		mcp.Description("Drop directly to cooldown instead of stepping back one stage")),
)

var ToolLockAccount = mcp.NewTool("lock_account",
	mcp.WithDescription(
		"Freeze an account for manual review. All actions are denied until an "+
			"operator unpauses it; accounts left paused past the quarantine period retire."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID to lock")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the account is being locked (recorded in the audit log)")),
)

var ToolQueryAudit = mcp.NewTool("query_audit",
	mcp.WithDescription(
		"Query the append-only audit log of lifecycle transitions, admission "+
			"decisions, and risk events, newest first."),
	mcp.WithString("account_id",
		mcp.Description("Filter to one account's history")),
	mcp.WithString("kind",
		mcp.Description("Filter by event kind"),
		mcp.Enum("account_created", "transition", "action_confirmed", "action_failed",
			"risk_event", "security_violation", "lock", "reservation_expired")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)
