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
	client *EngineClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EngineClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAccountStatus returns one account's state, scores, and budgets.
func (h *Handlers) HandleAccountStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.GetAccountStatus(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account status: %v", err)), nil
	}

	text, err := formatAccountStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAccounts lists managed accounts.
func (h *Handlers) HandleListAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAccounts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list accounts: %v", err)), nil
	}

	text, err := formatAccountList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account list: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAdvanceAccount attempts a forward transition.
func (h *Handlers) HandleAdvanceAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.AdvanceAccount(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to advance account: %v", err)), nil
	}

	var result struct {
		Advanced bool   `json:"advanced"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	if result.Advanced {
		return mcp.NewToolResultText(fmt.Sprintf("Account advanced: %s", result.Reason)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account not advanced: %s", result.Reason)), nil
}

// HandleRollbackAccount steps an account backward.
func (h *Handlers) HandleRollbackAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	reason := req.GetString("reason", "")
	if accountID == "" || reason == "" {
		return mcp.NewToolResultError("account_id and reason are required"), nil
	}
	hard := req.GetBool("hard", false)

	if _, err := h.client.RollbackAccount(ctx, accountID, reason, hard); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to roll back account: %v", err)), nil
	}

	if hard {
		return mcp.NewToolResultText(fmt.Sprintf("Account %s rolled back to cooldown.", accountID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %s rolled back one stage.", accountID)), nil
}

// HandleLockAccount freezes an account for review.
func (h *Handlers) HandleLockAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	reason := req.GetString("reason", "")
	if accountID == "" || reason == "" {
		return mcp.NewToolResultError("account_id and reason are required"), nil
	}

	if _, err := h.client.LockAccount(ctx, accountID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to lock account: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Account %s locked for manual review.\nReason: %s", accountID, reason)), nil
}

// HandleQueryAudit queries the audit log.
func (h *Handlers) HandleQueryAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	kind := req.GetString("kind", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.QueryAudit(ctx, accountID, kind, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query audit log: %v", err)), nil
	}

	text, err := formatAuditEntries(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit entries: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// -----------------------------------------------------------------------------
// Formatters
// -----------------------------------------------------------------------------

func formatAccountStatus(raw json.RawMessage) (string, error) {
	var resp struct {
		Account struct {
			ID             string `json:"id"`
			Platform       string `json:"platform"`
			State          string `json:"state"`
			StateEnteredAt string `json:"stateEnteredAt"`
			ManualReview   bool   `json:"manualReview"`
		} `json:"account"`
		Scores struct {
			Maturity  float64 `json:"maturity"`
			Risk      float64 `json:"risk"`
			RiskTier  string  `json:"riskTier"`
			Readiness float64 `json:"readiness"`
		} `json:"scores"`
		BudgetsRemaining map[string]int `json:"budgetsRemaining"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s (%s)\n", resp.Account.ID, resp.Account.Platform)
	fmt.Fprintf(&sb, "State: %s (entered %s)\n", resp.Account.State, resp.Account.StateEnteredAt)
	if resp.Account.ManualReview {
		sb.WriteString("Flagged for manual review.\n")
	}
	fmt.Fprintf(&sb, "Maturity: %.3f | Risk: %.3f (%s) | Readiness: %.3f\n",
		resp.Scores.Maturity, resp.Scores.Risk, resp.Scores.RiskTier, resp.Scores.Readiness)

	if len(resp.BudgetsRemaining) > 0 {
		sb.WriteString("Remaining today:")
		for action, n := range resp.BudgetsRemaining {
			fmt.Fprintf(&sb, " %s=%d", action, n)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatAccountList(raw json.RawMessage) (string, error) {
	var resp struct {
		Accounts []struct {
			ID       string `json:"id"`
			Platform string `json:"platform"`
			State    string `json:"state"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return "No accounts registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d accounts:\n", len(resp.Accounts))
	for _, acc := range resp.Accounts {
		fmt.Fprintf(&sb, "- %s  %s  %s\n", acc.ID, acc.Platform, acc.State)
	}
	return sb.String(), nil
}

func formatAuditEntries(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []struct {
			AccountID string          `json:"accountId"`
			Kind      string          `json:"kind"`
			Payload   json.RawMessage `json:"payload"`
			CreatedAt string          `json:"createdAt"`
		} `json:"entries"`
		NextCursor string `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No audit entries match.", nil
	}

	var sb strings.Builder
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "[%s] %s %s %s\n", e.CreatedAt, e.AccountID, e.Kind, compactJSON(e.Payload))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore entries available (cursor: %s)", resp.NextCursor)
	}
	return sb.String(), nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
