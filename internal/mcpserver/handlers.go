package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client       *GovClient
	defaultAgent string
}

// NewHandlers creates a new Handlers instance. defaultAgent is used when a
// tool call does not name a wallet or agent.
func NewHandlers(client *GovClient, defaultAgent string) *Handlers {
	return &Handlers{client: client, defaultAgent: defaultAgent}
}

func (h *Handlers) target(req mcp.CallToolRequest, key string) string {
	if v := strings.TrimSpace(req.GetString(key, "")); v != "" {
		return v
	}
	return h.defaultAgent
}

// HandleCheckCredits returns a wallet's credit balance.
func (h *Handlers) HandleCheckCredits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := h.target(req, "wallet")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}

	raw, err := h.client.GetBalance(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check credits: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckSession reports whether a wallet may start a session.
func (h *Handlers) HandleCheckSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := h.target(req, "wallet")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}

	raw, err := h.client.CheckSession(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check session: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session check: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTrustScore returns an agent's reputation score.
func (h *Handlers) HandleGetTrustScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := h.target(req, "agent_id")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetScore(ctx, agentID, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trust score: %v", err)), nil
	}

	text, err := formatScore(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetActionBudget returns an agent's per-cycle action budget.
func (h *Handlers) HandleGetActionBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := h.target(req, "agent_id")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetGate(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get action budget: %v", err)), nil
	}

	text, err := formatGate(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse gate decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAttestation returns an agent's latest attestation.
func (h *Handlers) HandleGetAttestation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := h.target(req, "agent_id")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetAttestation(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get attestation: %v", err)), nil
	}

	text, err := formatAttestation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse attestation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- formatting ---

type balanceView struct {
	WalletAddress  string `json:"walletAddress"`
	Credits        int64  `json:"credits"`
	Reserved       int64  `json:"reserved"`
	Available      int64  `json:"available"`
	TotalPurchased int64  `json:"totalPurchased"`
	TotalConsumed  int64  `json:"totalConsumed"`
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Balance *balanceView `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Balance == nil {
		return "", fmt.Errorf("missing balance in response")
	}
	b := resp.Balance

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet: %s\n", b.WalletAddress)
	fmt.Fprintf(&sb, "Available: %d credits\n", b.Available)
	if b.Reserved > 0 {
		fmt.Fprintf(&sb, "Reserved: %d credits\n", b.Reserved)
	}
	fmt.Fprintf(&sb, "Lifetime: %d purchased, %d consumed", b.TotalPurchased, b.TotalConsumed)
	return sb.String(), nil
}

func formatSession(raw json.RawMessage) (string, error) {
	var check struct {
		Allowed bool   `json:"allowed"`
		Credits int64  `json:"credits"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &check); err != nil {
		return "", err
	}
	if check.Allowed {
		return fmt.Sprintf("Session allowed. %d credits available.", check.Credits), nil
	}
	reason := check.Reason
	if reason == "" {
		reason = "not enough credits"
	}
	return fmt.Sprintf("Session not allowed: %s", reason), nil
}

func formatScore(raw json.RawMessage) (string, error) {
	var s struct {
		AgentID      string         `json:"agentId"`
		OverallScore int            `json:"overallScore"`
		TrustLevel   string         `json:"trustLevel"`
		Components   map[string]int `json:"components"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent: %s\n", s.AgentID)
	fmt.Fprintf(&sb, "Score: %d/100 (%s)\n", s.OverallScore, s.TrustLevel)
	for _, k := range []string{"taskCompletion", "peerRating", "creditPattern", "securityCompliance", "activityLevel"} {
		if v, ok := s.Components[k]; ok {
			fmt.Fprintf(&sb, "  %s: %d\n", k, v)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatGate(raw json.RawMessage) (string, error) {
	var g struct {
		AgentID            string `json:"agentId"`
		OverallScore       int    `json:"overallScore"`
		TrustLevel         string `json:"trustLevel"`
		MaxActionsPerCycle int    `json:"maxActionsPerCycle"`
		Allowed            bool   `json:"allowed"`
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return "", err
	}
	if !g.Allowed {
		return fmt.Sprintf("Agent %s is %s (score %d): no autonomous actions allowed.", g.AgentID, g.TrustLevel, g.OverallScore), nil
	}
	return fmt.Sprintf("Agent %s is %s (score %d): up to %d actions per cycle.",
		g.AgentID, g.TrustLevel, g.OverallScore, g.MaxActionsPerCycle), nil
}

func formatAttestation(raw json.RawMessage) (string, error) {
	var a struct {
		AgentID     string `json:"agentId"`
		Hash        string `json:"hash"`
		TxID        string `json:"txid"`
		PublishedAt string `json:"publishedAt"`
		CreatedAt   string `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent: %s\n", a.AgentID)
	fmt.Fprintf(&sb, "Hash: %s\n", a.Hash)
	fmt.Fprintf(&sb, "Created: %s\n", a.CreatedAt)
	if a.TxID != "" {
		fmt.Fprintf(&sb, "Published: tx %s at %s", a.TxID, a.PublishedAt)
	} else {
		sb.WriteString("Published: no")
	}
	return sb.String(), nil
}
