package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckCredits = mcp.NewTool("check_credits",
	mcp.WithDescription(
		"Check the credit balance of a wallet. "+
			"Shows available credits, reserved credits, and lifetime purchased/consumed totals."),
	mcp.WithString("wallet",
		mcp.Description("Wallet address (e.g. '0xabc...'). Defaults to the configured agent.")),
)

var ToolCheckSession = mcp.NewTool("check_session",
	mcp.WithDescription(
		"Check whether a wallet has enough credits to start a new session. "+
			"Call this before starting work that consumes credits."),
	mcp.WithString("wallet",
		mcp.Description("Wallet address. Defaults to the configured agent.")),
)

var ToolGetTrustScore = mcp.NewTool("get_trust_score",
	mcp.WithDescription(
		"Get the reputation score (0-100) and trust level of an agent, with the per-component breakdown "+
			"(task completion, peer rating, credit pattern, security compliance, activity level)."),
	mcp.WithString("agent_id",
		mcp.Description("Agent identifier. Defaults to the configured agent.")),
	mcp.WithBoolean("refresh",
		mcp.Description("Recompute the score instead of returning the cached one")),
)

var ToolGetActionBudget = mcp.NewTool("get_action_budget",
	mcp.WithDescription(
		"Get how many autonomous actions an agent may take per cycle based on its trust level. "+
			"Untrusted agents get zero actions."),
	mcp.WithString("agent_id",
		mcp.Description("Agent identifier. Defaults to the configured agent.")),
)

var ToolGetAttestation = mcp.NewTool("get_attestation",
	mcp.WithDescription(
		"Get the latest reputation attestation for an agent: the SHA-256 hash of its score "+
			"and, when published, the on-chain transaction id."),
	mcp.WithString("agent_id",
		mcp.Description("Agent identifier. Defaults to the configured agent.")),
)
