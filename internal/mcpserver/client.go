package mcpserver

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

// Config holds the configuration for connecting to the governance API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // Optional bearer token
	AgentID string // Default agent/wallet when a tool call omits one
}

// GovClient is a thin HTTP client for the governance API.
type GovClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGovClient creates a client for the governance API.
func NewGovClient(cfg Config) *GovClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &GovClient{
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

func (c *GovClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.AgentID != "" {
		req.Header.Set("X-Agent-ID", c.cfg.AgentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}

// GetBalance returns the credit balance for a wallet.
func (c *GovClient) GetBalance(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/credits/"+url.PathEscape(wallet), nil)
}

// CheckSession asks whether a wallet may start a new session.
func (c *GovClient) CheckSession(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/credits/"+url.PathEscape(wallet)+"/session", nil)
}

// GetScore returns the agent's reputation score.
func (c *GovClient) GetScore(ctx context.Context, agentID string, refresh bool) (json.RawMessage, error) {
	var q url.Values
	if refresh {
		q = url.Values{"refresh": {"true"}}
	}
	return c.get(ctx, "/v1/reputation/scores/"+url.PathEscape(agentID), q)
}

// GetGate returns the agent's trust gate decision.
func (c *GovClient) GetGate(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/reputation/scores/"+url.PathEscape(agentID)+"/gate", nil)
}

// GetAttestation returns the agent's latest attestation.
func (c *GovClient) GetAttestation(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/reputation/attestation/"+url.PathEscape(agentID), nil)
}
