package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, scorer *Scorer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(scorer, nil).RegisterRoutes(r.Group("/v1/reputation"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Unavailable(t *testing.T) {
	r := setupRouter(t, nil)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/reputation/scores"},
		{"GET", "/v1/reputation/scores/agent-1"},
		{"POST", "/v1/reputation/scores/agent-1"},
		{"POST", "/v1/reputation/events"},
		{"GET", "/v1/reputation/events/agent-1"},
	} {
		w := doJSON(r, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
		assert.JSONEq(t, `{"error":"Reputation service not available"}`, w.Body.String())
	}
}

func TestHandler_RecordEvent(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "POST", "/v1/reputation/events", map[string]any{
		"agentId":     "agent-1",
		"eventType":   "review_received",
		"scoreImpact": 0,
		"metadata":    map[string]any{"rating": 5},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	events, err := s.GetEvents(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"rating":5}`, string(events[0].Metadata))
}

func TestHandler_RecordEventRejectsBadInput(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	bodies := []map[string]any{
		{"eventType": "task_completed", "scoreImpact": 1},
		{"agentId": "agent-1", "scoreImpact": 1},
		{"agentId": "agent-1", "eventType": "task_completed"},
		{"agentId": "agent-1", "eventType": "task_started", "scoreImpact": 1},
		{"agentId": "bad agent!", "eventType": "task_completed", "scoreImpact": 1},
	}
	for _, b := range bodies {
		w := doJSON(r, "POST", "/v1/reputation/events", b)
		assert.Equal(t, http.StatusBadRequest, w.Code, b)
	}

	events, err := s.GetEvents(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandler_RecordEventValidationDetails(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "POST", "/v1/reputation/events", map[string]any{
		"agentId":     "bad agent!",
		"eventType":   "task_completed",
		"scoreImpact": 1,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"validation_error"`)
	assert.Contains(t, w.Body.String(), `"field":"agentId"`)
}

func TestHandler_GetScoreComputesOnMiss(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "GET", "/v1/reputation/scores/agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sc Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sc))
	assert.Equal(t, "agent-1", sc.AgentID)
	assert.Equal(t, 55, sc.OverallScore)
	assert.Equal(t, TrustMedium, sc.TrustLevel)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	comps := raw["components"].(map[string]any)
	for _, k := range []string{"taskCompletion", "peerRating", "creditPattern", "securityCompliance", "activityLevel"} {
		assert.Contains(t, comps, k)
	}
}

func TestHandler_RefreshAndRecompute(t *testing.T) {
	s, clk := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "POST", "/v1/reputation/scores/agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	recordAt(t, s, clk, t0, "agent-1", EventCreditEarned, "")

	w = doJSON(r, "GET", "/v1/reputation/scores/agent-1", nil)
	var cached Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cached))
	assert.Equal(t, 50, cached.Components.CreditPattern, "cached until refresh")

	w = doJSON(r, "GET", "/v1/reputation/scores/agent-1?refresh=true", nil)
	var fresh Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fresh))
	assert.Equal(t, 100, fresh.Components.CreditPattern)
}

func TestHandler_ListScores(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "GET", "/v1/reputation/scores", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	_, err := s.ComputeScore(context.Background(), "agent-1")
	require.NoError(t, err)
	w = doJSON(r, "GET", "/v1/reputation/scores", nil)
	var scores []Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scores))
	assert.Len(t, scores, 1)
}

func TestHandler_GetEvents(t *testing.T) {
	s, clk := newTestScorer(t)
	r := setupRouter(t, s)

	recordAt(t, s, clk, t0, "agent-1", EventTaskCompleted, "")
	recordAt(t, s, clk, t0, "agent-1", EventTaskCompleted, "")

	w := doJSON(r, "GET", "/v1/reputation/events/agent-1?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 1)

	w = doJSON(r, "GET", "/v1/reputation/events/agent-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandler_Gate(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "GET", "/v1/reputation/scores/agent-1/gate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d GateDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, TrustMedium, d.TrustLevel)
	assert.Equal(t, 5, d.MaxActionsPerCycle)
}

func TestHandler_InvalidAgentID(t *testing.T) {
	s, _ := newTestScorer(t)
	r := setupRouter(t, s)

	w := doJSON(r, "GET", "/v1/reputation/scores/-bad", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AdminRecompute(t *testing.T) {
	s, clk := newTestScorer(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(s, nil).RegisterAdminRoutes(r.Group("/v1/admin"))

	recordAt(t, s, clk, t0.Add(-day), "agent-a", EventTaskCompleted, "")
	recordAt(t, s, clk, t0.Add(-day), "agent-b", EventSecurityViolation, "")

	w := doJSON(r, "POST", "/v1/admin/reputation/refresh-stale", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"refreshed":2}`, w.Body.String())

	w = doJSON(r, "POST", "/v1/admin/reputation/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var scores []Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scores))
	require.Len(t, scores, 2)
	assert.Equal(t, "agent-a", scores[0].AgentID)
}
