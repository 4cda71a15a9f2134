package reputation

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/agentgov/internal/logging"
	"github.com/mbd888/agentgov/internal/validation"
)

// UnavailableMessage is the error body for every reputation path when no
// scorer is configured.
const UnavailableMessage = "Reputation service not available"

// Handler provides HTTP endpoints for reputation scores and events
type Handler struct {
	scorer *Scorer
	logger *slog.Logger
}

// NewHandler creates a new reputation handler. A nil scorer makes every
// route answer 503.
func NewHandler(scorer *Scorer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{scorer: scorer, logger: logger}
}

// RequireService aborts with 503 when available is false.
func RequireService(available bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !available {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": UnavailableMessage})
			return
		}
		c.Next()
	}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("", RequireService(h.scorer != nil))
	g.GET("/scores", h.ListScores)
	g.GET("/scores/:agentId", h.GetScore)
	g.POST("/scores/:agentId", h.RecomputeScore)
	g.GET("/scores/:agentId/gate", h.Gate)
	g.POST("/events", h.RecordEvent)
	g.GET("/events/:agentId", h.GetEvents)
}

// RegisterAdminRoutes sets up batch recompute. Callers must mount r behind
// admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/reputation", RequireService(h.scorer != nil))
	g.POST("/recompute", h.RecomputeAll)
	g.POST("/refresh-stale", h.RefreshStale)
}

// RecomputeAll recomputes every known agent.
// POST /v1/admin/reputation/recompute
func (h *Handler) RecomputeAll(c *gin.Context) {
	scores, err := h.scorer.ComputeAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if scores == nil {
		scores = []*Score{}
	}
	h.logger.Info("reputation recompute requested", "agents", len(scores))
	c.JSON(http.StatusOK, scores)
}

// RefreshStale recomputes only stale snapshots.
// POST /v1/admin/reputation/refresh-stale
func (h *Handler) RefreshStale(c *gin.Context) {
	n, err := h.scorer.ComputeAllIfStale(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}

// ListScores returns every cached score, highest first.
// GET /v1/reputation/scores
func (h *Handler) ListScores(c *gin.Context) {
	scores, err := h.scorer.ListScores(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scores)
}

// GetScore returns the cached score, computing it on a miss or ?refresh=true.
// GET /v1/reputation/scores/:agentId
func (h *Handler) GetScore(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	score, err := h.scorer.GetScore(c.Request.Context(), c.Param("agentId"), refresh)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// RecomputeScore forces a recompute.
// POST /v1/reputation/scores/:agentId
func (h *Handler) RecomputeScore(c *gin.Context) {
	score, err := h.scorer.ComputeScore(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// Gate returns the agent's trust level and per-cycle action budget.
// GET /v1/reputation/scores/:agentId/gate
func (h *Handler) Gate(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	decision, err := h.scorer.Gate(c.Request.Context(), c.Param("agentId"), refresh)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

type recordEventRequest struct {
	AgentID     string          `json:"agentId"`
	EventType   string          `json:"eventType"`
	ScoreImpact *float64        `json:"scoreImpact"`
	Metadata    json.RawMessage `json:"metadata"`
}

// RecordEvent appends a reputation event.
// POST /v1/reputation/events
func (h *Handler) RecordEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object",
		})
		return
	}
	if req.ScoreImpact == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "scoreImpact is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("agentId", req.AgentID),
		validation.Required("eventType", req.EventType),
		validation.ValidAgentID("agentId", req.AgentID),
		validation.MaxLength("eventType", req.EventType, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	meta := req.Metadata
	if bytes.Equal(bytes.TrimSpace(meta), []byte("null")) {
		meta = nil
	}
	_, err := h.scorer.RecordEvent(c.Request.Context(), EventInput{
		AgentID:     req.AgentID,
		EventType:   EventType(req.EventType),
		ScoreImpact: *req.ScoreImpact,
		Metadata:    meta,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

// GetEvents returns an agent's events, newest first.
// GET /v1/reputation/events/:agentId
func (h *Handler) GetEvents(c *gin.Context) {
	agentID := c.Param("agentId")
	if !validation.IsValidAgentID(agentID) {
		h.fail(c, ErrInvalidAgentID)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.scorer.GetEvents(c.Request.Context(), agentID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAgentID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_agent_id", "message": "agentId is missing or malformed"})
	case errors.Is(err, ErrUnknownEventType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event_type", "message": err.Error()})
	case errors.Is(err, ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrScoreNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No score for this agent"})
	default:
		logging.L(c.Request.Context()).Error("reputation request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reputation request failed"})
	}
}
