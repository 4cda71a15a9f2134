package attestation

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/agentgov/internal/logging"
	"github.com/mbd888/agentgov/internal/reputation"
	"github.com/mbd888/agentgov/internal/validation"
)

// ScoreSource supplies the snapshot an attestation is built from.
type ScoreSource interface {
	GetScore(ctx context.Context, agentID string, refresh bool) (*reputation.Score, error)
}

// Handler provides HTTP endpoints for attestations
type Handler struct {
	service *Service
	scores  ScoreSource
}

// NewHandler creates a new attestation handler. Pass nil for both when the
// reputation service is disabled; every route then answers 503.
func NewHandler(service *Service, scores ScoreSource) *Handler {
	return &Handler{service: service, scores: scores}
}

// RegisterRoutes sets up attestation endpoints under the reputation group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/attestation/:agentId", reputation.RequireService(h.service != nil && h.scores != nil), agentParam())
	g.GET("", h.GetAttestation)
	g.POST("", h.CreateAttestation)
	g.POST("/verify", h.VerifyAttestation)
	g.POST("/publish", h.PublishAttestation)
}

func agentParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !validation.IsValidAgentID(c.Param("agentId")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_agent_id",
				"message": "agentId is missing or malformed",
			})
			return
		}
		c.Next()
	}
}

// GetAttestation handles GET /v1/reputation/attestation/:agentId
func (h *Handler) GetAttestation(c *gin.Context) {
	a, err := h.service.GetAttestation(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// CreateAttestation handles POST /v1/reputation/attestation/:agentId
func (h *Handler) CreateAttestation(c *gin.Context) {
	agentID := c.Param("agentId")
	score, err := h.scores.GetScore(c.Request.Context(), agentID, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	a, err := h.service.CreateAttestation(c.Request.Context(), score)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"hash":       a.Hash,
		"agentId":    agentID,
		"trustLevel": score.TrustLevel,
	})
}

type hashRequest struct {
	Hash string `json:"hash"`
}

// VerifyAttestation checks a hash against the agent's current cached score.
// POST /v1/reputation/attestation/:agentId/verify
func (h *Handler) VerifyAttestation(c *gin.Context) {
	var req hashRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'hash'",
		})
		return
	}
	agentID := c.Param("agentId")
	score, err := h.scores.GetScore(c.Request.Context(), agentID, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":   h.service.VerifyAttestation(score, req.Hash),
		"agentId": agentID,
		"hash":    req.Hash,
	})
}

// PublishAttestation anchors an attestation on chain. Without a hash in the
// body the latest attestation is published.
// POST /v1/reputation/attestation/:agentId/publish
func (h *Handler) PublishAttestation(c *gin.Context) {
	if !h.service.CanPublish() {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "publishing_disabled",
			"message": "No chain sender is configured",
		})
		return
	}

	var req hashRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Request body must be a JSON object",
			})
			return
		}
	}

	ctx := c.Request.Context()
	agentID := c.Param("agentId")
	if req.Hash == "" {
		latest, err := h.service.GetAttestation(ctx, agentID)
		if err != nil {
			h.fail(c, err)
			return
		}
		req.Hash = latest.Hash
	}

	a, err := h.service.PublishOnChain(ctx, agentID, req.Hash, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Attestation not found"})
	case errors.Is(err, reputation.ErrInvalidAgentID), errors.Is(err, ErrInvalidScore):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_agent_id", "message": "agentId is missing or malformed"})
	case errors.Is(err, ErrPublisherUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publisher_unavailable", "message": "Chain publisher is temporarily unavailable"})
	case errors.Is(err, ErrNoChainSender):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "publishing_disabled", "message": "No chain sender is configured"})
	case errors.Is(err, ErrSendFailed):
		logging.L(c.Request.Context()).Warn("attestation publish failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "publish_failed", "message": "Chain transaction was not accepted"})
	default:
		logging.L(c.Request.Context()).Error("attestation request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Attestation request failed"})
	}
}
