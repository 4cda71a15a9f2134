package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/agentgov/internal/config"
	"github.com/mbd888/agentgov/internal/logging"
	"github.com/mbd888/agentgov/internal/validation"
)

// Handler provides HTTP endpoints for the credit ledger
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up the read-only wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	w := r.Group("/credits/:wallet", validation.WalletParamMiddleware())
	w.GET("", h.GetBalance)
	w.GET("/transactions", h.GetHistory)
	w.GET("/session", h.CanStartSession)
}

// RegisterAdminRoutes sets up routes that move credits or change config.
// Callers must mount r behind admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r = r.Group("", auditActor())
	r.GET("/credit-config", h.GetConfig)
	r.PUT("/credit-config", h.UpdateConfig)

	w := r.Group("/credits/:wallet", validation.WalletParamMiddleware())
	w.POST("/grant", h.Grant)
	w.POST("/purchase", h.Purchase)
	w.POST("/first-message-bonus", h.FirstMessageBonus)
	w.POST("/deduct/turn", h.DeductTurn)
	w.POST("/deduct/agent-message", h.DeductAgentMessage)
	w.POST("/reserve", h.Reserve)
	w.POST("/consume", h.Consume)
	w.POST("/release", h.Release)
	w.GET("/audit", h.QueryAudit)
}

// auditActor copies the authenticated actor set by auth middleware into the
// request context for the audit trail.
func auditActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := c.GetString("actor"); actor != "" {
			c.Request = c.Request.WithContext(WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidWallet):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "message": err.Error()})
	case errors.Is(err, ErrDuplicatePayment):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_payment", "message": err.Error()})
	case errors.Is(err, ErrConfigUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config_unavailable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Ledger operation failed"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// GetBalance handles GET /credits/:wallet
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /credits/:wallet/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	txs, err := h.ledger.GetTransactionHistory(c.Request.Context(), c.Param("wallet"), queryLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// CanStartSession handles GET /credits/:wallet/session
func (h *Handler) CanStartSession(c *gin.Context) {
	check, err := h.ledger.CanStartSession(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// GrantRequest is the body of POST /admin/credits/:wallet/grant
type GrantRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Grant handles POST /admin/credits/:wallet/grant
func (h *Handler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount is required")
		return
	}
	ref := validation.SanitizeString(req.Reference, 200)
	res, err := h.ledger.GrantCredits(c.Request.Context(), c.Param("wallet"), req.Amount, ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PurchaseRequest is the body of POST /admin/credits/:wallet/purchase
type PurchaseRequest struct {
	MicroUnits *int64 `json:"microUnits"`
	TxID       string `json:"txid"`
}

// Purchase handles POST /admin/credits/:wallet/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MicroUnits == nil {
		badRequest(c, "microUnits is required")
		return
	}
	res, err := h.ledger.PurchaseCredits(c.Request.Context(), c.Param("wallet"), *req.MicroUnits, req.TxID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// FirstMessageBonus handles POST /admin/credits/:wallet/first-message-bonus
func (h *Handler) FirstMessageBonus(c *gin.Context) {
	granted, err := h.ledger.MaybeGrantFirstTimeCredits(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": granted})
}

// DeductRequest is the body of the deduction endpoints.
type DeductRequest struct {
	SessionID     string `json:"sessionId"`
	TargetAgentID string `json:"targetAgentId"`
}

// DeductTurn handles POST /admin/credits/:wallet/deduct/turn
func (h *Handler) DeductTurn(c *gin.Context) {
	var req DeductRequest
	_ = c.ShouldBindJSON(&req)
	res, err := h.ledger.DeductTurnCredits(c.Request.Context(), c.Param("wallet"), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeductAgentMessage handles POST /admin/credits/:wallet/deduct/agent-message
func (h *Handler) DeductAgentMessage(c *gin.Context) {
	var req DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetAgentID == "" {
		badRequest(c, "targetAgentId is required")
		return
	}
	res, err := h.ledger.DeductAgentMessageCredits(c.Request.Context(), c.Param("wallet"), req.TargetAgentID, req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Reserve handles POST /admin/credits/:wallet/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var req struct {
		MemberCount int `json:"memberCount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "memberCount is required")
		return
	}
	res, err := h.ledger.ReserveGroupCredits(c.Request.Context(), c.Param("wallet"), req.MemberCount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type amountRequest struct {
	Amount *int64 `json:"amount"`
}

// Consume handles POST /admin/credits/:wallet/consume
func (h *Handler) Consume(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == nil {
		badRequest(c, "amount is required")
		return
	}
	bal, err := h.ledger.ConsumeReservedCredits(c.Request.Context(), c.Param("wallet"), *req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// Release handles POST /admin/credits/:wallet/release
func (h *Handler) Release(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == nil {
		badRequest(c, "amount is required")
		return
	}
	bal, err := h.ledger.ReleaseReservedCredits(c.Request.Context(), c.Param("wallet"), *req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// QueryAudit handles GET /admin/credits/:wallet/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	entries, err := h.ledger.QueryAudit(c.Request.Context(), c.Param("wallet"), queryLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetConfig handles GET /admin/credit-config
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.ledger.Config(), "keys": config.CreditKeys()})
}

// UpdateConfig handles PUT /admin/credit-config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "key and value are required")
		return
	}
	if err := h.ledger.UpdateConfig(c.Request.Context(), req.Key, req.Value); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": h.ledger.Config()})
}
