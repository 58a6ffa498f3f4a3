package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/reward"
)

// Handler provides HTTP endpoints for payout transactions.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new payout handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.Get)
	r.GET("/payouts", h.List)
}

// RegisterAdminRoutes sets up operator-only payout routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/summary", h.Summary)
	r.GET("/payouts/nonce", h.NonceStatus)
	r.POST("/payouts/nonce/unlock", h.UnlockNonce)
	r.POST("/payouts/execute", h.Execute)
	r.POST("/payouts/:id/complete", h.CompleteManually)
}

// Get handles GET /v1/payouts/:id
func (h *Handler) Get(c *gin.Context) {
	tx, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": tx})
}

// List handles GET /v1/payouts?wallet=0x...&status=failed
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var (
		txs []*Transaction
		err error
	)
	switch {
	case c.Query("wallet") != "":
		txs, err = h.engine.ListByWallet(c.Request.Context(), c.Query("wallet"), limit)
	case c.Query("status") != "":
		txs, err = h.engine.ListByStatus(c.Request.Context(), Status(c.Query("status")), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet or status query parameter is required",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payouts": txs,
		"count":   len(txs),
	})
}

// Summary handles GET /v1/admin/payouts/summary
func (h *Handler) Summary(c *gin.Context) {
	summary, err := h.engine.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	day := c.DefaultQuery("day", Day(h.engine.now()))
	total, err := h.engine.DailyTotal(c.Request.Context(), day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"statuses": summary,
		"day":      day,
		"dayTotal": total.String(),
	})
}

// NonceStatus handles GET /v1/admin/payouts/nonce
func (h *Handler) NonceStatus(c *gin.Context) {
	state, err := h.engine.NonceStatus(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrNonceStateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No nonce state yet for the signing wallet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"nonce": state})
}

// UnlockNonce handles POST /v1/admin/payouts/nonce/unlock
func (h *Handler) UnlockNonce(c *gin.Context) {
	var body struct {
		Operator string `json:"operator"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.engine.UnlockNonce(c.Request.Context(), body.Operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "nonce lock cleared"})
}

// ExecuteRequest is the body for triggering a payout for a reward.
type ExecuteRequest struct {
	RewardID string `json:"rewardId" binding:"required"`
}

// Execute handles POST /v1/admin/payouts/execute
func (h *Handler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "rewardId is required",
		})
		return
	}

	rw, err := h.engine.rewards.Get(c.Request.Context(), req.RewardID)
	if err != nil {
		if errors.Is(err, reward.ErrRewardNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Reward not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.engine.Execute(c.Request.Context(), rw)
	if err != nil {
		var adm *AdmissionError
		switch {
		case errors.As(err, &adm):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "payout_denied",
				"reason":  adm.Reason,
				"message": adm.Error(),
			})
		case errors.Is(err, ErrNonceLocked):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "nonce_locked",
				"message": "Another payout is in flight for the signing wallet",
			})
		case errors.Is(err, ErrNonceIntegrity):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "nonce_integrity",
				"message": "Nonce lock integrity fault; operator intervention required",
			})
		case errors.Is(err, reward.ErrNotPending), errors.Is(err, reward.ErrAlreadyFinal):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_payable",
				"message": err.Error(),
			})
		case errors.Is(err, ErrActivePayout):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "payout_in_flight",
				"message": "Another payout attempt is active for this reward",
			})
		case errors.Is(err, ErrRetriesExhausted):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "retries_exhausted",
				"message": "Payout retry cap reached for this reward",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "payout_failed",
				"message": err.Error(),
				"payout":  tx,
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": tx})
}

// CompleteRequest is the body for manually completing a payout.
type CompleteRequest struct {
	TxHash   string `json:"txHash"`
	Operator string `json:"operator"`
}

// CompleteManually handles POST /v1/admin/payouts/:id/complete
func (h *Handler) CompleteManually(c *gin.Context) {
	var req CompleteRequest
	_ = c.ShouldBindJSON(&req)

	tx, err := h.engine.CompleteManually(c.Request.Context(), c.Param("id"), req.TxHash, req.Operator)
	if err != nil {
		switch {
		case errors.Is(err, ErrTxNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout transaction not found",
			})
		case errors.Is(err, ErrNotCompletable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_completed",
				"message": "Payout transaction is already completed",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": tx})
}
