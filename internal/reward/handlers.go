package reward

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reward operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new reward handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public reward routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rewards/claim", h.Claim)
	r.GET("/rewards/:id", h.Get)
	r.GET("/wallets/:address/rewards", h.ListByWallet)
}

// RegisterAdminRoutes sets up operator-only reward routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/rewards/pending", h.ListPending)
}

// Claim handles POST /v1/rewards/claim
func (h *Handler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet, courseId and amount are required",
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), req, c.ClientIP())
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidWallet), errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrDuplicateSignal):
			status = http.StatusConflict
			code = "already_rewarded"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"reward": r})
}

// Get handles GET /v1/rewards/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRewardNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No reward with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reward": r})
}

// ListByWallet handles GET /v1/wallets/:address/rewards
func (h *Handler) ListByWallet(c *gin.Context) {
	rewards, err := h.service.ListByWallet(c.Request.Context(), c.Param("address"), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rewards": rewards,
		"count":   len(rewards),
	})
}

// ListPending handles GET /v1/admin/rewards/pending
func (h *Handler) ListPending(c *gin.Context) {
	rewards, err := h.service.ListPending(c.Request.Context(), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rewards": rewards,
		"count":   len(rewards),
	})
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}
