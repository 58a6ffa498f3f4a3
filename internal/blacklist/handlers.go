package blacklist

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides operator HTTP endpoints for the blacklist.
type Handler struct {
	service *Service
}

// NewHandler creates a new blacklist handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator-only blacklist routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/blacklist", h.List)
	r.GET("/blacklist/:wallet", h.Get)
	r.POST("/blacklist", h.Add)
	r.POST("/blacklist/:wallet/deactivate", h.Deactivate)
}

// AddRequest is the body for manually blacklisting a wallet.
type AddRequest struct {
	Wallet   string   `json:"wallet" binding:"required"`
	Reason   string   `json:"reason"`
	Severity string   `json:"severity"`
	Note     string   `json:"note"`
	Operator string   `json:"operator"`
	TxHashes []string `json:"txHashes"`
}

// List handles GET /v1/admin/blacklist
func (h *Handler) List(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	activeOnly := c.Query("all") == ""

	entries, err := h.service.List(c.Request.Context(), activeOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Get handles GET /v1/admin/blacklist/:wallet
func (h *Handler) Get(c *gin.Context) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No active blacklist entry for this wallet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// Add handles POST /v1/admin/blacklist
func (h *Handler) Add(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet is required",
		})
		return
	}

	reason := Reason(req.Reason)
	if reason == "" {
		reason = ReasonManual
	}
	severity := Severity(req.Severity)
	if severity == "" {
		severity = SeverityBlocked
	}

	entry, err := h.service.Add(c.Request.Context(), req.Wallet, reason, severity,
		Evidence{Note: req.Note, TxHashes: req.TxHashes}, req.Operator)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if errors.Is(err, ErrInvalidWallet) {
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// Deactivate handles POST /v1/admin/blacklist/:wallet/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	var body struct {
		Operator string `json:"operator"`
	}
	_ = c.ShouldBindJSON(&body)

	err := h.service.Deactivate(c.Request.Context(), c.Param("wallet"), body.Operator)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No active blacklist entry for this wallet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "entry deactivated"})
}
