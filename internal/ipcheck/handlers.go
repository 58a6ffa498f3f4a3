package ipcheck

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides operator HTTP endpoints for the risk signal store.
type Handler struct {
	service *Service
}

// NewHandler creates a new ipcheck handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator-only risk routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/risk/:identifier", h.Check)
	r.POST("/risk/:identifier/refresh", h.Refresh)
	r.GET("/risk/suspicious", h.ListSuspicious)
	r.GET("/risk/stats", h.Stats)
}

// Check handles GET /v1/admin/risk/:identifier
func (h *Handler) Check(c *gin.Context) {
	signal, err := h.service.Score(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if errors.Is(err, ErrInvalidIdentifier) {
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"signal": signal})
}

// Refresh handles POST /v1/admin/risk/:identifier/refresh
func (h *Handler) Refresh(c *gin.Context) {
	signal, err := h.service.Refresh(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidIdentifier):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrOracleUnavailable):
			status = http.StatusBadGateway
			code = "oracle_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"signal": signal})
}

// ListSuspicious handles GET /v1/admin/risk/suspicious
func (h *Handler) ListSuspicious(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	signals, err := h.service.ListSuspicious(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"count":   len(signals),
	})
}

// Stats handles GET /v1/admin/risk/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
