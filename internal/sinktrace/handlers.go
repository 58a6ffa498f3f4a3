package sinktrace

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/validation"
)

// Handler provides operator HTTP endpoints for sink tracing.
type Handler struct {
	tracer *Tracer
}

// NewHandler creates a new sinktrace handler.
func NewHandler(tracer *Tracer) *Handler {
	return &Handler{tracer: tracer}
}

// RegisterAdminRoutes sets up operator-only trace routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/traces/suspicious", h.ListSuspicious)
	r.GET("/traces/:payoutTxId", h.Get)
	r.GET("/sinks", h.ListSinks)
	r.POST("/sinks", h.AddSink)
	r.DELETE("/sinks/:address", h.RemoveSink)
	r.POST("/traces/scan", h.Scan)
}

// SinkRequest is the body for registering a known sink.
type SinkRequest struct {
	Address  string `json:"address" binding:"required"`
	Category string `json:"category" binding:"required"`
	Label    string `json:"label"`
}

// ListSuspicious handles GET /v1/admin/traces/suspicious
func (h *Handler) ListSuspicious(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	traces, err := h.tracer.ListSuspicious(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"traces": traces,
		"count":  len(traces),
	})
}

// Get handles GET /v1/admin/traces/:payoutTxId
func (h *Handler) Get(c *gin.Context) {
	trace, err := h.tracer.TraceFor(c.Request.Context(), c.Param("payoutTxId"))
	if err != nil {
		if errors.Is(err, ErrTraceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No trace for that payout",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trace": trace})
}

// ListSinks handles GET /v1/admin/sinks
func (h *Handler) ListSinks(c *gin.Context) {
	sinks, err := h.tracer.ListSinks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sinks": sinks,
		"count": len(sinks),
	})
}

// AddSink handles POST /v1/admin/sinks
func (h *Handler) AddSink(c *gin.Context) {
	var req SinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address and category are required",
		})
		return
	}

	if !validation.IsValidWalletAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid sink address",
		})
		return
	}

	switch SinkCategory(req.Category) {
	case SinkExchange, SinkLPPool, SinkMixer, SinkFlaggedWallet:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown sink category",
		})
		return
	}

	sink, err := h.tracer.AddSink(c.Request.Context(), req.Address, SinkCategory(req.Category), req.Label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"sink": sink})
}

// RemoveSink handles DELETE /v1/admin/sinks/:address
func (h *Handler) RemoveSink(c *gin.Context) {
	err := h.tracer.RemoveSink(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrSinkNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No sink with that address",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "sink removed"})
}

// Scan handles POST /v1/admin/traces/scan
func (h *Handler) Scan(c *gin.Context) {
	written, err := h.tracer.Scan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"traces_written": written,
		"message":        "scan completed",
	})
}
