package cluster

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides operator HTTP endpoints for cluster review.
type Handler struct {
	detector *Detector
}

// NewHandler creates a new cluster handler.
func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

// RegisterAdminRoutes sets up operator-only cluster routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/clusters", h.List)
	r.GET("/clusters/:id", h.Get)
	r.POST("/clusters/:id/block", h.Block)
	r.POST("/clusters/:id/review", h.Review)
	r.POST("/clusters/:id/clear", h.Clear)
	r.POST("/clusters/recompute", h.Recompute)
}

// List handles GET /v1/admin/clusters?status=blocked
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	status := Status(c.DefaultQuery("status", string(StatusDetected)))

	clusters, err := h.detector.List(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// Get handles GET /v1/admin/clusters/:id
func (h *Handler) Get(c *gin.Context) {
	cl, err := h.detector.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrClusterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No cluster with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cluster": cl})
}

// Block handles POST /v1/admin/clusters/:id/block
func (h *Handler) Block(c *gin.Context) {
	h.transition(c, h.detector.Block)
}

// Review handles POST /v1/admin/clusters/:id/review
func (h *Handler) Review(c *gin.Context) {
	h.transition(c, h.detector.Review)
}

// Clear handles POST /v1/admin/clusters/:id/clear
func (h *Handler) Clear(c *gin.Context) {
	h.transition(c, h.detector.Clear)
}

// Recompute handles POST /v1/admin/clusters/recompute
func (h *Handler) Recompute(c *gin.Context) {
	blocked, err := h.detector.Recompute(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"newly_blocked": blocked,
		"message":       "recompute completed",
	})
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, id string) (*Cluster, error)) {
	cl, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrClusterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No cluster with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cluster": cl})
}
