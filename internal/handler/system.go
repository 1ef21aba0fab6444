package handler

import (
	"net/http"

	"github.com/aman-churiwal/ai-gateway/internal/forwarder"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	forwarder *forwarder.Forwarder
}

func NewSystemHandler(fwd *forwarder.Forwarder) *SystemHandler {
	return &SystemHandler{forwarder: fwd}
}

// Returns the status of all upstream circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.forwarder.BreakerMetrics())
}

// Manually resets the circuit breaker for an upstream base URL
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	var req struct {
		BaseURL string `json:"base_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.forwarder.ResetBreaker(req.BaseURL) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown upstream"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Circuit breaker reset successfully",
		"base_url": req.BaseURL,
	})
}
