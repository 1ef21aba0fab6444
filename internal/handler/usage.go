package handler

import (
	"net/http"

	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Exposes tenant-level quota usage from the rate limiter
type UsageHandler struct {
	limiter *ratelimit.Limiter
}

func NewUsageHandler(limiter *ratelimit.Limiter) *UsageHandler {
	return &UsageHandler{limiter: limiter}
}

// Handles GET /admin/tenants/:tenantId/usage
func (h *UsageHandler) Get(c *gin.Context) {
	tenantID := c.Param("tenantId")

	ctx := c.Request.Context()
	tenantUsage, err := h.limiter.GetUsage(ctx, tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID,
		"usage":     tenantUsage,
	})
}

// Handles DELETE /admin/tenants/:tenantId/usage. Clears the tenant's
// bucket and current-period quota counters.
func (h *UsageHandler) Reset(c *gin.Context) {
	tenantID := c.Param("tenantId")

	ctx := c.Request.Context()
	if err := h.limiter.ResetUsage(ctx, tenantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Usage reset", "tenant_id": tenantID})
}
