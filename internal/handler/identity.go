package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Manages per-identity limit overrides, gift credits and usage counters
type IdentityHandler struct {
	db         *gorm.DB
	accounting *usage.Accounting
}

func NewIdentityHandler(db *gorm.DB, accounting *usage.Accounting) *IdentityHandler {
	return &IdentityHandler{db: db, accounting: accounting}
}

// Handles GET /admin/projects/:id/identities/:identity
func (h *IdentityHandler) GetOverride(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	override, err := h.accounting.Override(ctx, projectID, identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if override == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No override for this identity"})
		return
	}

	c.JSON(http.StatusOK, override)
}

// Handles POST /admin/projects/:id/identities/:identity/gift
func (h *IdentityHandler) Gift(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	var req struct {
		Tokens   int64 `json:"tokens"`
		Requests int64 `json:"requests"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Tokens < 0 || req.Requests < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Gift amounts must not be negative"})
		return
	}
	if req.Tokens == 0 && req.Requests == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to gift"})
		return
	}

	ctx := c.Request.Context()
	if err := h.accounting.GiftCredits(ctx, projectID, identity, req.Tokens, req.Requests); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Credits gifted",
		"tokens":   req.Tokens,
		"requests": req.Requests,
	})
}

// Handles PUT /admin/projects/:id/identities/:identity/limits
func (h *IdentityHandler) SetLimits(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	// null clears the override back to tier/project defaults
	var req struct {
		RequestLimit *int64 `json:"request_limit"`
		TokenLimit   *int64 `json:"token_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.accounting.SetLimits(ctx, projectID, identity, req.RequestLimit, req.TokenLimit); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Limits updated"})
}

// Handles PUT /admin/projects/:id/identities/:identity/unlimited
func (h *IdentityHandler) SetUnlimited(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	var req struct {
		Until *time.Time `json:"until"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.accounting.SetUnlimitedUntil(ctx, projectID, identity, req.Until); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Unlimited window updated"})
}

// Handles PUT /admin/projects/:id/identities/:identity/enabled
func (h *IdentityHandler) SetEnabled(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.accounting.SetEnabled(ctx, projectID, identity, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Identity updated", "enabled": *req.Enabled})
}

// Handles GET /admin/projects/:id/identities/:identity/usage
func (h *IdentityHandler) GetUsage(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	project, ok := h.project(c, projectID)
	if !ok {
		return
	}

	periodStart := usage.PeriodStart(project.UsagePeriod, time.Now().UTC())

	ctx := c.Request.Context()
	counter, err := h.accounting.GetCounter(ctx, projectID, identity, periodStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period_start":  periodStart,
		"period":        project.UsagePeriod,
		"requests_used": counter.RequestsUsed,
		"tokens_used":   counter.TokensUsed,
	})
}

// Handles DELETE /admin/projects/:id/identities/:identity/usage
func (h *IdentityHandler) ResetUsage(c *gin.Context) {
	projectID, identity, ok := h.params(c)
	if !ok {
		return
	}

	project, ok := h.project(c, projectID)
	if !ok {
		return
	}

	periodStart := usage.PeriodStart(project.UsagePeriod, time.Now().UTC())

	ctx := c.Request.Context()
	if err := h.accounting.ResetCounter(ctx, projectID, identity, periodStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Usage counter reset"})
}

func (h *IdentityHandler) params(c *gin.Context) (uuid.UUID, string, bool) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return uuid.Nil, "", false
	}

	identity := c.Param("identity")
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing identity"})
		return uuid.Nil, "", false
	}

	return projectID, identity, true
}

func (h *IdentityHandler) project(c *gin.Context, projectID uuid.UUID) (*models.Project, bool) {
	var project models.Project
	err := h.db.WithContext(c.Request.Context()).
		Where("id = ?", projectID).
		First(&project).Error

	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}

	return &project, true
}
