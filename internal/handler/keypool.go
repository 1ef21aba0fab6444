package handler

import (
	"net/http"

	"github.com/aman-churiwal/ai-gateway/internal/keypool"
	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type KeyPoolHandler struct {
	pool *keypool.Pool
}

func NewKeyPoolHandler(pool *keypool.Pool) *KeyPoolHandler {
	return &KeyPoolHandler{pool: pool}
}

// Handles POST /admin/projects/:id/keys
func (h *KeyPoolHandler) Contribute(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return
	}

	var req struct {
		Provider          string  `json:"provider" binding:"required"`
		Key               string  `json:"key" binding:"required"`
		BaseURL           string  `json:"base_url"`
		ContributorID     *string `json:"contributor_id"`
		Weight            *int    `json:"weight"`
		Priority          int     `json:"priority"`
		MonthlyTokenLimit int64   `json:"monthly_token_limit"`
		MonthlyCostLimit  int64   `json:"monthly_cost_limit"`
		AllowedModels     string  `json:"allowed_models"`
		AllowedIdentities string  `json:"allowed_identities"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := &models.KeyPoolEntry{
		ProjectID:         projectID,
		Provider:          req.Provider,
		BaseURL:           req.BaseURL,
		Weight:            1,
		Priority:          req.Priority,
		MonthlyTokenLimit: req.MonthlyTokenLimit,
		MonthlyCostLimit:  req.MonthlyCostLimit,
		AllowedModels:     req.AllowedModels,
		AllowedIdentities: req.AllowedIdentities,
		Active:            true,
	}
	if req.Weight != nil {
		entry.Weight = *req.Weight
	}
	if req.ContributorID != nil {
		contributorID, err := uuid.Parse(*req.ContributorID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contributor ID"})
			return
		}
		entry.ContributorID = &contributorID
	}

	ctx := c.Request.Context()
	if err := h.pool.Contribute(ctx, entry, req.Key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Handles GET /admin/projects/:id/keys
func (h *KeyPoolHandler) List(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return
	}

	ctx := c.Request.Context()

	var entries []*models.KeyPoolEntry
	if provider := c.Query("provider"); provider != "" {
		entries, err = h.pool.Repository().ListByProvider(ctx, projectID, provider)
	} else {
		entries, err = h.pool.Repository().ListByProject(ctx, projectID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, entries)
}

// Handles PATCH /admin/keys/:keyId
func (h *KeyPoolHandler) Update(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key ID"})
		return
	}

	var req struct {
		Weight            *int    `json:"weight"`
		Priority          *int    `json:"priority"`
		Active            *bool   `json:"active"`
		MonthlyTokenLimit *int64  `json:"monthly_token_limit"`
		MonthlyCostLimit  *int64  `json:"monthly_cost_limit"`
		AllowedModels     *string `json:"allowed_models"`
		AllowedIdentities *string `json:"allowed_identities"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := make(map[string]interface{})
	if req.Weight != nil {
		updates["weight"] = *req.Weight
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if req.MonthlyTokenLimit != nil {
		updates["monthly_token_limit"] = *req.MonthlyTokenLimit
	}
	if req.MonthlyCostLimit != nil {
		updates["monthly_cost_limit"] = *req.MonthlyCostLimit
	}
	if req.AllowedModels != nil {
		updates["allowed_models"] = *req.AllowedModels
	}
	if req.AllowedIdentities != nil {
		updates["allowed_identities"] = *req.AllowedIdentities
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields to update"})
		return
	}

	ctx := c.Request.Context()
	if err := h.pool.Repository().Update(ctx, entryID, updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key updated"})
}

// Handles DELETE /admin/keys/:keyId
func (h *KeyPoolHandler) Delete(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key ID"})
		return
	}

	ctx := c.Request.Context()
	entry, err := h.pool.Repository().FindByID(ctx, entryID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}

	if err := h.pool.Repository().Delete(ctx, entryID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key removed from pool"})
}

// Handles DELETE /admin/projects/:id/contributors/:contributorId/keys.
// Used by invite-revocation flows to pull every key a contributor added.
func (h *KeyPoolHandler) DeleteByContributor(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return
	}
	contributorID, err := uuid.Parse(c.Param("contributorId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contributor ID"})
		return
	}

	ctx := c.Request.Context()
	removed, err := h.pool.Repository().DeleteByContributor(ctx, projectID, contributorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Handles POST /admin/keys/:keyId/clear-rate-limit
func (h *KeyPoolHandler) ClearRateLimit(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key ID"})
		return
	}

	ctx := c.Request.Context()
	if err := h.pool.ClearRateLimit(ctx, entryID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Rate limit cleared"})
}
