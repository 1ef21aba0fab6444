package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aman-churiwal/ai-gateway/internal/flow"
	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/rules"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProjectHandler struct {
	db *gorm.DB
}

func NewProjectHandler(db *gorm.DB) *ProjectHandler {
	return &ProjectHandler{db: db}
}

func (h *ProjectHandler) Create(c *gin.Context) {
	var req struct {
		Name                string              `json:"name" binding:"required"`
		CreatedBy           string              `json:"created_by"`
		UsagePeriod         string              `json:"usage_period"`
		DefaultRequestLimit int64               `json:"default_request_limit"`
		DefaultTokenLimit   int64               `json:"default_token_limit"`
		LimitResponse       json.RawMessage     `json:"limit_response"`
		Rules               json.RawMessage     `json:"rules"`
		Flow                json.RawMessage     `json:"flow"`
		Tiers               []models.ProjectTier `json:"tiers"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.UsagePeriod == "" {
		req.UsagePeriod = "monthly"
	}
	switch req.UsagePeriod {
	case "daily", "weekly", "monthly":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "usage_period must be daily, weekly or monthly"})
		return
	}

	if err := validateRuleConfig(req.Rules, req.Flow); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		Name:                req.Name,
		CreatedBy:           req.CreatedBy,
		UsagePeriod:         req.UsagePeriod,
		DefaultRequestLimit: req.DefaultRequestLimit,
		DefaultTokenLimit:   req.DefaultTokenLimit,
		LimitResponse:       req.LimitResponse,
		Rules:               req.Rules,
		Flow:                req.Flow,
		Tiers:               req.Tiers,
		IsActive:            true,
	}

	ctx := c.Request.Context()
	if err := h.db.WithContext(ctx).Create(&project).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, project)
}

func (h *ProjectHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	var projects []models.Project
	if err := h.db.WithContext(ctx).Preload("Tiers").Order("created_at DESC").Find(&projects).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, projects)
}

func (h *ProjectHandler) Get(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	ctx := c.Request.Context()
	var project models.Project
	if err := h.db.WithContext(ctx).Preload("Tiers").First(&project, "id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, project)
}

// Partial update; rules and flow are validated before they are stored
func (h *ProjectHandler) Update(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	var req struct {
		Name                *string          `json:"name"`
		UsagePeriod         *string          `json:"usage_period"`
		DefaultRequestLimit *int64           `json:"default_request_limit"`
		DefaultTokenLimit   *int64           `json:"default_token_limit"`
		LimitResponse       *json.RawMessage `json:"limit_response"`
		Rules               *json.RawMessage `json:"rules"`
		Flow                *json.RawMessage `json:"flow"`
		IsActive            *bool            `json:"is_active"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.UsagePeriod != nil {
		switch *req.UsagePeriod {
		case "daily", "weekly", "monthly":
			updates["usage_period"] = *req.UsagePeriod
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "usage_period must be daily, weekly or monthly"})
			return
		}
	}
	if req.DefaultRequestLimit != nil {
		updates["default_request_limit"] = *req.DefaultRequestLimit
	}
	if req.DefaultTokenLimit != nil {
		updates["default_token_limit"] = *req.DefaultTokenLimit
	}
	if req.LimitResponse != nil {
		updates["limit_response"] = *req.LimitResponse
	}
	if req.Rules != nil {
		if err := validateRuleConfig(*req.Rules, nil); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates["rules"] = *req.Rules
	}
	if req.Flow != nil {
		if err := validateRuleConfig(nil, *req.Flow); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates["flow"] = *req.Flow
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	ctx := c.Request.Context()
	result := h.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Updates(updates)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "project updated"})
}

func (h *ProjectHandler) Delete(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	ctx := c.Request.Context()
	result := h.db.WithContext(ctx).Delete(&models.Project{}, "id = ?", projectID)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "project deleted"})
}

// Compiles rules and parses the flow graph so bad configuration is
// rejected at write time instead of surfacing at admission time
func validateRuleConfig(ruleData, flowData json.RawMessage) error {
	if len(ruleData) > 0 {
		if _, err := rules.CompileJSON(ruleData); err != nil {
			return err
		}
	}
	if len(flowData) > 0 {
		if _, err := flow.ParseGraph(flowData); err != nil {
			return err
		}
	}
	return nil
}
