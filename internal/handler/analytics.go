package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Aggregates admission logs for admin reporting
type AnalyticsHandler struct {
	db *gorm.DB
}

func NewAnalyticsHandler(db *gorm.DB) *AnalyticsHandler {
	return &AnalyticsHandler{db: db}
}

// Holds admission analytics for a time range
type AdmissionSummary struct {
	TotalRequests int64            `json:"total_requests"`
	Allowed       int64            `json:"allowed"`
	Denied        int64            `json:"denied"`
	AllowRate     float64          `json:"allow_rate"`
	Denials       map[string]int64 `json:"denials_by_code"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	TopTenants    []TenantCount    `json:"top_tenants"`
}

type TenantCount struct {
	TenantID string `json:"tenant_id"`
	Count    int64  `json:"count"`
}

// Handles GET /admin/analytics
func (h *AnalyticsHandler) GetSummary(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	base := h.db.WithContext(ctx).Model(&models.AdmissionLog{}).
		Where("timestamp >= ? AND timestamp < ?", from, to)

	summary := &AdmissionSummary{Denials: make(map[string]int64)}

	if err := base.Session(&gorm.Session{}).Count(&summary.TotalRequests).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if summary.TotalRequests == 0 {
		c.JSON(http.StatusOK, summary)
		return
	}

	var byDecision []struct {
		Decision string
		Count    int64
	}
	err = base.Session(&gorm.Session{}).
		Select("decision, COUNT(*) as count").
		Group("decision").
		Scan(&byDecision).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, row := range byDecision {
		if row.Decision == "allow" {
			summary.Allowed = row.Count
		} else {
			summary.Denied += row.Count
			summary.Denials[row.Decision] = row.Count
		}
	}
	summary.AllowRate = float64(summary.Allowed) / float64(summary.TotalRequests) * 100

	err = base.Session(&gorm.Session{}).
		Select("AVG(duration_ms)").
		Scan(&summary.AvgDurationMs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	err = base.Session(&gorm.Session{}).
		Select("tenant_id, COUNT(*) as count").
		Group("tenant_id").
		Order("count DESC").
		Limit(10).
		Scan(&summary.TopTenants).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Handles GET /admin/analytics/logs
func (h *AnalyticsHandler) GetLogs(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	ctx := c.Request.Context()
	query := h.db.WithContext(ctx).Model(&models.AdmissionLog{}).
		Where("timestamp >= ? AND timestamp < ?", from, to)

	if decision := c.Query("decision"); decision != "" {
		query = query.Where("decision = ?", decision)
	}
	if tenantID := c.Query("tenant"); tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var logs []models.AdmissionLog
	err = query.Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"limit":  limit,
		"offset": offset,
	})
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	// Default: last 24 hours
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		parsed, err := parseTimestamp(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}

	if toStr := c.Query("to"); toStr != "" {
		parsed, err := parseTimestamp(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}

	return from, to, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}

	// Fall back to Unix seconds
	timestamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(timestamp, 0), nil
}
