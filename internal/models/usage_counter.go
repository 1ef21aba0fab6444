package models

import (
	"time"

	"github.com/google/uuid"
)

// One row per identity per accounting period window
type UsageCounter struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_usage_project_identity_period;not null" json:"project_id"`
	Identity    string    `gorm:"uniqueIndex:idx_usage_project_identity_period;not null" json:"identity"`
	PeriodStart time.Time `gorm:"uniqueIndex:idx_usage_project_identity_period;not null" json:"period_start"`

	RequestsUsed int64 `gorm:"default:0" json:"requests_used"`
	TokensUsed   int64 `gorm:"default:0" json:"tokens_used"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UsageCounter) TableName() string {
	return "usage_counters"
}
