package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Project struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedBy string    `json:"created_by"`

	// Usage accounting window: "daily", "weekly" or "monthly"
	UsagePeriod string `gorm:"default:'monthly'" json:"usage_period"`

	// Default per-identity limits; 0 = unlimited
	DefaultRequestLimit int64 `gorm:"default:0" json:"default_request_limit"`
	DefaultTokenLimit   int64 `gorm:"default:0" json:"default_token_limit"`

	// Custom payload returned when an identity hits its limit
	LimitResponse json.RawMessage `gorm:"type:jsonb" json:"limit_response,omitempty"`

	// Serialized rule list and flow graph evaluated at admission time
	Rules json.RawMessage `gorm:"type:jsonb" json:"rules,omitempty"`
	Flow  json.RawMessage `gorm:"type:jsonb" json:"flow,omitempty"`

	Tiers []ProjectTier `gorm:"foreignKey:ProjectID" json:"tiers,omitempty"`

	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (Project) TableName() string {
	return "projects"
}

// Returns the tier with the given name, or nil
func (p *Project) Tier(name string) *ProjectTier {
	for i := range p.Tiers {
		if p.Tiers[i].Name == name {
			return &p.Tiers[i]
		}
	}
	return nil
}

type ProjectTier struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_project_tier_name" json:"project_id"`
	Name      string    `gorm:"uniqueIndex:idx_project_tier_name;not null" json:"name"`

	// 0 = unlimited
	RequestLimit int64 `gorm:"default:0" json:"request_limit"`
	TokenLimit   int64 `gorm:"default:0" json:"token_limit"`
}

func (ProjectTier) TableName() string {
	return "project_tiers"
}
