package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// One pooled upstream credential. Entries are contributed per project and
// load-balanced across requests; usage and health fields are mutated on
// every routed request.
type KeyPoolEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index:idx_pool_project_provider;not null" json:"project_id"`
	Provider  string    `gorm:"index:idx_pool_project_provider;not null" json:"provider"`

	// Contributing party; nil for anonymous contributions
	ContributorID *uuid.UUID `gorm:"type:uuid;index" json:"contributor_id,omitempty"`

	EncryptedKey string `gorm:"not null" json:"-"`
	BaseURL      string `json:"base_url,omitempty"`

	Weight   int `gorm:"default:1" json:"weight"`   // 0 = paused
	Priority int `gorm:"default:0" json:"priority"` // lower tried first

	// Monthly caps; 0 = unlimited
	MonthlyTokenLimit int64 `gorm:"default:0" json:"monthly_token_limit"`
	MonthlyCostLimit  int64 `gorm:"default:0" json:"monthly_cost_limit"` // cents

	// Current-period counters, reset lazily on month rollover
	PeriodMonth string `json:"period_month"` // "2006-01"
	PeriodTokens int64 `gorm:"default:0" json:"period_tokens"`
	PeriodCost   int64 `gorm:"default:0" json:"period_cost"` // cents

	LifetimeRequests int64 `gorm:"default:0" json:"lifetime_requests"`
	LifetimeTokens   int64 `gorm:"default:0" json:"lifetime_tokens"`
	LifetimeCost     int64 `gorm:"default:0" json:"lifetime_cost"` // cents

	Active            bool       `gorm:"default:true" json:"active"`
	RateLimited       bool       `gorm:"default:false" json:"rate_limited"`
	RateLimitedUntil  *time.Time `json:"rate_limited_until,omitempty"`
	ConsecutiveErrors int        `gorm:"default:0" json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`

	// Comma-separated allow-lists; empty = no restriction
	AllowedModels     string `json:"allowed_models,omitempty"`
	AllowedIdentities string `json:"allowed_identities,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *KeyPoolEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (KeyPoolEntry) TableName() string {
	return "key_pool_entries"
}

// Reports whether the entry allows the given model. An empty allow-list
// allows everything.
func (e *KeyPoolEntry) AllowsModel(model string) bool {
	return allowListContains(e.AllowedModels, model)
}

// Reports whether the entry allows the given identity
func (e *KeyPoolEntry) AllowsIdentity(identity string) bool {
	return allowListContains(e.AllowedIdentities, identity)
}

func allowListContains(list, value string) bool {
	if list == "" {
		return true
	}
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == value {
			return true
		}
	}
	return false
}
