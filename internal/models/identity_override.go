package models

import (
	"time"

	"github.com/google/uuid"
)

// Per-identity limit overrides, gift credits and kill switch.
// A nil limit means "inherit from tier/project". Soft-disabled via
// Enabled=false rather than deleted.
type IdentityLimitOverride struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_override_project_identity;not null" json:"project_id"`
	Identity  string    `gorm:"uniqueIndex:idx_override_project_identity;not null" json:"identity"`

	RequestLimit *int64 `json:"request_limit,omitempty"`
	TokenLimit   *int64 `json:"token_limit,omitempty"`

	// Additive bonus credits, consumed before blocking
	GiftedTokens   int64 `gorm:"default:0" json:"gifted_tokens"`
	GiftedRequests int64 `gorm:"default:0" json:"gifted_requests"`

	// Promotional bypass window
	UnlimitedUntil *time.Time `json:"unlimited_until,omitempty"`

	Enabled  bool   `gorm:"default:true" json:"enabled"`
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (IdentityLimitOverride) TableName() string {
	return "identity_limit_overrides"
}

// Reports whether a promotional unlimited window is active at t
func (o *IdentityLimitOverride) UnlimitedAt(t time.Time) bool {
	return o.UnlimitedUntil != nil && o.UnlimitedUntil.After(t)
}
