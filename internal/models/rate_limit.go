package models

import "time"

// Per-tenant token bucket state persisted by the relational rate-limit
// backend. Capacity and refill rate are plan parameters, not stored here.
type RateLimitBucket struct {
	TenantID     string    `gorm:"primaryKey" json:"tenant_id"`
	Tokens       float64   `gorm:"not null" json:"tokens"`
	LastRefillAt time.Time `gorm:"not null" json:"last_refill_at"`
}

func (RateLimitBucket) TableName() string {
	return "rate_limit_buckets"
}

// Monthly quota counter per tenant and billing period ("2006-01").
// Monotonically non-decreasing within a period; a new period key is a
// fresh zero counter.
type QuotaCounter struct {
	TenantID    string  `gorm:"primaryKey" json:"tenant_id"`
	Period      string  `gorm:"primaryKey" json:"period"`
	TokensUsed  int64   `gorm:"default:0" json:"tokens_used"`
	CostUsedUSD float64 `gorm:"default:0" json:"cost_used_usd"`
}

func (QuotaCounter) TableName() string {
	return "quota_counters"
}
