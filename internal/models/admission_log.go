package models

import (
	"time"

	"github.com/google/uuid"
)

// Represents one admission decision
type AdmissionLog struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Timestamp  time.Time  `gorm:"index" json:"timestamp"`
	TenantID   string     `gorm:"index" json:"tenant_id"`
	ProjectID  *uuid.UUID `gorm:"type:uuid;index" json:"project_id,omitempty"`
	Identity   string     `json:"identity,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Model      string     `json:"model,omitempty"`
	Decision   string     `gorm:"index" json:"decision"` // "allow" or a denial code
	KeyEntryID *uuid.UUID `gorm:"type:uuid" json:"key_entry_id,omitempty"`
	DurationMs int        `json:"duration_ms"`
	IPAddress  string     `json:"ip_address,omitempty"`
}

func (AdmissionLog) TableName() string {
	return "admission_logs"
}
