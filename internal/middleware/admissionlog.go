package middleware

import (
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Context keys the gateway handler sets for the admission logger
const (
	ContextProjectID  = "project_id"
	ContextIdentity   = "identity"
	ContextProvider   = "provider"
	ContextModel      = "model"
	ContextDecision   = "decision"
	ContextKeyEntryID = "key_entry_id"
)

// Buffered channel for async logging
var admissionChannel chan models.AdmissionLog

// Starts the background worker that batch-inserts admission logs
func InitAdmissionLogger(db *gorm.DB, bufferSize int) {
	admissionChannel = make(chan models.AdmissionLog, bufferSize)

	go func() {
		batch := make([]models.AdmissionLog, 0, 100)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case entry := <-admissionChannel:
				batch = append(batch, entry)

				if len(batch) >= 100 {
					insertAdmissionBatch(db, batch)
					batch = make([]models.AdmissionLog, 0, 100)
				}
			case <-ticker.C:
				if len(batch) > 0 {
					insertAdmissionBatch(db, batch)
					batch = make([]models.AdmissionLog, 0, 100)
				}
			}
		}
	}()
}

func insertAdmissionBatch(db *gorm.DB, logs []models.AdmissionLog) {
	if len(logs) == 0 {
		return
	}

	if err := db.Create(&logs).Error; err != nil {
		// Log error but dont block
		println("Failed to insert admission logs:", err.Error())
	}
}

// Records one admission decision per request. The gateway handler sets
// the decision fields in the gin context before returning.
func AdmissionLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if admissionChannel == nil {
			return
		}

		decision := c.GetString(ContextDecision)
		if decision == "" {
			return
		}

		entry := models.AdmissionLog{
			Timestamp:  start,
			TenantID:   c.GetString(ContextTenantID),
			Identity:   c.GetString(ContextIdentity),
			Provider:   c.GetString(ContextProvider),
			Model:      c.GetString(ContextModel),
			Decision:   decision,
			DurationMs: int(time.Since(start).Milliseconds()),
			IPAddress:  c.ClientIP(),
		}

		if raw, exists := c.Get(ContextProjectID); exists {
			if id, ok := raw.(uuid.UUID); ok {
				entry.ProjectID = &id
			}
		}
		if raw, exists := c.Get(ContextKeyEntryID); exists {
			if id, ok := raw.(uuid.UUID); ok {
				entry.KeyEntryID = &id
			}
		}

		select {
		case admissionChannel <- entry:
		default:
			// Channel full, skip logging to avoid blocking
			println("Admission log channel full, skipping entry")
		}
	}
}
