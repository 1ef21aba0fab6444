package keypool

import (
	"context"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// How long an entry sits out after an upstream rate-limit error.
const rateLimitBackoff = 60 * time.Second

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, entry *models.KeyPoolEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.KeyPoolEntry, error) {
	var entry models.KeyPoolEntry
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&entry).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}

	return &entry, err
}

// Lists every entry for a project and provider, ordered so priority
// selection can take the first match on ties.
func (r *Repository) ListByProvider(ctx context.Context, projectID uuid.UUID, provider string) ([]*models.KeyPoolEntry, error) {
	var entries []*models.KeyPoolEntry
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND provider = ?", projectID, provider).
		Order("priority ASC, created_at ASC").
		Find(&entries).Error

	return entries, err
}

func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.KeyPoolEntry, error) {
	var entries []*models.KeyPoolEntry
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("provider ASC, priority ASC, created_at ASC").
		Find(&entries).Error

	return entries, err
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.KeyPoolEntry{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.KeyPoolEntry{}).Error
}

// Removes every key a contributor added to a project. Used when a
// contributor leaves or has their access revoked.
func (r *Repository) DeleteByContributor(ctx context.Context, projectID, contributorID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("project_id = ? AND contributor_id = ?", projectID, contributorID).
		Delete(&models.KeyPoolEntry{})

	return result.RowsAffected, result.Error
}

// Rolls an entry into a new monthly period, zeroing the period
// counters. The period guard keeps concurrent resets idempotent.
func (r *Repository) ResetPeriod(ctx context.Context, id uuid.UUID, month string) error {
	return r.db.WithContext(ctx).
		Model(&models.KeyPoolEntry{}).
		Where("id = ? AND period_month <> ?", id, month).
		Updates(map[string]interface{}{
			"period_month":  month,
			"period_tokens": 0,
			"period_cost":   0,
		}).Error
}

// Records a completed request against an entry. Counters are bumped
// with SQL expressions so concurrent writers never lose increments.
func (r *Repository) RecordUsage(ctx context.Context, id uuid.UUID, tokens, costCents int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.KeyPoolEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"period_tokens":      gorm.Expr("period_tokens + ?", tokens),
			"period_cost":        gorm.Expr("period_cost + ?", costCents),
			"lifetime_requests":  gorm.Expr("lifetime_requests + 1"),
			"lifetime_tokens":    gorm.Expr("lifetime_tokens + ?", tokens),
			"lifetime_cost":      gorm.Expr("lifetime_cost + ?", costCents),
			"consecutive_errors": 0,
			"last_used_at":       at,
		}).Error
}

// Records an upstream failure. Rate-limit errors put the entry on a
// fixed backoff so selection skips it until the window passes.
func (r *Repository) RecordError(ctx context.Context, id uuid.UUID, message string, isRateLimit bool, at time.Time) error {
	updates := map[string]interface{}{
		"consecutive_errors": gorm.Expr("consecutive_errors + 1"),
		"last_error":         message,
	}

	if isRateLimit {
		updates["rate_limited"] = true
		updates["rate_limited_until"] = at.Add(rateLimitBackoff)
	}

	return r.db.WithContext(ctx).
		Model(&models.KeyPoolEntry{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repository) ClearRateLimit(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.KeyPoolEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"rate_limited":       false,
			"rate_limited_until": nil,
			"consecutive_errors": 0,
		}).Error
}

// Clears every backoff whose window has already passed.
func (r *Repository) ClearExpiredRateLimits(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.KeyPoolEntry{}).
		Where("rate_limited = ? AND rate_limited_until IS NOT NULL AND rate_limited_until <= ?", true, now).
		Updates(map[string]interface{}{
			"rate_limited":       false,
			"rate_limited_until": nil,
		})

	return result.RowsAffected, result.Error
}
