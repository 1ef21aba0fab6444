package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Relational backend. Consumption is a single conditional UPDATE with the
// refill computed inside the statement, so concurrent writers never read
// stale tokens. The denial path only reads.
type PostgresBackend struct {
	db *gorm.DB

	// Overridable for tests
	Now func() time.Time
}

func NewPostgresBackend(pg *storage.Postgres) *PostgresBackend {
	return &PostgresBackend{
		db:  pg.DB,
		Now: time.Now,
	}
}

const consumeSQL = `
UPDATE rate_limit_buckets
SET tokens = LEAST(?::float8, tokens + EXTRACT(EPOCH FROM (?::timestamptz - last_refill_at)) * ?) - 1,
    last_refill_at = ?
WHERE tenant_id = ?
  AND LEAST(?::float8, tokens + EXTRACT(EPOCH FROM (?::timestamptz - last_refill_at)) * ?) >= 1
RETURNING tokens`

func (b *PostgresBackend) TryConsume(ctx context.Context, tenantID string, capacity, refillRate float64) (ConsumeResult, error) {
	now := b.Now().UTC()

	// Two passes cover the create-then-consume race: if the bucket row
	// vanishes between steps the second pass recreates it.
	for attempt := 0; attempt < 2; attempt++ {
		// Lazy creation: the first call consumes a token from a full bucket
		res := b.db.WithContext(ctx).Exec(
			`INSERT INTO rate_limit_buckets (tenant_id, tokens, last_refill_at) VALUES (?, ?, ?) ON CONFLICT (tenant_id) DO NOTHING`,
			tenantID, capacity-1, now,
		)
		if res.Error != nil {
			return ConsumeResult{}, res.Error
		}
		if res.RowsAffected == 1 {
			return ConsumeResult{
				Allowed:   true,
				Remaining: capacity - 1,
				ResetMs:   resetMs(capacity-1, capacity, refillRate),
			}, nil
		}

		var out struct{ Tokens float64 }
		tx := b.db.WithContext(ctx).Raw(consumeSQL,
			capacity, now, refillRate, now, tenantID, capacity, now, refillRate,
		).Scan(&out)
		if tx.Error != nil {
			return ConsumeResult{}, tx.Error
		}
		if tx.RowsAffected == 1 {
			return ConsumeResult{
				Allowed:   true,
				Remaining: out.Tokens,
				ResetMs:   resetMs(out.Tokens, capacity, refillRate),
			}, nil
		}

		// Denied or row deleted underneath us: read to tell which
		var bucket models.RateLimitBucket
		err := b.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&bucket).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return ConsumeResult{}, err
		}

		tokens := refill(bucket.Tokens, bucket.LastRefillAt, now, capacity, refillRate)
		return ConsumeResult{
			Allowed:   false,
			Remaining: tokens,
			ResetMs:   resetMs(tokens, capacity, refillRate),
		}, nil
	}

	return ConsumeResult{}, errors.New("rate limit bucket row churned during consume")
}

func (b *PostgresBackend) GetBucketState(ctx context.Context, tenantID string, capacity, refillRate float64) (BucketState, error) {
	var bucket models.RateLimitBucket
	err := b.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&bucket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BucketState{Tokens: capacity, ResetMs: 0}, nil
	}
	if err != nil {
		return BucketState{}, err
	}

	tokens := refill(bucket.Tokens, bucket.LastRefillAt, b.Now().UTC(), capacity, refillRate)
	return BucketState{Tokens: tokens, ResetMs: resetMs(tokens, capacity, refillRate)}, nil
}

func (b *PostgresBackend) GetTokenUsage(ctx context.Context, tenantID string) (int64, error) {
	counter, err := b.counter(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return counter.TokensUsed, nil
}

func (b *PostgresBackend) GetCostUsage(ctx context.Context, tenantID string) (float64, error) {
	counter, err := b.counter(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return counter.CostUsedUSD, nil
}

func (b *PostgresBackend) counter(ctx context.Context, tenantID string) (models.QuotaCounter, error) {
	var counter models.QuotaCounter
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ?", tenantID, periodKey(b.Now())).
		First(&counter).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.QuotaCounter{}, nil
	}
	return counter, err
}

func (b *PostgresBackend) AddTokenUsage(ctx context.Context, tenantID string, tokens int64) error {
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"tokens_used": gorm.Expr("quota_counters.tokens_used + EXCLUDED.tokens_used"),
		}),
	}).Create(&models.QuotaCounter{
		TenantID:   tenantID,
		Period:     periodKey(b.Now()),
		TokensUsed: tokens,
	}).Error
}

func (b *PostgresBackend) AddCostUsage(ctx context.Context, tenantID string, costUsd float64) error {
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"cost_used_usd": gorm.Expr("quota_counters.cost_used_usd + EXCLUDED.cost_used_usd"),
		}),
	}).Create(&models.QuotaCounter{
		TenantID:    tenantID,
		Period:      periodKey(b.Now()),
		CostUsedUSD: costUsd,
	}).Error
}

func (b *PostgresBackend) ResetUsage(ctx context.Context, tenantID string) error {
	if err := b.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&models.RateLimitBucket{}).Error; err != nil {
		return err
	}

	return b.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ?", tenantID, periodKey(b.Now())).
		Delete(&models.QuotaCounter{}).Error
}
