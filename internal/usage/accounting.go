package usage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	BlockedIdentityDisabled = "identity_disabled"
	BlockedLimitExceeded    = "limit_exceeded"
)

// Returned when a project has no custom limit-exceeded payload configured
var defaultLimitResponse = json.RawMessage(`{"error":"limit_exceeded","message":"Usage limit reached for this billing period"}`)

type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Blocked string `json:"blocked,omitempty"` // reason code when not allowed

	Counter      models.UsageCounter `json:"counter"`
	UsagePercent float64             `json:"usage_percent"`

	// Gift credits consumed by this check (persisted even on block)
	GiftedTokensUsed   int64 `json:"gifted_tokens_used,omitempty"`
	GiftedRequestsUsed int64 `json:"gifted_requests_used,omitempty"`

	// Project's configured (or default) payload, set when blocked on limits
	LimitResponse json.RawMessage `json:"limit_response,omitempty"`
}

// Accounting tracks per-project, per-identity request/token counters over
// rolling period windows, combined with per-identity limit overrides.
type Accounting struct {
	db *gorm.DB

	// Overridable for tests
	Now func() time.Time
}

func NewAccounting(db *gorm.DB) *Accounting {
	return &Accounting{
		db:  db,
		Now: time.Now,
	}
}

// Resolves effective limits (override -> tier -> project defaults),
// consumes gift credits against any overage, and on allow increments the
// identity's usage counter atomically. requestedTokens is the pre-flight
// estimate; FinalizeUsage reconciles it once the true count is known.
func (a *Accounting) CheckAndUpdateUsage(ctx context.Context, project *models.Project, identity, tier string, periodStart time.Time, requestedTokens, requestedRequests int64) (*CheckResult, error) {
	override, err := a.Override(ctx, project.ID, identity)
	if err != nil {
		return nil, err
	}

	if override != nil && !override.Enabled {
		return &CheckResult{Allowed: false, Blocked: BlockedIdentityDisabled}, nil
	}

	if override != nil && override.UnlimitedAt(a.Now()) {
		counter, err := a.increment(ctx, project.ID, identity, periodStart, requestedRequests, requestedTokens)
		if err != nil {
			return nil, err
		}
		return &CheckResult{Allowed: true, Counter: counter}, nil
	}

	requestLimit, tokenLimit := effectiveLimits(project, tier, override)

	counter, err := a.counter(ctx, project.ID, identity, periodStart)
	if err != nil {
		return nil, err
	}

	var tokenOverage, requestOverage int64
	if tokenLimit > 0 && counter.TokensUsed+requestedTokens > tokenLimit {
		tokenOverage = counter.TokensUsed + requestedTokens - tokenLimit
	}
	if requestLimit > 0 && counter.RequestsUsed+requestedRequests > requestLimit {
		requestOverage = counter.RequestsUsed + requestedRequests - requestLimit
	}

	result := &CheckResult{}

	if tokenOverage > 0 || requestOverage > 0 {
		// Gifts absorb as much of the overage as they can before blocking;
		// partial consumption is persisted either way. The guarded update
		// can lose a race against a concurrent spend, so a miss re-reads
		// the remaining balance and tries again.
		for attempt := 0; override != nil && attempt < 3; attempt++ {
			giftTokens := min64(override.GiftedTokens, tokenOverage)
			giftRequests := min64(override.GiftedRequests, requestOverage)
			if giftTokens <= 0 && giftRequests <= 0 {
				break
			}

			consumed, err := a.consumeGifts(ctx, project.ID, identity, giftTokens, giftRequests)
			if err != nil {
				return nil, err
			}
			if consumed {
				result.GiftedTokensUsed = giftTokens
				result.GiftedRequestsUsed = giftRequests
				tokenOverage -= giftTokens
				requestOverage -= giftRequests
				break
			}

			if override, err = a.Override(ctx, project.ID, identity); err != nil {
				return nil, err
			}
		}

		if tokenOverage > 0 || requestOverage > 0 {
			result.Blocked = BlockedLimitExceeded
			result.Counter = counter
			result.UsagePercent = percentOf(counter.TokensUsed, tokenLimit)
			result.LimitResponse = project.LimitResponse
			if len(result.LimitResponse) == 0 {
				result.LimitResponse = defaultLimitResponse
			}
			return result, nil
		}
	}

	updated, err := a.increment(ctx, project.ID, identity, periodStart, requestedRequests, requestedTokens)
	if err != nil {
		return nil, err
	}

	result.Allowed = true
	result.Counter = updated
	result.UsagePercent = percentOf(updated.TokensUsed, tokenLimit)
	return result, nil
}

// Corrects the token count once the true usage is known. The earlier
// estimate was already added by CheckAndUpdateUsage, so only the signed
// delta is applied, floored at zero.
func (a *Accounting) FinalizeUsage(ctx context.Context, project *models.Project, identity string, periodStart time.Time, estimatedTokens, actualTokens int64) error {
	delta := actualTokens - estimatedTokens
	if delta == 0 {
		return nil
	}

	return a.db.WithContext(ctx).Model(&models.UsageCounter{}).
		Where("project_id = ? AND identity = ? AND period_start = ?", project.ID, identity, periodStart).
		Update("tokens_used", gorm.Expr(
			"CASE WHEN tokens_used + ? < 0 THEN 0 ELSE tokens_used + ? END", delta, delta,
		)).Error
}

// RecordAdmitted force-increments an identity's counter for a request
// admitted outside the normal allow path, such as a rule override of a
// limit block. FinalizeUsage reconciles the token estimate as usual.
func (a *Accounting) RecordAdmitted(ctx context.Context, projectID uuid.UUID, identity string, periodStart time.Time, requests, tokens int64) (models.UsageCounter, error) {
	return a.increment(ctx, projectID, identity, periodStart, requests, tokens)
}

// Returns the identity's override row, or nil when none exists
func (a *Accounting) Override(ctx context.Context, projectID uuid.UUID, identity string) (*models.IdentityLimitOverride, error) {
	var override models.IdentityLimitOverride
	err := a.db.WithContext(ctx).
		Where("project_id = ? AND identity = ?", projectID, identity).
		First(&override).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &override, nil
}

// Adds bonus credits, creating the override row on first gift
func (a *Accounting) GiftCredits(ctx context.Context, projectID uuid.UUID, identity string, tokens, requests int64) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"gifted_tokens":   gorm.Expr("identity_limit_overrides.gifted_tokens + EXCLUDED.gifted_tokens"),
			"gifted_requests": gorm.Expr("identity_limit_overrides.gifted_requests + EXCLUDED.gifted_requests"),
		}),
	}).Create(&models.IdentityLimitOverride{
		ProjectID:      projectID,
		Identity:       identity,
		GiftedTokens:   tokens,
		GiftedRequests: requests,
		Enabled:        true,
	}).Error
}

// Replaces the identity's limit overrides (nil = inherit)
func (a *Accounting) SetLimits(ctx context.Context, projectID uuid.UUID, identity string, requestLimit, tokenLimit *int64) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_limit": requestLimit,
			"token_limit":   tokenLimit,
		}),
	}).Create(&models.IdentityLimitOverride{
		ProjectID:    projectID,
		Identity:     identity,
		RequestLimit: requestLimit,
		TokenLimit:   tokenLimit,
		Enabled:      true,
	}).Error
}

// Opens or closes a promotional unlimited window
func (a *Accounting) SetUnlimitedUntil(ctx context.Context, projectID uuid.UUID, identity string, until *time.Time) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unlimited_until": until,
		}),
	}).Create(&models.IdentityLimitOverride{
		ProjectID:      projectID,
		Identity:       identity,
		UnlimitedUntil: until,
		Enabled:        true,
	}).Error
}

// Hard kill switch; soft-disable rather than delete
func (a *Accounting) SetEnabled(ctx context.Context, projectID uuid.UUID, identity string, enabled bool) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"enabled": enabled,
		}),
	}).Create(&models.IdentityLimitOverride{
		ProjectID: projectID,
		Identity:  identity,
		Enabled:   enabled,
	}).Error
}

// Administrative reset of an identity's counter for one period window
func (a *Accounting) ResetCounter(ctx context.Context, projectID uuid.UUID, identity string, periodStart time.Time) error {
	return a.db.WithContext(ctx).
		Where("project_id = ? AND identity = ? AND period_start = ?", projectID, identity, periodStart).
		Delete(&models.UsageCounter{}).Error
}

// Returns the identity's counter for the window, zero-valued when absent
func (a *Accounting) GetCounter(ctx context.Context, projectID uuid.UUID, identity string, periodStart time.Time) (models.UsageCounter, error) {
	return a.counter(ctx, projectID, identity, periodStart)
}

func (a *Accounting) counter(ctx context.Context, projectID uuid.UUID, identity string, periodStart time.Time) (models.UsageCounter, error) {
	var counter models.UsageCounter
	err := a.db.WithContext(ctx).
		Where("project_id = ? AND identity = ? AND period_start = ?", projectID, identity, periodStart).
		First(&counter).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UsageCounter{ProjectID: projectID, Identity: identity, PeriodStart: periodStart}, nil
	}
	return counter, err
}

func (a *Accounting) increment(ctx context.Context, projectID uuid.UUID, identity string, periodStart time.Time, requests, tokens int64) (models.UsageCounter, error) {
	counter := models.UsageCounter{
		ProjectID:    projectID,
		Identity:     identity,
		PeriodStart:  periodStart,
		RequestsUsed: requests,
		TokensUsed:   tokens,
	}

	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "identity"}, {Name: "period_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"requests_used": gorm.Expr("usage_counters.requests_used + EXCLUDED.requests_used"),
			"tokens_used":   gorm.Expr("usage_counters.tokens_used + EXCLUDED.tokens_used"),
		}),
	}).Create(&counter).Error
	if err != nil {
		return models.UsageCounter{}, err
	}

	return a.counter(ctx, projectID, identity, periodStart)
}

// Reports whether the guarded decrement matched a row. A false return
// means the balance no longer covers the spend (typically a concurrent
// consumer got there first) and nothing was deducted.
func (a *Accounting) consumeGifts(ctx context.Context, projectID uuid.UUID, identity string, tokens, requests int64) (bool, error) {
	res := a.db.WithContext(ctx).Model(&models.IdentityLimitOverride{}).
		Where("project_id = ? AND identity = ? AND gifted_tokens >= ? AND gifted_requests >= ?",
			projectID, identity, tokens, requests).
		Updates(map[string]interface{}{
			"gifted_tokens":   gorm.Expr("gifted_tokens - ?", tokens),
			"gifted_requests": gorm.Expr("gifted_requests - ?", requests),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Precedence: identity override -> tier limits -> project defaults.
// A value <= 0 (or nil override field) means unlimited/inherit.
func effectiveLimits(project *models.Project, tier string, override *models.IdentityLimitOverride) (requestLimit, tokenLimit int64) {
	requestLimit = project.DefaultRequestLimit
	tokenLimit = project.DefaultTokenLimit

	if tier != "" {
		if t := project.Tier(tier); t != nil {
			if t.RequestLimit > 0 {
				requestLimit = t.RequestLimit
			}
			if t.TokenLimit > 0 {
				tokenLimit = t.TokenLimit
			}
		}
	}

	if override != nil {
		if override.RequestLimit != nil {
			requestLimit = *override.RequestLimit
		}
		if override.TokenLimit != nil {
			tokenLimit = *override.TokenLimit
		}
	}

	return requestLimit, tokenLimit
}

func percentOf(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	percent := float64(used) / float64(limit) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
