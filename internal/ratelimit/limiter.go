package ratelimit

import (
	"context"
	"errors"
	"fmt"
)

const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQuotaExceeded     = "quota_exceeded"

	// Quota warning threshold in percent
	warningThreshold = 80
)

// Plan parameters for one tier of service. Capacity and RefillRate drive
// the token bucket; MaxTokens/MaxCostUSD are optional monthly quotas
// (0 = no quota).
type Plan struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"` // tokens per second
	MaxTokens  int64   `json:"max_tokens"`
	MaxCostUSD float64 `json:"max_cost_usd"`
}

// Current-period quota usage for a tenant
type Usage struct {
	TokensUsed  int64   `json:"tokens_used"`
	TokenLimit  int64   `json:"token_limit"` // 0 = unlimited
	CostUsed    float64 `json:"cost_used"`
	CostLimit   float64 `json:"cost_limit"`
	PercentUsed float64 `json:"percent_used"` // clamped to [0,100]
}

// Hooks fire on notable enforcement outcomes. OnQuotaWarning is
// at-least-once: it fires on every call past the threshold, with no
// per-tenant deduplication.
type Hooks struct {
	OnRateLimited   func(tenantID string, retryAfterMs int64)
	OnQuotaExceeded func(tenantID string, usage Usage)
	OnQuotaWarning  func(tenantID string, usage Usage)
}

type Config struct {
	Plans map[string]Plan

	// Resolves a tenant to a plan name; nil or empty result means "default"
	GetPlan func(tenantID string) string

	Hooks Hooks
}

type EnforceResult struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"` // denial code, empty when allowed
	Message string `json:"message,omitempty"`

	Limit        float64 `json:"limit"` // bucket capacity
	Remaining    float64 `json:"remaining"`
	ResetMs      int64   `json:"reset_ms"`
	RetryAfterMs int64   `json:"retry_after_ms,omitempty"`

	// Present when the plan declares a token quota
	Usage *Usage `json:"usage,omitempty"`
}

// Limiter owns per-tenant token buckets and monthly quota counters on top
// of a pluggable Backend. It holds no locks itself; atomicity lives at
// the storage boundary.
type Limiter struct {
	backend Backend
	plans   map[string]Plan
	getPlan func(tenantID string) string
	hooks   Hooks
}

// Fails fast when no "default" plan is configured; plan resolution falls
// back to it at request time.
func NewLimiter(backend Backend, cfg Config) (*Limiter, error) {
	if len(cfg.Plans) == 0 {
		return nil, errors.New("rate limiter: no plans configured")
	}
	if _, ok := cfg.Plans["default"]; !ok {
		return nil, errors.New(`rate limiter: plan "default" is not defined`)
	}
	for name, plan := range cfg.Plans {
		if plan.Capacity < 1 || plan.RefillRate <= 0 {
			return nil, fmt.Errorf("rate limiter: plan %q has invalid capacity/refill rate", name)
		}
	}

	return &Limiter{
		backend: backend,
		plans:   cfg.Plans,
		getPlan: cfg.GetPlan,
		hooks:   cfg.Hooks,
	}, nil
}

func (l *Limiter) plan(tenantID string) Plan {
	name := "default"
	if l.getPlan != nil {
		if resolved := l.getPlan(tenantID); resolved != "" {
			name = resolved
		}
	}

	if plan, ok := l.plans[name]; ok {
		return plan
	}
	return l.plans["default"]
}

// Checks the tenant's bucket and quota. estimatedTokens is projected
// against the token quota before the request runs; the true count is
// reconciled later through ReportUsage. Backend errors propagate.
func (l *Limiter) Enforce(ctx context.Context, tenantID string, estimatedTokens int64) (*EnforceResult, error) {
	plan := l.plan(tenantID)

	consume, err := l.backend.TryConsume(ctx, tenantID, plan.Capacity, plan.RefillRate)
	if err != nil {
		return nil, err
	}

	if !consume.Allowed {
		retry := retryAfterMs(consume.Remaining, plan.RefillRate)
		if l.hooks.OnRateLimited != nil {
			l.hooks.OnRateLimited(tenantID, retry)
		}

		return &EnforceResult{
			Allowed:      false,
			Code:         CodeRateLimitExceeded,
			Message:      "Rate limit exceeded",
			Limit:        plan.Capacity,
			Remaining:    consume.Remaining,
			ResetMs:      consume.ResetMs,
			RetryAfterMs: retry,
		}, nil
	}

	result := &EnforceResult{
		Allowed:   true,
		Limit:     plan.Capacity,
		Remaining: consume.Remaining,
		ResetMs:   consume.ResetMs,
	}

	if plan.MaxTokens > 0 {
		usage, err := l.usage(ctx, tenantID, plan)
		if err != nil {
			return nil, err
		}
		result.Usage = &usage

		if usage.TokensUsed+estimatedTokens >= plan.MaxTokens {
			if l.hooks.OnQuotaExceeded != nil {
				l.hooks.OnQuotaExceeded(tenantID, usage)
			}

			result.Allowed = false
			result.Code = CodeQuotaExceeded
			result.Message = "Monthly token quota exceeded"
			return result, nil
		}

		if usage.PercentUsed >= warningThreshold && l.hooks.OnQuotaWarning != nil {
			l.hooks.OnQuotaWarning(tenantID, usage)
		}
	}

	return result, nil
}

// Adds finished-request usage to the quota counters, then re-checks the
// warning threshold
func (l *Limiter) ReportUsage(ctx context.Context, tenantID string, inputTokens, outputTokens int64, costUsd float64) error {
	if total := inputTokens + outputTokens; total > 0 {
		if err := l.backend.AddTokenUsage(ctx, tenantID, total); err != nil {
			return err
		}
	}
	if costUsd > 0 {
		if err := l.backend.AddCostUsage(ctx, tenantID, costUsd); err != nil {
			return err
		}
	}

	plan := l.plan(tenantID)
	if plan.MaxTokens > 0 && l.hooks.OnQuotaWarning != nil {
		usage, err := l.usage(ctx, tenantID, plan)
		if err != nil {
			return err
		}
		if usage.PercentUsed >= warningThreshold {
			l.hooks.OnQuotaWarning(tenantID, usage)
		}
	}

	return nil
}

func (l *Limiter) GetUsage(ctx context.Context, tenantID string) (Usage, error) {
	return l.usage(ctx, tenantID, l.plan(tenantID))
}

func (l *Limiter) usage(ctx context.Context, tenantID string, plan Plan) (Usage, error) {
	tokensUsed, err := l.backend.GetTokenUsage(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	costUsed, err := l.backend.GetCostUsage(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}

	usage := Usage{
		TokensUsed: tokensUsed,
		TokenLimit: plan.MaxTokens,
		CostUsed:   costUsed,
		CostLimit:  plan.MaxCostUSD,
	}

	if plan.MaxTokens > 0 {
		percent := float64(tokensUsed) / float64(plan.MaxTokens) * 100
		if percent > 100 {
			percent = 100
		}
		if percent < 0 {
			percent = 0
		}
		usage.PercentUsed = percent
	}

	return usage, nil
}

// Clears the tenant's bucket and current-period counters
func (l *Limiter) ResetUsage(ctx context.Context, tenantID string) error {
	return l.backend.ResetUsage(ctx, tenantID)
}
