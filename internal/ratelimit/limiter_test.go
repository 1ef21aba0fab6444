package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, plans map[string]Plan, hooks Hooks) (*Limiter, *testClock) {
	t.Helper()

	backend, clock := localFactory(t)
	limiter, err := NewLimiter(backend, Config{Plans: plans, Hooks: hooks})
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	return limiter, clock
}

func TestNewLimiterRequiresDefaultPlan(t *testing.T) {
	backend := NewLocalBackend()

	if _, err := NewLimiter(backend, Config{Plans: map[string]Plan{
		"pro": {Capacity: 10, RefillRate: 1},
	}}); err == nil {
		t.Fatal("NewLimiter accepted config without a default plan")
	}

	if _, err := NewLimiter(backend, Config{Plans: map[string]Plan{
		"default": {Capacity: 0, RefillRate: 1},
	}}); err == nil {
		t.Fatal("NewLimiter accepted a plan with zero capacity")
	}
}

func TestEnforceRateLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 2, RefillRate: 0.1},
	}, Hooks{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Enforce(ctx, "tenant-a", 0)
		if err != nil {
			t.Fatalf("Enforce %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Request %d denied, want allowed", i)
		}
	}

	res, err := limiter.Enforce(ctx, "tenant-a", 0)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("Third request allowed, want denial")
	}
	if res.Code != CodeRateLimitExceeded {
		t.Fatalf("Code = %q, want %q", res.Code, CodeRateLimitExceeded)
	}
	if res.RetryAfterMs <= 0 {
		t.Fatalf("RetryAfterMs = %d, want > 0", res.RetryAfterMs)
	}
}

func TestEnforceRetryAfterIsHonored(t *testing.T) {
	limiter, clock := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 2, RefillRate: 0.5},
	}, Hooks{})
	ctx := context.Background()

	limiter.Enforce(ctx, "tenant-a", 0)
	limiter.Enforce(ctx, "tenant-a", 0)

	res, _ := limiter.Enforce(ctx, "tenant-a", 0)
	if res.Allowed {
		t.Fatal("Expected denial")
	}

	clock.Advance(time.Duration(res.RetryAfterMs) * time.Millisecond)

	res, err := limiter.Enforce(ctx, "tenant-a", 0)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("Denied after waiting the advertised retry interval")
	}
}

func TestEnforceQuotaExceeded(t *testing.T) {
	var exceededTenant string
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 100, RefillRate: 10, MaxTokens: 100},
	}, Hooks{
		OnQuotaExceeded: func(tenantID string, usage Usage) { exceededTenant = tenantID },
	})
	ctx := context.Background()

	if err := limiter.ReportUsage(ctx, "tenant-a", 100, 50, 0); err != nil {
		t.Fatalf("ReportUsage failed: %v", err)
	}

	res, err := limiter.Enforce(ctx, "tenant-a", 0)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("Request over quota allowed")
	}
	if res.Code != CodeQuotaExceeded {
		t.Fatalf("Code = %q, want %q", res.Code, CodeQuotaExceeded)
	}
	if res.Usage == nil || res.Usage.TokensUsed != 150 {
		t.Fatalf("Usage = %+v, want 150 tokens used attached", res.Usage)
	}
	if exceededTenant != "tenant-a" {
		t.Fatalf("OnQuotaExceeded fired for %q, want tenant-a", exceededTenant)
	}
}

func TestEnforceProjectsEstimatedTokens(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 100, RefillRate: 10, MaxTokens: 1000},
	}, Hooks{})
	ctx := context.Background()

	limiter.ReportUsage(ctx, "tenant-a", 500, 0, 0)

	res, _ := limiter.Enforce(ctx, "tenant-a", 400)
	if !res.Allowed {
		t.Fatal("900 projected of 1000 should be allowed")
	}

	res, _ = limiter.Enforce(ctx, "tenant-a", 500)
	if res.Allowed {
		t.Fatal("1000 projected of 1000 should be denied (at-or-over)")
	}
}

func TestQuotaWarningFiresEveryCall(t *testing.T) {
	warnings := 0
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 100, RefillRate: 10, MaxTokens: 100},
	}, Hooks{
		OnQuotaWarning: func(tenantID string, usage Usage) { warnings++ },
	})
	ctx := context.Background()

	limiter.ReportUsage(ctx, "tenant-a", 80, 0, 0) // crosses 80%, warns
	limiter.Enforce(ctx, "tenant-a", 0)            // warns again, no dedup
	limiter.Enforce(ctx, "tenant-a", 0)

	if warnings < 3 {
		t.Fatalf("Warnings = %d, want at-least-once per call past 80%%", warnings)
	}
}

func TestReportUsageIsAdditive(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 100, RefillRate: 10, MaxTokens: 100000},
	}, Hooks{})
	ctx := context.Background()

	limiter.ReportUsage(ctx, "tenant-a", 100, 50, 0)
	limiter.ReportUsage(ctx, "tenant-a", 0, 0, 0.015)

	usage, err := limiter.GetUsage(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.TokensUsed != 150 {
		t.Fatalf("TokensUsed = %d, want 150", usage.TokensUsed)
	}
	if usage.CostUsed < 0.0149 || usage.CostUsed > 0.0151 {
		t.Fatalf("CostUsed = %v, want 0.015", usage.CostUsed)
	}
}

func TestGetUsageUnseenTenant(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 100, RefillRate: 10, MaxTokens: 100000},
	}, Hooks{})

	usage, err := limiter.GetUsage(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.TokensUsed != 0 {
		t.Fatalf("TokensUsed = %d, want 0", usage.TokensUsed)
	}
	if usage.PercentUsed != 0 {
		t.Fatalf("PercentUsed = %v, want 0", usage.PercentUsed)
	}
	if usage.TokenLimit != 100000 {
		t.Fatalf("TokenLimit = %d, want 100000", usage.TokenLimit)
	}
}

func TestGetUsageWithoutQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[string]Plan{
		"default": {Capacity: 100, RefillRate: 10},
	}, Hooks{})
	ctx := context.Background()

	limiter.ReportUsage(ctx, "tenant-a", 5000, 0, 0)

	usage, err := limiter.GetUsage(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.TokenLimit != 0 {
		t.Fatalf("TokenLimit = %d, want 0 (unbounded)", usage.TokenLimit)
	}
	if usage.PercentUsed != 0 {
		t.Fatalf("PercentUsed = %v, want 0 when no quota is configured", usage.PercentUsed)
	}
}

func TestPlanResolution(t *testing.T) {
	backend := NewLocalBackend()
	limiter, err := NewLimiter(backend, Config{
		Plans: map[string]Plan{
			"default": {Capacity: 5, RefillRate: 1},
			"pro":     {Capacity: 50, RefillRate: 10},
		},
		GetPlan: func(tenantID string) string {
			if tenantID == "tenant-pro" {
				return "pro"
			}
			if tenantID == "tenant-ghost" {
				return "retired-plan"
			}
			return ""
		},
	})
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	ctx := context.Background()

	res, _ := limiter.Enforce(ctx, "tenant-pro", 0)
	if res.Limit != 50 {
		t.Fatalf("Pro tenant limit = %v, want 50", res.Limit)
	}

	res, _ = limiter.Enforce(ctx, "tenant-basic", 0)
	if res.Limit != 5 {
		t.Fatalf("Unmapped tenant limit = %v, want default 5", res.Limit)
	}

	// Unknown plan names fall back to default rather than failing requests
	res, _ = limiter.Enforce(ctx, "tenant-ghost", 0)
	if res.Limit != 5 {
		t.Fatalf("Ghost plan limit = %v, want default 5", res.Limit)
	}
}

func TestJanitorSweepsIdleBuckets(t *testing.T) {
	clock := newTestClock()
	backend := NewLocalBackend()
	backend.Now = clock.Now
	ctx := context.Background()

	backend.TryConsume(ctx, "tenant-old", 5, 1)
	clock.Advance(2 * time.Hour)
	backend.TryConsume(ctx, "tenant-fresh", 5, 1)

	if removed := backend.sweep(time.Hour); removed != 1 {
		t.Fatalf("Sweep removed %d buckets, want 1", removed)
	}
	if _, ok := backend.buckets["tenant-fresh"]; !ok {
		t.Fatal("Fresh bucket was swept")
	}
}

func TestJanitorStartStop(t *testing.T) {
	backend := NewLocalBackend()
	janitor := NewJanitor(backend, 10*time.Millisecond, time.Hour)

	janitor.Start()
	janitor.Start() // idempotent
	janitor.Stop()
	janitor.Stop() // idempotent
}
