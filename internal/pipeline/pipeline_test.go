package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/keypool"
	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/aman-churiwal/ai-gateway/internal/usage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestPipeline(t *testing.T, plans map[string]ratelimit.Plan) (*Pipeline, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.Project{},
		&models.ProjectTier{},
		&models.UsageCounter{},
		&models.IdentityLimitOverride{},
		&models.KeyPoolEntry{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if plans == nil {
		plans = map[string]ratelimit.Plan{
			"default": {Capacity: 1000, RefillRate: 100},
		}
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.NewLocalBackend(), ratelimit.Config{Plans: plans})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	cipher, err := keypool.NewCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}

	return New(limiter, usage.NewAccounting(db), keypool.NewPool(db, cipher)), db
}

func createProject(t *testing.T, db *gorm.DB, mutate func(*models.Project)) *models.Project {
	t.Helper()

	project := &models.Project{
		Name:        "test-project",
		UsagePeriod: "monthly",
	}
	if mutate != nil {
		mutate(project)
	}

	if err := db.Create(project).Error; err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	return project
}

func TestAdmitAllows(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, nil)

	decision, err := p.Admit(context.Background(), Request{
		TenantID:        "org-1",
		Project:         project,
		Identity:        "user-1",
		EstimatedTokens: 100,
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}
	if decision.Enforce == nil || decision.Usage == nil {
		t.Fatal("decision should carry enforcement and usage results")
	}
	if decision.Usage.Counter.TokensUsed != 100 {
		t.Errorf("TokensUsed = %d, want 100", decision.Usage.Counter.TokensUsed)
	}
	if decision.Usage.Counter.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d, want 1", decision.Usage.Counter.RequestsUsed)
	}
}

func TestAdmitRateLimitDenial(t *testing.T) {
	p, db := setupTestPipeline(t, map[string]ratelimit.Plan{
		"default": {Capacity: 2, RefillRate: 0.1},
	})
	project := createProject(t, db, nil)

	req := Request{TenantID: "org-1", Project: project, Identity: "user-1"}
	for i := 0; i < 2; i++ {
		decision, err := p.Admit(context.Background(), req)
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("third call should be denied")
	}
	if decision.Code != ratelimit.CodeRateLimitExceeded {
		t.Errorf("code = %q, want rate_limit_exceeded", decision.Code)
	}
	if decision.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", decision.StatusCode)
	}
	if decision.Enforce.RetryAfterMs <= 0 {
		t.Error("denial should carry a positive RetryAfterMs")
	}
}

func TestAdmitQuotaDenial(t *testing.T) {
	p, db := setupTestPipeline(t, map[string]ratelimit.Plan{
		"default": {Capacity: 1000, RefillRate: 100, MaxTokens: 100},
	})
	project := createProject(t, db, nil)
	req := Request{TenantID: "org-1", Project: project, Identity: "user-1"}

	if err := p.Finalize(context.Background(), req, &Decision{PeriodStart: usage.PeriodStart("monthly", time.Now().UTC())}, 100, 50, 0); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("tenant over quota should be denied")
	}
	if decision.Code != ratelimit.CodeQuotaExceeded {
		t.Errorf("code = %q, want quota_exceeded", decision.Code)
	}
	if decision.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", decision.StatusCode)
	}
}

func TestAdmitIdentityDisabled(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, nil)

	accounting := usage.NewAccounting(db)
	if err := accounting.SetEnabled(context.Background(), project.ID, "user-1", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	decision, err := p.Admit(context.Background(), Request{
		TenantID: "org-1",
		Project:  project,
		Identity: "user-1",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("disabled identity should be denied")
	}
	if decision.Code != usage.BlockedIdentityDisabled {
		t.Errorf("code = %q, want identity_disabled", decision.Code)
	}
}

func TestAdmitUsageLimitDenial(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.DefaultTokenLimit = 150
	})
	req := Request{TenantID: "org-1", Project: project, Identity: "user-1", EstimatedTokens: 100}

	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("first request should fit the limit")
	}

	decision, err = p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("second request should exceed the limit")
	}
	if decision.Code != usage.BlockedLimitExceeded {
		t.Errorf("code = %q, want limit_exceeded", decision.Code)
	}
	if len(decision.Payload) == 0 {
		t.Error("denial should carry the limit response payload")
	}
}

func TestAdmitRuleAllowOverridesUsageBlock(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.DefaultTokenLimit = 10
		pr.Rules = json.RawMessage(`[{
			"id": "vip-pass",
			"enabled": true,
			"condition": {"type": "tier", "tier": "vip"},
			"action": {"type": "allow"}
		}]`)
	})

	decision, err := p.Admit(context.Background(), Request{
		TenantID:        "org-1",
		Project:         project,
		Identity:        "user-1",
		Tier:            "vip",
		EstimatedTokens: 100,
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("rule allow should override the usage block, got %+v", decision)
	}
}

func TestOverriddenAdmissionCountsFully(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.DefaultTokenLimit = 50
		pr.Rules = json.RawMessage(`[{
			"id": "vip-pass",
			"enabled": true,
			"condition": {"type": "tier", "tier": "vip"},
			"action": {"type": "allow"}
		}]`)
	})
	req := Request{
		TenantID:        "org-1",
		Project:         project,
		Identity:        "user-1",
		Tier:            "vip",
		EstimatedTokens: 100,
	}

	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}

	accounting := usage.NewAccounting(db)
	counter, err := accounting.GetCounter(context.Background(), project.ID, "user-1", decision.PeriodStart)
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if counter.TokensUsed != 100 || counter.RequestsUsed != 1 {
		t.Fatalf("counter = %d tokens / %d requests, want the full estimate recorded", counter.TokensUsed, counter.RequestsUsed)
	}

	// Finalize reconciles the estimate down to the true count
	if err := p.Finalize(context.Background(), req, decision, 50, 30, 0); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	counter, err = accounting.GetCounter(context.Background(), project.ID, "user-1", decision.PeriodStart)
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if counter.TokensUsed != 80 {
		t.Errorf("TokensUsed = %d, want 80 after reconciliation", counter.TokensUsed)
	}
	if counter.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d, want 1", counter.RequestsUsed)
	}
}

func TestAdmitRuleBlock(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.Rules = json.RawMessage(`[{
			"id": "block-free",
			"enabled": true,
			"condition": {"type": "tier", "tier": "free"},
			"action": {"type": "block"}
		}]`)
	})

	decision, err := p.Admit(context.Background(), Request{
		TenantID: "org-1",
		Project:  project,
		Identity: "user-1",
		Tier:     "free",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("matching block rule should deny")
	}
	if decision.Code != CodeBlockedByRule {
		t.Errorf("code = %q, want blocked_by_rule", decision.Code)
	}
	if decision.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", decision.StatusCode)
	}
}

func TestAdmitRuleCustomResponse(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.Rules = json.RawMessage(`[{
			"id": "upsell",
			"enabled": true,
			"condition": {"type": "tier", "tier": "free"},
			"action": {"type": "custom_response", "status_code": 402, "body": {"error": "upgrade_required"}}
		}]`)
	})

	decision, err := p.Admit(context.Background(), Request{
		TenantID: "org-1",
		Project:  project,
		Identity: "user-1",
		Tier:     "free",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("custom response rule should deny")
	}
	if decision.StatusCode != 402 {
		t.Errorf("status = %d, want 402", decision.StatusCode)
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(decision.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Error != "upgrade_required" {
		t.Errorf("payload error = %q", payload.Error)
	}
}

func TestAdmitFlowBlock(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.Flow = json.RawMessage(`{
			"nodes": [
				{"id": "n1", "type": "start"},
				{"id": "n2", "type": "checkLimit", "data": {"limit_percent": 50}},
				{"id": "n3", "type": "limitResponse", "data": {"status_code": 429, "message": "Slow down {{identity}}"}},
				{"id": "n4", "type": "allow"}
			],
			"edges": [
				{"source": "n1", "target": "n2"},
				{"source": "n2", "target": "n3", "sourceHandle": "exceeded"},
				{"source": "n2", "target": "n4", "sourceHandle": "pass"}
			]
		}`)
		pr.DefaultTokenLimit = 1000
	})
	req := Request{TenantID: "org-1", Project: project, Identity: "user-1", EstimatedTokens: 700}

	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("flow should block at 70%% usage, got %+v", decision)
	}
	if decision.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", decision.StatusCode)
	}
	if !bytes.Contains(decision.Payload, []byte("Slow down user-1")) {
		t.Errorf("payload = %s, want interpolated message", decision.Payload)
	}
}

func TestAdmitInvalidRulesIsConfigError(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, func(pr *models.Project) {
		pr.Rules = json.RawMessage(`[{
			"id": "broken",
			"enabled": true,
			"condition": {"type": "model_pattern", "pattern": "("},
			"action": {"type": "block"}
		}]`)
	})

	_, err := p.Admit(context.Background(), Request{
		TenantID: "org-1",
		Project:  project,
		Identity: "user-1",
	})
	if err == nil {
		t.Fatal("invalid rule config should surface as an error")
	}
}

func TestAdmitSelectsKey(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, nil)

	cipher, err := keypool.NewCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	pool := keypool.NewPool(db, cipher)
	err = pool.Contribute(context.Background(), &models.KeyPoolEntry{
		ProjectID: project.ID,
		Provider:  "openai",
		Weight:    1,
		Active:    true,
	}, "sk-pool-1")
	if err != nil {
		t.Fatalf("Contribute failed: %v", err)
	}

	decision, err := p.Admit(context.Background(), Request{
		TenantID: "org-1",
		Project:  project,
		Identity: "user-1",
		Provider: "openai",
		Model:    "gpt-4",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}
	if decision.Selection == nil || decision.Selection.Credential != "sk-pool-1" {
		t.Fatalf("selection = %+v, want credential sk-pool-1", decision.Selection)
	}
}

func TestAdmitNoAvailableKey(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, nil)

	decision, err := p.Admit(context.Background(), Request{
		TenantID: "org-1",
		Project:  project,
		Identity: "user-1",
		Provider: "openai",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("empty pool should deny")
	}
	if decision.Code != CodeNoAvailableKey {
		t.Errorf("code = %q, want no_available_key", decision.Code)
	}
}

func TestFinalizeReconciles(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, nil)
	req := Request{TenantID: "org-1", Project: project, Identity: "user-1", EstimatedTokens: 100}

	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// Actual usage came in under the estimate
	if err := p.Finalize(context.Background(), req, decision, 40, 20, 0.003); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	accounting := usage.NewAccounting(db)
	counter, err := accounting.GetCounter(context.Background(), project.ID, "user-1", decision.PeriodStart)
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if counter.TokensUsed != 60 {
		t.Errorf("TokensUsed = %d, want 60 after reconciliation", counter.TokensUsed)
	}

	tenantUsage, err := p.limiter.GetUsage(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if tenantUsage.TokensUsed != 60 {
		t.Errorf("quota TokensUsed = %d, want 60", tenantUsage.TokensUsed)
	}
	if tenantUsage.CostUsed != 0.003 {
		t.Errorf("CostUsed = %f, want 0.003", tenantUsage.CostUsed)
	}
}

func TestFinalizeRecordsKeyUsage(t *testing.T) {
	p, db := setupTestPipeline(t, nil)
	project := createProject(t, db, nil)

	cipher, _ := keypool.NewCipher(bytes.Repeat([]byte{0x42}, 32))
	pool := keypool.NewPool(db, cipher)
	if err := pool.Contribute(context.Background(), &models.KeyPoolEntry{
		ProjectID: project.ID,
		Provider:  "openai",
		Weight:    1,
		Active:    true,
	}, "sk-pool-1"); err != nil {
		t.Fatalf("Contribute failed: %v", err)
	}

	req := Request{TenantID: "org-1", Project: project, Identity: "user-1", Provider: "openai"}
	decision, err := p.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if err := p.Finalize(context.Background(), req, decision, 800, 200, 0.25); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	var entry models.KeyPoolEntry
	if err := db.First(&entry, "id = ?", decision.Selection.Entry.ID).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.PeriodTokens != 1000 {
		t.Errorf("PeriodTokens = %d, want 1000", entry.PeriodTokens)
	}
	if entry.PeriodCost != 25 {
		t.Errorf("PeriodCost = %d cents, want 25", entry.PeriodCost)
	}
	if entry.LifetimeRequests != 1 {
		t.Errorf("LifetimeRequests = %d, want 1", entry.LifetimeRequests)
	}
}
