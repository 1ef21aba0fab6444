package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/flow"
	"github.com/aman-churiwal/ai-gateway/internal/keypool"
	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/aman-churiwal/ai-gateway/internal/rules"
	"github.com/aman-churiwal/ai-gateway/internal/usage"
	"github.com/google/uuid"
)

const (
	CodeNoAvailableKey = "no_available_key"
	CodeBlockedByRule  = "blocked_by_rule"
)

// Request is one inbound call asking for admission.
type Request struct {
	TenantID string
	Project  *models.Project
	Identity string
	Tier     string
	Model    string
	Provider string

	// Pre-flight token estimate, reconciled by Finalize
	EstimatedTokens int64

	// Key selection strategy override; empty = weighted-random
	Strategy string

	// Enforcement result produced upstream (the enforce middleware);
	// when set, Admit reuses it instead of consuming a second token
	Enforced *ratelimit.EnforceResult
}

// Decision is the pipeline's verdict for one request. Denials are
// ordinary values carrying a stable code, never errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Suggested HTTP status for the denial; callers own the final mapping
	StatusCode int `json:"status_code,omitempty"`

	// Custom denial payload from a rule action, flow response, or the
	// project's limit response
	Payload json.RawMessage `json:"payload,omitempty"`

	Enforce     *ratelimit.EnforceResult `json:"enforce,omitempty"`
	Usage       *usage.CheckResult       `json:"usage,omitempty"`
	PeriodStart time.Time                `json:"period_start"`

	// The winning credential, set on allowed decisions with a provider
	Selection *keypool.Selection `json:"-"`
}

// Pipeline sequences admission: rate limit and quota, identity usage
// accounting, rule or flow evaluation, then key selection. Rule and flow
// definitions are compiled once per project version, so malformed config
// surfaces as an error on its first use rather than being skipped.
type Pipeline struct {
	limiter    *ratelimit.Limiter
	accounting *usage.Accounting
	pool       *keypool.Pool

	mu       sync.Mutex
	compiled map[uuid.UUID]*compiledProject

	// Overridable for tests
	Now func() time.Time
}

type compiledProject struct {
	version time.Time
	rules   *rules.RuleSet
	flow    *flow.Graph
}

func New(limiter *ratelimit.Limiter, accounting *usage.Accounting, pool *keypool.Pool) *Pipeline {
	return &Pipeline{
		limiter:    limiter,
		accounting: accounting,
		pool:       pool,
		compiled:   make(map[uuid.UUID]*compiledProject),
		Now:        time.Now,
	}
}

// Admit runs the full admission sequence for one request. A rule or flow
// "allow" overrides an accounting block; an empty key pool is the normal
// no_available_key decision, not an error.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Decision, error) {
	enforce := req.Enforced
	if enforce == nil {
		var err error
		enforce, err = p.limiter.Enforce(ctx, req.TenantID, req.EstimatedTokens)
		if err != nil {
			return nil, err
		}
	}
	if !enforce.Allowed {
		status := http.StatusTooManyRequests
		if enforce.Code == ratelimit.CodeQuotaExceeded {
			status = http.StatusForbidden
		}
		return &Decision{
			Code:       enforce.Code,
			Message:    enforce.Message,
			StatusCode: status,
			Enforce:    enforce,
		}, nil
	}

	periodStart := usage.PeriodStart(req.Project.UsagePeriod, p.Now().UTC())
	check, err := p.accounting.CheckAndUpdateUsage(ctx, req.Project, req.Identity, req.Tier, periodStart, req.EstimatedTokens, 1)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Enforce:     enforce,
		Usage:       check,
		PeriodStart: periodStart,
	}

	if check.Blocked == usage.BlockedIdentityDisabled {
		decision.Code = usage.BlockedIdentityDisabled
		decision.Message = "This identity has been disabled"
		decision.StatusCode = http.StatusForbidden
		return decision, nil
	}

	compiled, err := p.project(req.Project)
	if err != nil {
		return nil, err
	}

	overridden, denied := p.evaluate(compiled, req, check)
	if denied != nil {
		denied.Enforce = enforce
		denied.Usage = check
		denied.PeriodStart = periodStart
		return denied, nil
	}

	if !check.Allowed {
		if !overridden {
			decision.Code = usage.BlockedLimitExceeded
			decision.Message = "Usage limit reached for this billing period"
			decision.StatusCode = http.StatusTooManyRequests
			decision.Payload = check.LimitResponse
			return decision, nil
		}

		// The blocked check never touched the counter, so the overridden
		// admission records its estimate here; Finalize then reconciles
		// against that estimate like any other request
		counter, err := p.accounting.RecordAdmitted(ctx, req.Project.ID, req.Identity, periodStart, 1, req.EstimatedTokens)
		if err != nil {
			return nil, err
		}
		check.Counter = counter
	}

	if req.Provider != "" {
		selection, err := p.pool.SelectKey(ctx, req.Project.ID, req.Provider, keypool.SelectOptions{
			Model:    req.Model,
			Identity: req.Identity,
			Strategy: req.Strategy,
		})
		if err != nil {
			return nil, err
		}
		if selection == nil {
			decision.Code = CodeNoAvailableKey
			decision.Message = fmt.Sprintf("No available key for provider %s", req.Provider)
			decision.StatusCode = http.StatusServiceUnavailable
			return decision, nil
		}
		decision.Selection = selection
	}

	decision.Allowed = true
	return decision, nil
}

// Evaluates the project's flow graph when one is configured, otherwise
// its rule list. Returns whether an explicit allow fired and, for a
// block, the ready-made denial.
func (p *Pipeline) evaluate(compiled *compiledProject, req Request, check *usage.CheckResult) (overridden bool, denied *Decision) {
	if compiled.flow != nil {
		result := flow.Execute(compiled.flow, flow.Context{
			ProjectID:     req.Project.ID.String(),
			Identity:      req.Identity,
			Tier:          req.Tier,
			Model:         req.Model,
			UsagePercent:  check.UsagePercent,
			AbsoluteUsage: check.Counter.TokensUsed,
		})

		if result.Action == flow.ActionBlock {
			denial := &Decision{
				Code:       usage.BlockedLimitExceeded,
				StatusCode: http.StatusTooManyRequests,
			}
			if result.Response != nil {
				denial.Message = result.Response.Message
				if result.Response.StatusCode > 0 {
					denial.StatusCode = result.Response.StatusCode
				}
				if payload, err := json.Marshal(result.Response); err == nil {
					denial.Payload = payload
				}
			}
			return false, denial
		}

		// Flow graphs are exhaustive: reaching allow is an explicit verdict
		return true, nil
	}

	if compiled.rules == nil || compiled.rules.Len() == 0 {
		return false, nil
	}

	matched, action := compiled.rules.Evaluate(rules.Context{
		UsagePercent:  check.UsagePercent,
		AbsoluteUsage: check.Counter.TokensUsed,
		Tier:          req.Tier,
		Model:         req.Model,
	})
	if !matched {
		return false, nil
	}

	switch action.Type {
	case rules.ActionAllow:
		return true, nil
	case rules.ActionBlock:
		return false, &Decision{
			Code:       CodeBlockedByRule,
			Message:    "Request blocked by project rule",
			StatusCode: http.StatusForbidden,
		}
	case rules.ActionCustomResponse:
		status := action.StatusCode
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		return false, &Decision{
			Code:       CodeBlockedByRule,
			Message:    "Request blocked by project rule",
			StatusCode: status,
			Payload:    action.Body,
		}
	}

	return false, nil
}

// Finalize settles a completed request: quota usage, usage counter
// reconciliation, and key pool accounting. Callers invoke it for both
// successes and upstream failures that still consumed tokens.
func (p *Pipeline) Finalize(ctx context.Context, req Request, decision *Decision, inputTokens, outputTokens int64, costUsd float64) error {
	if err := p.limiter.ReportUsage(ctx, req.TenantID, inputTokens, outputTokens, costUsd); err != nil {
		return err
	}

	actual := inputTokens + outputTokens
	if err := p.accounting.FinalizeUsage(ctx, req.Project, req.Identity, decision.PeriodStart, req.EstimatedTokens, actual); err != nil {
		return err
	}

	if decision.Selection != nil {
		costCents := int64(costUsd * 100)
		if err := p.pool.RecordUsage(ctx, decision.Selection.Entry.ID, actual, costCents); err != nil {
			return err
		}
	}

	return nil
}

// RecordFailure marks the selected key after an upstream error
func (p *Pipeline) RecordFailure(ctx context.Context, decision *Decision, message string, isRateLimit bool) error {
	if decision == nil || decision.Selection == nil {
		return nil
	}
	return p.pool.RecordError(ctx, decision.Selection.Entry.ID, message, isRateLimit)
}

// Returns the project's compiled rules and flow, recompiling when the
// project row changed. Compile failures are configuration errors.
func (p *Pipeline) project(project *models.Project) (*compiledProject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cached, ok := p.compiled[project.ID]
	if ok && cached.version.Equal(project.UpdatedAt) {
		return cached, nil
	}

	compiled := &compiledProject{version: project.UpdatedAt}

	if len(project.Flow) > 0 {
		graph, err := flow.ParseGraph(project.Flow)
		if err != nil {
			return nil, fmt.Errorf("project %s: invalid flow: %w", project.ID, err)
		}
		if len(graph.Nodes) > 0 {
			compiled.flow = graph
		}
	}

	if compiled.flow == nil && len(project.Rules) > 0 {
		set, err := rules.CompileJSON(project.Rules)
		if err != nil {
			return nil, fmt.Errorf("project %s: invalid rules: %w", project.ID, err)
		}
		compiled.rules = set
	}

	return compiled, nil
}
