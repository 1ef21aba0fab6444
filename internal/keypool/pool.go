package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SelectOptions narrow which entries are eligible for a request and
// pick the selection strategy. An empty strategy means weighted-random.
type SelectOptions struct {
	Model    string
	Identity string
	Strategy string
}

// Selection is a chosen entry with its decrypted credential.
type Selection struct {
	Entry      *models.KeyPoolEntry
	Credential string
}

// Pool selects upstream credentials for routed requests. Round-robin
// cursors live in memory per (project, provider) and reset on restart.
type Pool struct {
	repo   *Repository
	cipher *Cipher

	mu      sync.Mutex
	cursors map[string]*RoundRobin

	weighted  *WeightedRandom
	leastUsed *LeastUsed
	priority  *Priority

	// Overridable for tests
	Now func() time.Time
}

func NewPool(db *gorm.DB, cipher *Cipher) *Pool {
	return &Pool{
		repo:      NewRepository(db),
		cipher:    cipher,
		cursors:   make(map[string]*RoundRobin),
		weighted:  NewWeightedRandom(),
		leastUsed: NewLeastUsed(),
		priority:  NewPriority(),
		Now:       time.Now,
	}
}

func (p *Pool) Repository() *Repository {
	return p.repo
}

// Encrypts and stores a contributed credential
func (p *Pool) Contribute(ctx context.Context, entry *models.KeyPoolEntry, plaintextKey string) error {
	if plaintextKey == "" {
		return fmt.Errorf("credential must not be empty")
	}

	encrypted, err := p.cipher.Encrypt(plaintextKey)
	if err != nil {
		return err
	}

	entry.EncryptedKey = encrypted
	if entry.PeriodMonth == "" {
		entry.PeriodMonth = p.Now().UTC().Format("2006-01")
	}

	return p.repo.Create(ctx, entry)
}

// Picks a credential for the request, or returns (nil, nil) when no
// entry is eligible. An empty pool is a normal outcome, not an error.
func (p *Pool) SelectKey(ctx context.Context, projectID uuid.UUID, provider string, opts SelectOptions) (*Selection, error) {
	entries, err := p.repo.ListByProvider(ctx, projectID, provider)
	if err != nil {
		return nil, err
	}

	now := p.Now().UTC()
	eligible := make([]*models.KeyPoolEntry, 0, len(entries))
	for _, entry := range entries {
		if err := p.rollPeriod(ctx, entry, now); err != nil {
			return nil, err
		}
		if p.eligible(entry, opts, now) {
			eligible = append(eligible, entry)
		}
	}

	if len(eligible) == 0 {
		return nil, nil
	}

	strategy, err := p.strategyFor(projectID, provider, opts.Strategy)
	if err != nil {
		return nil, err
	}

	entry := strategy.Next(eligible)
	if entry == nil {
		return nil, nil
	}

	credential, err := p.cipher.Decrypt(entry.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credential %s: %w", entry.ID, err)
	}

	return &Selection{Entry: entry, Credential: credential}, nil
}

// Rolls the entry's period counters forward when the month changed.
// The in-memory copy is updated too so eligibility checks below see
// the fresh counters.
func (p *Pool) rollPeriod(ctx context.Context, entry *models.KeyPoolEntry, now time.Time) error {
	month := now.Format("2006-01")
	if entry.PeriodMonth == month {
		return nil
	}

	if err := p.repo.ResetPeriod(ctx, entry.ID, month); err != nil {
		return err
	}

	entry.PeriodMonth = month
	entry.PeriodTokens = 0
	entry.PeriodCost = 0

	return nil
}

func (p *Pool) eligible(entry *models.KeyPoolEntry, opts SelectOptions, now time.Time) bool {
	if !entry.Active || entry.Weight <= 0 {
		return false
	}

	if entry.RateLimited {
		// Backoffs without a deadline need a manual clear
		if entry.RateLimitedUntil == nil || entry.RateLimitedUntil.After(now) {
			return false
		}
	}

	if opts.Model != "" && !entry.AllowsModel(opts.Model) {
		return false
	}
	if opts.Identity != "" && !entry.AllowsIdentity(opts.Identity) {
		return false
	}

	if entry.MonthlyTokenLimit > 0 && entry.PeriodTokens >= entry.MonthlyTokenLimit {
		return false
	}
	if entry.MonthlyCostLimit > 0 && entry.PeriodCost >= entry.MonthlyCostLimit {
		return false
	}

	return true
}

// Resolves the strategy by name. Round-robin keeps a cursor per
// (project, provider) so rotations in different pools stay independent.
func (p *Pool) strategyFor(projectID uuid.UUID, provider, name string) (Strategy, error) {
	switch name {
	case "weighted-random", "weighted_random", "":
		return p.weighted, nil
	case "round-robin", "round_robin":
		key := projectID.String() + ":" + provider

		p.mu.Lock()
		defer p.mu.Unlock()

		rr, ok := p.cursors[key]
		if !ok {
			rr = NewRoundRobin()
			p.cursors[key] = rr
		}
		return rr, nil
	case "least-used", "least_used":
		return p.leastUsed, nil
	case "priority":
		return p.priority, nil
	default:
		return nil, fmt.Errorf("unknown key selection strategy: %s", name)
	}
}

// Records a completed request against the selected entry
func (p *Pool) RecordUsage(ctx context.Context, entryID uuid.UUID, tokens, costCents int64) error {
	return p.repo.RecordUsage(ctx, entryID, tokens, costCents, p.Now().UTC())
}

// Records an upstream failure for the selected entry
func (p *Pool) RecordError(ctx context.Context, entryID uuid.UUID, message string, isRateLimit bool) error {
	return p.repo.RecordError(ctx, entryID, message, isRateLimit, p.Now().UTC())
}

func (p *Pool) ClearRateLimit(ctx context.Context, entryID uuid.UUID) error {
	return p.repo.ClearRateLimit(ctx, entryID)
}
