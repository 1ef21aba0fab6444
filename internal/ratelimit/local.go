package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

// Process-local backend. Non-durable and single-node only: it provides
// atomicity within one gateway process, not across instances.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	tokens  map[string]int64   // tenant|period -> tokens used
	costs   map[string]float64 // tenant|period -> cost used

	// Overridable for tests
	Now func() time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		buckets: make(map[string]*localBucket),
		tokens:  make(map[string]int64),
		costs:   make(map[string]float64),
		Now:     time.Now,
	}
}

func (b *LocalBackend) TryConsume(ctx context.Context, tenantID string, capacity, refillRate float64) (ConsumeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.Now()

	bucket, exists := b.buckets[tenantID]
	if !exists {
		// First call consumes a token, so initialize full minus one
		b.buckets[tenantID] = &localBucket{tokens: capacity - 1, lastRefill: now}
		return ConsumeResult{
			Allowed:   true,
			Remaining: capacity - 1,
			ResetMs:   resetMs(capacity-1, capacity, refillRate),
		}, nil
	}

	bucket.tokens = refill(bucket.tokens, bucket.lastRefill, now, capacity, refillRate)
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens -= 1
		return ConsumeResult{
			Allowed:   true,
			Remaining: bucket.tokens,
			ResetMs:   resetMs(bucket.tokens, capacity, refillRate),
		}, nil
	}

	return ConsumeResult{
		Allowed:   false,
		Remaining: bucket.tokens,
		ResetMs:   resetMs(bucket.tokens, capacity, refillRate),
	}, nil
}

func (b *LocalBackend) GetBucketState(ctx context.Context, tenantID string, capacity, refillRate float64) (BucketState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, exists := b.buckets[tenantID]
	if !exists {
		return BucketState{Tokens: capacity, ResetMs: 0}, nil
	}

	tokens := refill(bucket.tokens, bucket.lastRefill, b.Now(), capacity, refillRate)
	return BucketState{Tokens: tokens, ResetMs: resetMs(tokens, capacity, refillRate)}, nil
}

func (b *LocalBackend) GetTokenUsage(ctx context.Context, tenantID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens[tenantID+"|"+periodKey(b.Now())], nil
}

func (b *LocalBackend) GetCostUsage(ctx context.Context, tenantID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.costs[tenantID+"|"+periodKey(b.Now())], nil
}

func (b *LocalBackend) AddTokenUsage(ctx context.Context, tenantID string, tokens int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[tenantID+"|"+periodKey(b.Now())] += tokens
	return nil
}

func (b *LocalBackend) AddCostUsage(ctx context.Context, tenantID string, costUsd float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.costs[tenantID+"|"+periodKey(b.Now())] += costUsd
	return nil
}

func (b *LocalBackend) ResetUsage(ctx context.Context, tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.buckets, tenantID)
	key := tenantID + "|" + periodKey(b.Now())
	delete(b.tokens, key)
	delete(b.costs, key)
	return nil
}

// Removes buckets idle longer than maxIdle. Returns the number removed.
func (b *LocalBackend) sweep(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.Now().Add(-maxIdle)
	removed := 0
	for tenantID, bucket := range b.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(b.buckets, tenantID)
			removed++
		}
	}
	return removed
}

// Periodically sweeps expired local bucket entries. Owned by the process:
// explicit Start/Stop, no ambient timers.
type Janitor struct {
	mu       sync.Mutex
	backend  *LocalBackend
	interval time.Duration
	maxIdle  time.Duration
	stopChan chan struct{}
	running  bool
}

func NewJanitor(backend *LocalBackend, interval, maxIdle time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}

	return &Janitor{
		backend:  backend,
		interval: interval,
		maxIdle:  maxIdle,
		stopChan: make(chan struct{}),
	}
}

// Begins periodic sweeps
func (j *Janitor) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := j.backend.sweep(j.maxIdle); removed > 0 {
					log.Printf("Rate limit janitor removed %d idle buckets", removed)
				}
			case <-j.stopChan:
				return
			}
		}
	}()
}

// Stops the janitor
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		close(j.stopChan)
		j.running = false
	}
}
