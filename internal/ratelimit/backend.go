package ratelimit

import (
	"context"
	"math"
	"time"
)

// Result of an atomic refill-then-consume attempt
type ConsumeResult struct {
	Allowed   bool    `json:"allowed"`
	Remaining float64 `json:"remaining"`
	ResetMs   int64   `json:"reset_ms"` // ms until the bucket is full again
}

// Read-only projection of a bucket
type BucketState struct {
	Tokens  float64 `json:"tokens"`
	ResetMs int64   `json:"reset_ms"`
}

// Backend is the pluggable persistence layer for bucket state and
// current-period quota counters. Every implementation must provide the
// same semantics: TryConsume refills then subtracts one token atomically
// and is safe under concurrent callers for the same tenant; usage
// additions are atomic increments, never read-modify-write at the caller.
type Backend interface {
	TryConsume(ctx context.Context, tenantID string, capacity, refillRate float64) (ConsumeResult, error)

	// Reads current tokens without mutating state
	GetBucketState(ctx context.Context, tenantID string, capacity, refillRate float64) (BucketState, error)

	// Current billing period counters
	GetTokenUsage(ctx context.Context, tenantID string) (int64, error)
	GetCostUsage(ctx context.Context, tenantID string) (float64, error)
	AddTokenUsage(ctx context.Context, tenantID string, tokens int64) error
	AddCostUsage(ctx context.Context, tenantID string, costUsd float64) error

	// Clears the bucket and current-period counters
	ResetUsage(ctx context.Context, tenantID string) error
}

// Billing period key, e.g. "2026-08"
func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Continuous refill: tokens never exceed capacity
func refill(tokens float64, lastRefill, now time.Time, capacity, refillRate float64) float64 {
	elapsed := now.Sub(lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(capacity, tokens+elapsed*refillRate)
}

// ms until the bucket refills completely
func resetMs(tokens, capacity, refillRate float64) int64 {
	if tokens >= capacity || refillRate <= 0 {
		return 0
	}
	return int64(math.Ceil((capacity - tokens) / refillRate * 1000))
}

// ms until one whole token is available again. Tight: waiting exactly
// this long and retrying succeeds, barring concurrent consumption.
func retryAfterMs(tokens, refillRate float64) int64 {
	if tokens >= 1 || refillRate <= 0 {
		return 0
	}
	return int64(math.Ceil((1 - tokens) / refillRate * 1000))
}
