package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var periodSeconds = map[string]float64{
	"minute": 60,
	"hour":   3600,
	"day":    86400,
	"week":   604800,
	"month":  2592000, // 30 days
}

// Parses a human-readable rate string like "100/minute" into bucket
// parameters. The bucket capacity is a 10% burst allowance with a floor
// of 5. Invalid strings fail here, at configuration time, never at
// request time.
func ParseLimit(s string) (Plan, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Plan{}, fmt.Errorf(`invalid rate limit %q: expected "<count>/<minute|hour|day|week|month>"`, s)
	}

	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return Plan{}, fmt.Errorf("invalid rate limit %q: count must be a positive integer", s)
	}

	period := strings.ToLower(strings.TrimSpace(parts[1]))
	seconds, ok := periodSeconds[period]
	if !ok {
		return Plan{}, fmt.Errorf("invalid rate limit %q: unknown period %q", s, period)
	}

	capacity := math.Ceil(float64(count) * 0.1)
	if capacity < 5 {
		capacity = 5
	}

	return Plan{
		Capacity:   capacity,
		RefillRate: float64(count) / seconds,
	}, nil
}
