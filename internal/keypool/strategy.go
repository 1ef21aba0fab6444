package keypool

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/models"
)

type Strategy interface {
	// Selects the next entry from eligible entries
	Next(entries []*models.KeyPoolEntry) *models.KeyPoolEntry

	// Returns the strategy name
	Name() string
}

// Creates a selection strategy based on name
func NewStrategy(strategyName string) (Strategy, error) {
	switch strategyName {
	case "weighted-random", "weighted_random", "":
		return NewWeightedRandom(), nil
	case "round-robin", "round_robin":
		return NewRoundRobin(), nil
	case "least-used", "least_used":
		return NewLeastUsed(), nil
	case "priority":
		return NewPriority(), nil
	default:
		return nil, fmt.Errorf("unknown key selection strategy: %s", strategyName)
	}
}

type WeightedRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Picks an entry with probability proportional to its weight
func (w *WeightedRandom) Next(entries []*models.KeyPoolEntry) *models.KeyPoolEntry {
	if len(entries) == 0 {
		return nil
	}

	total := 0
	for _, entry := range entries {
		total += entry.Weight
	}
	if total <= 0 {
		return entries[0]
	}

	w.mu.Lock()
	pick := w.rng.Intn(total)
	w.mu.Unlock()

	for _, entry := range entries {
		pick -= entry.Weight
		if pick < 0 {
			return entry
		}
	}

	return entries[len(entries)-1]
}

// Returns the strategy name
func (w *WeightedRandom) Name() string {
	return "weighted_random"
}

type RoundRobin struct {
	mu      sync.Mutex
	current int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{current: 0}
}

// Returns the next entry in round-robin order. The cursor advances on
// every selection, so entries joining or leaving the pool only shift
// the rotation rather than resetting it.
func (r *RoundRobin) Next(entries []*models.KeyPoolEntry) *models.KeyPoolEntry {
	if len(entries) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := entries[r.current%len(entries)]
	r.current++

	return entry
}

// Returns the strategy name
func (r *RoundRobin) Name() string {
	return "round_robin"
}

type LeastUsed struct{}

func NewLeastUsed() *LeastUsed {
	return &LeastUsed{}
}

// Returns the entry with the fewest tokens consumed this period
func (l *LeastUsed) Next(entries []*models.KeyPoolEntry) *models.KeyPoolEntry {
	if len(entries) == 0 {
		return nil
	}

	selected := entries[0]
	for _, entry := range entries[1:] {
		if entry.PeriodTokens < selected.PeriodTokens {
			selected = entry
		}
	}

	return selected
}

// Returns the strategy name
func (l *LeastUsed) Name() string {
	return "least_used"
}

type Priority struct{}

func NewPriority() *Priority {
	return &Priority{}
}

// Returns the entry with the lowest priority value. Ties break on
// creation order, which the repository preserves when listing.
func (p *Priority) Next(entries []*models.KeyPoolEntry) *models.KeyPoolEntry {
	if len(entries) == 0 {
		return nil
	}

	selected := entries[0]
	for _, entry := range entries[1:] {
		if entry.Priority < selected.Priority {
			selected = entry
		}
	}

	return selected
}

// Returns the strategy name
func (p *Priority) Name() string {
	return "priority"
}
