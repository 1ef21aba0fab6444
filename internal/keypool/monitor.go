package keypool

import (
	"context"
	"log"
	"sync"
	"time"
)

// Monitor periodically clears rate-limit backoffs whose window has
// passed, so entries rejoin selection without waiting for a request
// to observe the expired deadline.
type Monitor struct {
	mu       sync.Mutex
	repo     *Repository
	interval time.Duration
	stopChan chan struct{}
	running  bool

	// Overridable for tests
	Now func() time.Time
}

func NewMonitor(repo *Repository, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Monitor{
		repo:     repo,
		interval: interval,
		stopChan: make(chan struct{}),
		Now:      time.Now,
	}
}

// Begins the periodic sweep
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Printf("Starting key pool monitor (interval: %v)", m.interval)

	m.sweep()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stops the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopChan)
		m.running = false
		log.Printf("Key pool monitor stopped")
	}
}

func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleared, err := m.repo.ClearExpiredRateLimits(ctx, m.Now().UTC())
	if err != nil {
		log.Printf("Key pool sweep failed: %v", err)
		return
	}

	if cleared > 0 {
		log.Printf("Key pool sweep cleared %d expired rate limits", cleared)
	}
}
