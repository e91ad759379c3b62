package dedup

import (
	"context"
	"sync"
	"time"
)

// Deduper suppresses repeat alerts at the sink boundary. Seen marks key as
// observed and reports whether it was already live.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Close() error
}

// Nop never suppresses.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) Close() error                               { return nil }

// Memory is an in-process TTL deduper. State clears on restart, which
// matches the best-effort alerting contract.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a memory deduper with the given suppression TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Memory{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen reports whether key is inside its suppression TTL and refreshes it.
func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	// Opportunistic prune keeps the map bounded without a sweeper.
	if len(m.entries) > 4096 {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = now.Add(m.ttl)
	return false, nil
}

// Close releases nothing for the memory deduper.
func (m *Memory) Close() error { return nil }
