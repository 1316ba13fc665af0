package limiter

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryWindowLimiter is an in-process sliding-window limiter, the same
// bucket shape as the teacher's MemoryCache but counting weighted events in
// a window instead of TTL-expiring cache entries.
type MemoryWindowLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	events *list.List // of entry, oldest first
}

type entry struct {
	at   time.Time
	cost int
}

// NewMemoryWindowLimiter builds an empty in-process limiter.
func NewMemoryWindowLimiter() *MemoryWindowLimiter {
	return &MemoryWindowLimiter{buckets: make(map[string]*bucket)}
}

func (m *MemoryWindowLimiter) Allow(_ context.Context, key string, limit, cost int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{events: list.New()}
		m.buckets[key] = b
	}

	now := time.Now()
	cutoff := now.Add(-window)
	for b.events.Len() > 0 {
		front := b.events.Front()
		if front.Value.(entry).at.Before(cutoff) {
			b.events.Remove(front)
			continue
		}
		break
	}

	used := 0
	for e := b.events.Front(); e != nil; e = e.Next() {
		used += e.Value.(entry).cost
	}

	if used+cost > limit {
		return false, nil
	}

	b.events.PushBack(entry{at: now, cost: cost})
	return true, nil
}

// Adjust records an additional signed-cost event against key, the same way
// Allow would for a positive cost, except it never rejects — reconciliation
// always applies regardless of the current tally.
func (m *MemoryWindowLimiter) Adjust(_ context.Context, key string, delta int) error {
	if delta == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{events: list.New()}
		m.buckets[key] = b
	}
	b.events.PushBack(entry{at: time.Now(), cost: delta})
	return nil
}
