package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	window    time.Duration
	prevCount int64
	prevStart time.Time
	currCount int64
	currStart time.Time
}

// MemoryStore is an in-process Store using a sliding two-window counter: the
// previous window's count is weighted by its remaining overlap with the
// sliding window, which smooths bursts at window boundaries.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*entry

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit Limit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket := key + "@" + limit.Window.String()
	e, ok := s.buckets[bucket]
	if !ok {
		e = &entry{window: limit.Window, currStart: now}
		s.buckets[bucket] = e
	}

	if elapsed := now.Sub(e.currStart); elapsed >= limit.Window {
		if elapsed >= 2*limit.Window {
			e.prevCount = 0
		} else {
			e.prevCount = e.currCount
		}
		e.prevStart = e.currStart
		e.currStart = now.Truncate(limit.Window)
		if e.currStart.Before(e.prevStart.Add(limit.Window)) {
			e.currStart = e.prevStart.Add(limit.Window)
		}
		e.currCount = 0
	}

	// Weight the previous window by how much of it still overlaps the
	// sliding window ending now.
	overlap := float64(limit.Window-now.Sub(e.currStart)) / float64(limit.Window)
	if overlap < 0 {
		overlap = 0
	}
	estimated := int64(overlap*float64(e.prevCount)) + e.currCount

	if estimated >= limit.Max {
		return false, nil
	}
	e.currCount++
	return true, nil
}

// StartCleanup evicts idle buckets every interval until ctx is cancelled.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for bucket, e := range s.buckets {
		if now.Sub(e.currStart) >= 2*e.window {
			delete(s.buckets, bucket)
		}
	}
}
