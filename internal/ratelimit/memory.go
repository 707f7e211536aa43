package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Windows start empty on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryStore) Window(_ context.Context, category string, cutoff time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.windows[category]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		// Copy so the pruned prefix of the backing array can be collected.
		ts = append([]time.Time(nil), ts[i:]...)
		s.windows[category] = ts
	}
	if len(ts) == 0 {
		return 0, time.Time{}, nil
	}
	return len(ts), ts[0], nil
}

func (s *MemoryStore) Add(_ context.Context, category string, at time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.windows[category]
	// Keep ascending order even if the clock steps backwards.
	pos := len(ts)
	for pos > 0 && ts[pos-1].After(at) {
		pos--
	}
	ts = append(ts, time.Time{})
	copy(ts[pos+1:], ts[pos:])
	ts[pos] = at
	s.windows[category] = ts
	return nil
}
