package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

// MemoryStore keeps windows in process memory. Entries are never evicted,
// and counts are not shared between instances; use RedisStore for that.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*domain.RateWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*domain.RateWindow),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (domain.RateWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &domain.RateWindow{}
		s.windows[key] = w
	}
	if !ok || now.Sub(w.Start) > window {
		w.Count = 1
		w.Start = now
		return *w, nil
	}

	w.Count++
	return *w, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
