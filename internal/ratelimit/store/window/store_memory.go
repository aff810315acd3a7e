package window

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"quotefeed/internal/ratelimit/models"
)

// sweepThreshold is the number of tracked windows above which stale ones are
// dropped when a new window opens.
const sweepThreshold = 10000

// InMemoryWindowStore implements fixed-window counting in process memory.
// It backs single-instance deployments and is the fallback when the shared
// store is unavailable.
type InMemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	clock   clock.Clock
}

// fixedWindow counts accepted requests since start.
type fixedWindow struct {
	start time.Time
	count int
}

type Option func(*InMemoryWindowStore)

func WithClock(c clock.Clock) Option {
	return func(s *InMemoryWindowStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewInMemoryWindowStore creates a new in-memory window store.
func NewInMemoryWindowStore(opts ...Option) *InMemoryWindowStore {
	s := &InMemoryWindowStore{
		windows: make(map[string]*fixedWindow),
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow counts a request against key unless the window is full. Rejected
// requests are not counted.
func (s *InMemoryWindowStore) Allow(_ context.Context, key string, limit models.Limit) (*models.RateLimitResult, error) {
	now := s.clock.Now()
	start := limit.WindowStart(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || !w.start.Equal(start) {
		if len(s.windows) >= sweepThreshold {
			s.sweepLocked(start)
		}
		w = &fixedWindow{start: start}
		s.windows[key] = w
	}
	if w.count >= limit.RequestsPerWindow {
		return models.NewResult(false, w.count, limit, start, now), nil
	}
	w.count++
	return models.NewResult(true, w.count, limit, start, now), nil
}

// Len returns the number of tracked windows.
func (s *InMemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// sweepLocked drops windows that started before current.
func (s *InMemoryWindowStore) sweepLocked(current time.Time) {
	for key, w := range s.windows {
		if w.start.Before(current) {
			delete(s.windows, key)
		}
	}
}
