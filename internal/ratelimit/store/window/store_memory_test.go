package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/suite"

	"quotefeed/internal/ratelimit/models"
)

var testLimit = models.Limit{RequestsPerWindow: 3, Window: time.Minute}

type InMemoryWindowStoreSuite struct {
	suite.Suite
	clock *testclock.Clock
	store *InMemoryWindowStore
	ctx   context.Context
}

func TestInMemoryWindowStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryWindowStoreSuite))
}

func (s *InMemoryWindowStoreSuite) SetupTest() {
	s.clock = testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC))
	s.store = NewInMemoryWindowStore(WithClock(s.clock))
	s.ctx = context.Background()
}

func (s *InMemoryWindowStoreSuite) allow(key string) *models.RateLimitResult {
	res, err := s.store.Allow(s.ctx, key, testLimit)
	s.Require().NoError(err)
	return res
}

func (s *InMemoryWindowStoreSuite) TestAllow() {
	s.Run("requests up to limit allowed", func() {
		for i := 1; i <= testLimit.RequestsPerWindow; i++ {
			res := s.allow("up-to-limit")
			s.True(res.Allowed)
			s.Equal(testLimit.RequestsPerWindow-i, res.Remaining)
			s.Equal(time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC), res.ResetAt)
		}
	})

	s.Run("request over limit denied with retry after", func() {
		for range testLimit.RequestsPerWindow {
			s.allow("over")
		}
		res := s.allow("over")
		s.False(res.Allowed)
		s.Equal(0, res.Remaining)
		s.Equal(50, res.RetryAfter)
	})

	s.Run("keys are independent", func() {
		for range testLimit.RequestsPerWindow {
			s.allow("client-a")
		}
		s.False(s.allow("client-a").Allowed)
		s.True(s.allow("client-b").Allowed)
	})
}

func (s *InMemoryWindowStoreSuite) TestWindowRollover() {
	for range testLimit.RequestsPerWindow {
		s.allow("rollover")
	}
	s.False(s.allow("rollover").Allowed)

	s.clock.Advance(49 * time.Second)
	s.False(s.allow("rollover").Allowed, "still inside the first window")

	s.clock.Advance(time.Second)
	res := s.allow("rollover")
	s.True(res.Allowed)
	s.Equal(testLimit.RequestsPerWindow-1, res.Remaining)
}

func (s *InMemoryWindowStoreSuite) TestRejectedRequestsAreNotCounted() {
	for range 10 {
		s.allow("noisy")
	}
	s.clock.Advance(time.Minute)
	s.Equal(testLimit.RequestsPerWindow-1, s.allow("noisy").Remaining)
}

func (s *InMemoryWindowStoreSuite) TestConcurrentAllowNeverExceedsLimit() {
	limit := models.Limit{RequestsPerWindow: 50, Window: time.Minute}
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.store.Allow(s.ctx, "concurrent", limit)
			s.NoError(err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(limit.RequestsPerWindow, allowed)
}

func (s *InMemoryWindowStoreSuite) TestStaleWindowsAreSwept() {
	for i := range sweepThreshold {
		s.allow("client-" + time.Duration(i).String())
	}
	s.Equal(sweepThreshold, s.store.Len())

	s.clock.Advance(time.Minute)
	s.allow("fresh")
	s.Equal(1, s.store.Len())
}
