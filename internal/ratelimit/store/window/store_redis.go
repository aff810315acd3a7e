package window

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"

	"quotefeed/internal/ratelimit/models"
)

// RedisWindowStore shares fixed-window counters between instances. Each
// window has its own key that expires when the window ends.
type RedisWindowStore struct {
	client redis.Cmdable
	clock  clock.Clock
}

func NewRedisWindowStore(client redis.Cmdable, c clock.Clock) *RedisWindowStore {
	if c == nil {
		c = clock.WallClock
	}
	return &RedisWindowStore{client: client, clock: c}
}

// Allow increments the window counter and its expiry in one transaction.
// Requests over the limit are counted too; they only push the counter
// further past the limit of a window that is already full.
func (s *RedisWindowStore) Allow(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, error) {
	now := s.clock.Now()
	start := limit.WindowStart(now)
	windowKey := models.WindowKey(key, start)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.PExpireAt(ctx, windowKey, start.Add(limit.Window))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("increment rate limit window: %w", err)
	}

	count := int(incr.Val())
	allowed := count <= limit.RequestsPerWindow
	return models.NewResult(allowed, count, limit, start, now), nil
}
