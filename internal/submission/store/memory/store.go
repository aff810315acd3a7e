package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/clock"

	feed "quotefeed/internal/feed/models"
	"quotefeed/internal/submission/models"
	"quotefeed/internal/submission/store"
	"quotefeed/pkg/platform/sentinel"
)

// subscriberBuffer bounds each native-feed subscriber. A subscriber that
// falls this far behind is disconnected, like a real feed dropping a slow
// listener; the change source then recovers through polling.
const subscriberBuffer = 1024

// Store is an in-memory submission store with a simulated native change
// feed. It backs local development and tests; the feed can be switched off to
// exercise the polling fallback.
type Store struct {
	mu            sync.RWMutex
	records       map[string]*models.Submission
	version       uint64
	feedAvailable bool
	subscribers   map[*store.Stream]struct{}
	clock         clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for CreatedAt/UpdatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithFeedAvailable sets whether SubscribeToChanges initially succeeds.
func WithFeedAvailable(available bool) Option {
	return func(s *Store) {
		s.feedAvailable = available
	}
}

// New creates an empty store with the native feed available.
func New(opts ...Option) *Store {
	s := &Store{
		records:       make(map[string]*models.Submission),
		feedAvailable: true,
		subscribers:   make(map[*store.Stream]struct{}),
		clock:         clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(_ context.Context, sub *models.Submission) (*models.Submission, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("create submission: missing id: %w", sentinel.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[sub.ID]; exists {
		return nil, fmt.Errorf("create submission %s: %w", sub.ID, sentinel.ErrConflict)
	}
	now := s.clock.Now()
	s.version++
	rec := cloneSubmission(sub)
	rec.Revision = 1
	rec.Version = s.version
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = rec

	s.publishLocked(*rec, feed.OpInsert)
	return cloneSubmission(rec), nil
}

func (s *Store) Update(_ context.Context, sub *models.Submission) (*models.Submission, error) {
	if sub == nil {
		return nil, fmt.Errorf("update submission: %w", sentinel.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[sub.ID]
	if !ok {
		return nil, fmt.Errorf("update submission %s: %w", sub.ID, sentinel.ErrNotFound)
	}
	s.version++
	rec := cloneSubmission(existing)
	rec.Step = sub.Step
	rec.Fields = cloneFields(sub.Fields)
	rec.Revision++
	rec.Version = s.version
	rec.UpdatedAt = s.clock.Now()
	s.records[rec.ID] = rec

	s.publishLocked(*rec, feed.OpUpdate)
	return cloneSubmission(rec), nil
}

func (s *Store) Get(_ context.Context, id string) (*models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get submission %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneSubmission(rec), nil
}

func (s *Store) QueryModifiedSince(_ context.Context, marker uint64, limit int) ([]models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Submission, 0)
	for _, rec := range s.records {
		if rec.Version > marker {
			out = append(out, *cloneSubmission(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestVersion(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *Store) Snapshot(ctx context.Context) ([]models.Submission, error) {
	return s.QueryModifiedSince(ctx, 0, 0)
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

// SubscribeToChanges opens a native-feed stream of every write committed
// after the call returns.
func (s *Store) SubscribeToChanges(ctx context.Context) (feed.NotificationStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.feedAvailable {
		return nil, fmt.Errorf("memory change feed disabled: %w", feed.ErrSourceUnavailable)
	}
	stream := store.NewStream(ctx, subscriberBuffer)
	s.subscribers[stream] = struct{}{}

	go func() {
		<-stream.Context().Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, stream)
		stream.Finish(nil)
	}()
	return stream, nil
}

// SetFeedAvailable switches the simulated native feed. Disabling it breaks
// every open subscription with sentinel.ErrUnavailable.
func (s *Store) SetFeedAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.feedAvailable = available
	if available {
		return
	}
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		sub.Finish(fmt.Errorf("memory change feed: %w", sentinel.ErrUnavailable))
	}
}

// Subscribers returns the number of open native-feed subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *Store) publishLocked(rec models.Submission, op feed.Op) {
	if len(s.subscribers) == 0 {
		return
	}
	n, err := feed.NewRawNotification(rec, op, feed.OriginNative)
	if err != nil {
		// Unencodable fields; the poller logs and skips the same record.
		return
	}
	for sub := range s.subscribers {
		if !sub.TryEmit(n) {
			delete(s.subscribers, sub)
			sub.Finish(fmt.Errorf("memory change feed subscriber overflow: %w", sentinel.ErrUnavailable))
		}
	}
}

func cloneSubmission(sub *models.Submission) *models.Submission {
	c := *sub
	c.Fields = cloneFields(sub.Fields)
	return &c
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
