// Package history keeps the bounded recent-history buffer used for
// incremental catch-up of reconnecting dashboards.
package history

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"quotefeed/internal/feed/models"
)

const (
	DefaultCapacity = 512
	DefaultMaxAge   = 5 * time.Minute
)

type entry struct {
	event      models.ChangeEvent
	appendedAt time.Time
}

// Buffer is a ring of the most recent events, bounded by count and by age.
// Append and Since are serialized, so Since observes either all or none of a
// concurrent Append.
type Buffer struct {
	mu      sync.Mutex
	entries []entry
	head    int // index of the oldest entry
	size    int

	base           uint64
	last           uint64
	evictedThrough uint64

	maxAge time.Duration
	clock  clock.Clock
}

// Option configures a Buffer.
type Option func(*Buffer)

func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.entries = make([]entry, n)
		}
	}
}

// WithMaxAge sets the retention age. Zero disables age eviction.
func WithMaxAge(d time.Duration) Option {
	return func(b *Buffer) {
		if d >= 0 {
			b.maxAge = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Buffer) {
		if c != nil {
			b.clock = c
		}
	}
}

// New returns an empty buffer for a stream whose sequences start after base.
func New(base uint64, opts ...Option) *Buffer {
	b := &Buffer{
		entries:        make([]entry, DefaultCapacity),
		base:           base,
		last:           base,
		evictedThrough: base,
		maxAge:         DefaultMaxAge,
		clock:          clock.WallClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds ev, evicting the oldest entries beyond capacity or age. Events
// at or below the last appended sequence are ignored and reported as false.
func (b *Buffer) Append(ev models.ChangeEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Sequence <= b.last {
		return false
	}
	now := b.clock.Now()
	b.evictExpiredLocked(now)
	if b.size == len(b.entries) {
		b.evictOldestLocked()
	}
	b.entries[(b.head+b.size)%len(b.entries)] = entry{event: ev, appendedAt: now}
	b.size++
	b.last = ev.Sequence
	return true
}

// Since returns, in order, every retained event with a sequence greater than
// seq. It fails with models.ErrHistoryTruncated when events after seq were
// already evicted, or when seq does not belong to this stream.
func (b *Buffer) Since(seq uint64) ([]models.ChangeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictExpiredLocked(b.clock.Now())

	switch {
	case seq < b.base:
		return nil, fmt.Errorf("%w: sequence %d predates stream base %d", models.ErrHistoryTruncated, seq, b.base)
	case seq > b.last:
		return nil, fmt.Errorf("%w: sequence %d is ahead of last sequence %d", models.ErrHistoryTruncated, seq, b.last)
	case seq < b.evictedThrough:
		return nil, fmt.Errorf("%w: events after %d evicted through %d", models.ErrHistoryTruncated, seq, b.evictedThrough)
	}

	skip := sort.Search(b.size, func(i int) bool {
		return b.entries[(b.head+i)%len(b.entries)].event.Sequence > seq
	})
	out := make([]models.ChangeEvent, 0, b.size-skip)
	for i := skip; i < b.size; i++ {
		out = append(out, b.entries[(b.head+i)%len(b.entries)].event)
	}
	return out, nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Last returns the last appended sequence, or the base when empty.
func (b *Buffer) Last() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *Buffer) Base() uint64 {
	return b.base
}

func (b *Buffer) evictExpiredLocked(now time.Time) {
	if b.maxAge == 0 {
		return
	}
	cutoff := now.Add(-b.maxAge)
	for b.size > 0 && b.entries[b.head].appendedAt.Before(cutoff) {
		b.evictOldestLocked()
	}
}

func (b *Buffer) evictOldestLocked() {
	b.evictedThrough = b.entries[b.head].event.Sequence
	b.entries[b.head] = entry{}
	b.head = (b.head + 1) % len(b.entries)
	b.size--
}
