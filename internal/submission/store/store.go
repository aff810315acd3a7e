// Package store defines the durable submission store boundary consumed by the
// ingest gateway (writes) and the change-propagation subsystem (reads and the
// native change feed).
package store

import (
	"context"

	feed "quotefeed/internal/feed/models"
	"quotefeed/internal/submission/models"
)

// Writer persists submissions. Create assigns Version and Revision; Update
// bumps both and returns sentinel.ErrNotFound for unknown ids.
type Writer interface {
	Create(ctx context.Context, sub *models.Submission) (*models.Submission, error)
	Update(ctx context.Context, sub *models.Submission) (*models.Submission, error)
}

// Reader serves point reads, version-ordered change queries and full
// snapshots for client resync.
type Reader interface {
	Get(ctx context.Context, id string) (*models.Submission, error)
	// QueryModifiedSince returns up to limit submissions with Version > marker,
	// ordered by Version ascending. limit <= 0 means no limit.
	QueryModifiedSince(ctx context.Context, marker uint64, limit int) ([]models.Submission, error)
	// LatestVersion returns the highest Version assigned so far (0 if empty).
	LatestVersion(ctx context.Context) (uint64, error)
	Snapshot(ctx context.Context) ([]models.Submission, error)
}

// ChangeFeed is the store's native change notification mechanism.
// SubscribeToChanges fails with feed.ErrSourceUnavailable when the feed
// cannot be established.
type ChangeFeed interface {
	SubscribeToChanges(ctx context.Context) (feed.NotificationStream, error)
}

// Store is the complete durable store.
type Store interface {
	Writer
	Reader
	ChangeFeed
	Ping(ctx context.Context) error
}
