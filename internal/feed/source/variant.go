// Package source observes the durable store and produces one logical stream
// of raw change notifications, from the store's native feed when it is
// available and from periodic polling otherwise.
package source

import (
	"context"
	"fmt"

	"quotefeed/internal/feed/models"
	"quotefeed/internal/submission/store"
)

// Mode names the variant currently feeding the stream.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeNative  Mode = "native"
	ModePolling Mode = "polling"
	ModeStopped Mode = "stopped"
)

// Variant is one way of observing the store. Open starts a stream of changes
// after the from marker; the native variant may also deliver earlier ones,
// which the transition discards.
type Variant interface {
	Mode() Mode
	Open(ctx context.Context, from uint64) (models.NotificationStream, error)
}

// NativeFeed subscribes to the store's own change notifications.
type NativeFeed struct {
	feed store.ChangeFeed
}

func NewNativeFeed(feed store.ChangeFeed) *NativeFeed {
	return &NativeFeed{feed: feed}
}

func (n *NativeFeed) Mode() Mode {
	return ModeNative
}

// Open subscribes from now on; changes between from and the subscription are
// recovered by the transition's catch-up query.
func (n *NativeFeed) Open(ctx context.Context, _ uint64) (models.NotificationStream, error) {
	stream, err := n.feed.SubscribeToChanges(ctx)
	if err != nil {
		return nil, unavailable("open native feed", err)
	}
	return stream, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrSourceUnavailable, err)
}
