package source

import (
	"context"
	"fmt"

	"quotefeed/internal/feed/models"
)

// CatchUpFunc returns the notifications for every change after marker, in
// version order.
type CatchUpFunc func(ctx context.Context, marker uint64) ([]models.RawNotification, error)

// EmitFunc forwards one notification downstream and reports false when the
// consumer is gone.
type EmitFunc func(models.RawNotification) bool

// handover is a freshly opened stream together with its cutover marker.
// Everything at or below the cutover was already forwarded.
type handover struct {
	mode    Mode
	stream  models.NotificationStream
	cutover uint64
}

// admit reports whether n is new relative to the cutover.
func (h handover) admit(n models.RawNotification) bool {
	return n.Version > h.cutover
}

// transition switches the stream from outgoing (nil on start) to incoming
// without dropping or duplicating a change:
//
//  1. incoming is opened first, so it buffers every change from now on;
//  2. catchUp (when set) reads what happened since marker, the last version
//     forwarded, and emits it, advancing the marker;
//  3. outgoing is closed and the cutover is set to the advanced marker;
//     incoming notifications at or below it duplicate the catch-up and are
//     discarded by admit.
//
// If any step before the close fails, incoming is closed and outgoing stays
// untouched.
func transition(
	ctx context.Context,
	incoming Variant,
	outgoing models.NotificationStream,
	marker uint64,
	catchUp CatchUpFunc,
	emit EmitFunc,
) (handover, uint64, error) {
	stream, err := incoming.Open(ctx, marker)
	if err != nil {
		return handover{}, marker, err
	}

	var backlog []models.RawNotification
	if catchUp != nil {
		backlog, err = catchUp(ctx, marker)
		if err != nil {
			stream.Close()
			return handover{}, marker, fmt.Errorf("catch up from %d: %w: %w", marker, models.ErrSourceUnavailable, err)
		}
	}

	if outgoing != nil {
		outgoing.Close()
	}

	for _, n := range backlog {
		if n.Version <= marker {
			continue
		}
		if !emit(n) {
			stream.Close()
			return handover{}, marker, errStopped
		}
		marker = n.Version
	}

	return handover{mode: incoming.Mode(), stream: stream, cutover: marker}, marker, nil
}
