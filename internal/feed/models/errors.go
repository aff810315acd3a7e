package models

import "errors"

var (
	// ErrSourceUnavailable means neither the native feed nor polling could be
	// established. Fatal to the change source; the service restarts it.
	ErrSourceUnavailable = errors.New("change source unavailable")

	// ErrMalformedNotification marks a notification that cannot be normalized.
	// It is logged and dropped.
	ErrMalformedNotification = errors.New("malformed notification")

	// ErrHistoryTruncated means incremental catch-up is impossible and the
	// client must resync from the store.
	ErrHistoryTruncated = errors.New("history truncated")

	// ErrBackpressureExceeded closes a connection whose backlog is full.
	ErrBackpressureExceeded = errors.New("backpressure exceeded")

	// ErrHubStopped is returned by hub operations after shutdown began.
	ErrHubStopped = errors.New("hub stopped")

	// ErrConnectionClosed is the close cause for explicit client closes.
	ErrConnectionClosed = errors.New("connection closed")
)
