package store

import (
	"context"
	"sync"

	feed "quotefeed/internal/feed/models"
)

// Stream is a NotificationStream backed by a channel. Producers call Emit and
// Finish; consumers read Notifications and call Close. It is shared by the
// store implementations and the change source variants.
type Stream struct {
	ch     chan feed.RawNotification
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	finished bool
}

// NewStream returns a stream whose context is cancelled by Close or when
// parent is done. buffer sizes the notification channel.
func NewStream(parent context.Context, buffer int) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		ch:     make(chan feed.RawNotification, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is done once the consumer closed the stream.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Emit blocks until the notification is queued or the stream is closed.
func (s *Stream) Emit(n feed.RawNotification) bool {
	select {
	case s.ch <- n:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// TryEmit queues the notification without blocking.
func (s *Stream) TryEmit(n feed.RawNotification) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

// Finish ends the stream with err. Only the producer may call Finish, and
// only once; it must not race with Emit.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.ch)
	s.cancel()
}

func (s *Stream) Notifications() <-chan feed.RawNotification {
	return s.ch
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer. Notifications is closed once the producer
// observes the cancellation and calls Finish.
func (s *Stream) Close() {
	s.cancel()
}
