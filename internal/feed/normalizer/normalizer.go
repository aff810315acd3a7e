// Package normalizer turns source-specific notifications into canonical
// change events and owns sequence assignment.
package normalizer

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"quotefeed/internal/feed/models"
)

// Normalizer assigns sequence numbers from a private atomic counter. It is
// the only component that advances the sequence.
type Normalizer struct {
	base    uint64
	current atomic.Uint64
	clock   clock.Clock
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock stamping ObservedAt.
func WithClock(c clock.Clock) Option {
	return func(n *Normalizer) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithBase overrides the base offset. The first event gets base+1.
func WithBase(base uint64) Option {
	return func(n *Normalizer) {
		n.base = base
	}
}

// New returns a normalizer whose base offset is derived from the wall clock,
// so sequences never repeat across process restarts.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{clock: clock.WallClock}
	n.base = BaseFromTime(time.Now())
	for _, opt := range opts {
		opt(n)
	}
	n.current.Store(n.base)
	return n
}

// BaseFromTime leaves room for a thousand events per millisecond of uptime
// before a later process could start below this one's sequences.
func BaseFromTime(t time.Time) uint64 {
	return uint64(t.UnixMilli()) * 1000
}

// Normalize maps raw to a ChangeEvent. Malformed notifications fail with
// models.ErrMalformedNotification and consume no sequence number.
func (n *Normalizer) Normalize(raw models.RawNotification) (models.ChangeEvent, error) {
	kind, err := kindOf(raw)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	if strings.TrimSpace(raw.RecordID) == "" {
		return models.ChangeEvent{}, fmt.Errorf("%w: missing record id", models.ErrMalformedNotification)
	}
	if len(raw.Payload) == 0 {
		return models.ChangeEvent{}, fmt.Errorf("%w: record %s has no payload", models.ErrMalformedNotification, raw.RecordID)
	}

	return models.ChangeEvent{
		Sequence:   n.current.Add(1),
		RecordID:   raw.RecordID,
		Kind:       kind,
		Version:    raw.Version,
		Payload:    raw.Payload,
		ObservedAt: n.clock.Now().UTC(),
	}, nil
}

// Current returns the last assigned sequence, or Base if none was assigned.
func (n *Normalizer) Current() uint64 {
	return n.current.Load()
}

// Base returns the offset this process's sequences start after.
func (n *Normalizer) Base() uint64 {
	return n.base
}

func kindOf(raw models.RawNotification) (models.Kind, error) {
	switch raw.Op {
	case models.OpInsert:
		return models.KindCreated, nil
	case models.OpUpdate:
		return models.KindUpdated, nil
	case "":
		switch {
		case raw.Revision == 1:
			return models.KindCreated, nil
		case raw.Revision > 1:
			return models.KindUpdated, nil
		}
		return "", fmt.Errorf("%w: record %s has neither op nor revision", models.ErrMalformedNotification, raw.RecordID)
	}
	return "", fmt.Errorf("%w: unknown op %q", models.ErrMalformedNotification, raw.Op)
}
