package models

import (
	"encoding/json"
	"fmt"

	submission "quotefeed/internal/submission/models"
)

// Op is the write operation as reported by a change source.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Origin names the source variant that observed a change.
type Origin string

const (
	OriginNative  Origin = "native"
	OriginPolling Origin = "polling"
)

// RawNotification is a source-specific change before normalization. Op may be
// empty when the source cannot tell inserts from updates; Revision then
// decides.
type RawNotification struct {
	Op       Op
	RecordID string
	Version  uint64
	Revision int
	Payload  json.RawMessage
	Origin   Origin
}

// NotificationStream is a running, non-restartable stream of notifications.
// Notifications is closed when the stream ends; Err then reports why (nil
// after Close or context cancellation).
type NotificationStream interface {
	Notifications() <-chan RawNotification
	Err() error
	Close()
}

// NewRawNotification snapshots a submission into a notification.
func NewRawNotification(sub submission.Submission, op Op, origin Origin) (RawNotification, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return RawNotification{}, fmt.Errorf("marshal submission %s: %w", sub.ID, err)
	}
	return RawNotification{
		Op:       op,
		RecordID: sub.ID,
		Version:  sub.Version,
		Revision: sub.Revision,
		Payload:  payload,
		Origin:   origin,
	}, nil
}
