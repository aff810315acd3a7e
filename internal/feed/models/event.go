package models

import (
	"encoding/json"
	"time"
)

// Kind says whether a change created or updated a submission. Submissions are
// never deleted, so there is no delete kind.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

// ChangeEvent is the canonical, immutable description of one observed change.
// Sequence is the only ordering and de-duplication key clients use; Version is
// the store marker and lets clients merge snapshots idempotently.
type ChangeEvent struct {
	Sequence   uint64          `json:"sequence"`
	RecordID   string          `json:"record_id"`
	Kind       Kind            `json:"kind"`
	Version    uint64          `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	ObservedAt time.Time       `json:"observed_at"`
}
