package models

import submission "quotefeed/internal/submission/models"

// MessageType tags every frame exchanged with dashboards.
type MessageType string

const (
	// client -> server
	MessageHandshake     MessageType = "handshake"
	MessageRequestResync MessageType = "request_resync"
	MessageHeartbeat     MessageType = "heartbeat"

	// server -> client
	MessageAck            MessageType = "ack"
	MessageEvent          MessageType = "event"
	MessageResyncRequired MessageType = "resync_required"
	MessageSnapshot       MessageType = "snapshot"
	MessageError          MessageType = "error"
)

// Resync reasons sent with MessageResyncRequired and MessageSnapshot.
const (
	ResyncHistoryTruncated = "history_truncated"
	ResyncStreamChanged    = "stream_changed"
	ResyncRequested        = "requested"
)

// Handshake is the first client frame. LastKnownSequence is nil for a client
// without local state.
type Handshake struct {
	LastKnownSequence *uint64 `json:"last_known_sequence,omitempty"`
	StreamID          string  `json:"stream_id,omitempty"`
}

// Envelope is the JSON frame on the dashboard transport. Only the fields
// relevant to Type are set.
type Envelope struct {
	Type MessageType `json:"type"`

	// handshake
	LastKnownSequence *uint64 `json:"last_known_sequence,omitempty"`

	// ack
	ConnectionID    string `json:"connection_id,omitempty"`
	StreamID        string `json:"stream_id,omitempty"`
	BaseSequence    uint64 `json:"base_sequence,omitempty"`
	CurrentSequence uint64 `json:"current_sequence,omitempty"`

	// event
	Event *ChangeEvent `json:"event,omitempty"`

	// resync_required, snapshot
	Reason   string                  `json:"reason,omitempty"`
	Sequence uint64                  `json:"sequence,omitempty"`
	Records  []submission.Submission `json:"records,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
