package normalizer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/feed/models"
)

var payload = json.RawMessage(`{"id":"r1"}`)

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	n := New(WithBase(100), WithClock(testclock.NewClock(now)))

	tests := []struct {
		name string
		raw  models.RawNotification
		kind models.Kind
	}{
		{"native insert", models.RawNotification{Op: models.OpInsert, RecordID: "r1", Payload: payload}, models.KindCreated},
		{"native update", models.RawNotification{Op: models.OpUpdate, RecordID: "r1", Revision: 1, Payload: payload}, models.KindUpdated},
		{"polled first revision", models.RawNotification{RecordID: "r1", Revision: 1, Payload: payload}, models.KindCreated},
		{"polled later revision", models.RawNotification{RecordID: "r1", Revision: 4, Payload: payload}, models.KindUpdated},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, uint64(101+i), ev.Sequence)
			assert.Equal(t, "r1", ev.RecordID)
			assert.Equal(t, now, ev.ObservedAt)
		})
	}
	assert.Equal(t, uint64(104), n.Current())
	assert.Equal(t, uint64(100), n.Base())
}

func TestNormalizeMalformed(t *testing.T) {
	n := New(WithBase(0))

	tests := []struct {
		name string
		raw  models.RawNotification
	}{
		{"missing record id", models.RawNotification{Op: models.OpInsert, Payload: payload}},
		{"blank record id", models.RawNotification{Op: models.OpInsert, RecordID: "  ", Payload: payload}},
		{"unknown op", models.RawNotification{Op: "delete", RecordID: "r1", Payload: payload}},
		{"no op and no revision", models.RawNotification{RecordID: "r1", Payload: payload}},
		{"no payload", models.RawNotification{Op: models.OpInsert, RecordID: "r1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw)
			assert.ErrorIs(t, err, models.ErrMalformedNotification)
		})
	}

	// Dropped notifications leave the sequence gapless.
	ev, err := n.Normalize(models.RawNotification{Op: models.OpInsert, RecordID: "r1", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
}

func TestNormalizeConcurrent(t *testing.T) {
	n := New(WithBase(0))
	const workers, each = 8, 250

	seen := make(chan uint64, workers*each)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				ev, err := n.Normalize(models.RawNotification{Op: models.OpUpdate, RecordID: "r", Payload: payload})
				if err == nil {
					seen <- ev.Sequence
				}
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for seq := range seen {
		unique[seq] = struct{}{}
	}
	assert.Len(t, unique, workers*each)
	assert.Equal(t, uint64(workers*each), n.Current())
}

func TestBaseFromTimeIncreases(t *testing.T) {
	earlier := BaseFromTime(time.UnixMilli(1_000))
	later := BaseFromTime(time.UnixMilli(1_001))
	assert.Equal(t, uint64(1_000_000), earlier)
	assert.Greater(t, later, earlier)
}
