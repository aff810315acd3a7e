package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"quotefeed/internal/feed/models"
	"quotefeed/internal/platform/metrics"
)

type stubProducer struct {
	records []*kgo.Record
	err     error
	flushed bool
	closed  bool
}

func (p *stubProducer) mirror(t *testing.T) (*Mirror, *metrics.Metrics) {
	t.Helper()
	mt := metrics.New(prometheus.NewRegistry())
	m := newMirror(Config{Brokers: []string{"localhost:9092"}, Topic: "submission-changes", StreamID: "stream-1"},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(mt),
	)
	m.produce = func(_ context.Context, rec *kgo.Record, promise func(*kgo.Record, error)) {
		p.records = append(p.records, rec)
		promise(rec, p.err)
	}
	m.flush = func(context.Context) error {
		p.flushed = true
		return nil
	}
	m.close = func() { p.closed = true }
	return m, mt
}

func changeEvent() models.ChangeEvent {
	return models.ChangeEvent{
		Sequence:   42,
		RecordID:   "sub-1",
		Kind:       models.KindUpdated,
		Version:    7,
		Payload:    json.RawMessage(`{"id":"sub-1"}`),
		ObservedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublishBuildsKeyedRecord(t *testing.T) {
	p := &stubProducer{}
	m, mt := p.mirror(t)

	require.NoError(t, m.Publish(context.Background(), changeEvent()))
	require.Len(t, p.records, 1)

	rec := p.records[0]
	assert.Equal(t, "submission-changes", rec.Topic)
	assert.Equal(t, "sub-1", string(rec.Key))
	assert.Equal(t, changeEvent().ObservedAt, rec.Timestamp)

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"kind":      "updated",
		"sequence":  "42",
		"version":   "7",
		"stream_id": "stream-1",
	}, headers)

	var decoded models.ChangeEvent
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, uint64(42), decoded.Sequence)
	assert.JSONEq(t, `{"id":"sub-1"}`, string(decoded.Payload))
	assert.Zero(t, testutil.ToFloat64(mt.MirrorFailures))
}

func TestProduceFailureIsCounted(t *testing.T) {
	p := &stubProducer{err: errors.New("broker unreachable")}
	m, mt := p.mirror(t)

	require.NoError(t, m.Publish(context.Background(), changeEvent()))
	require.NoError(t, m.Publish(context.Background(), changeEvent()))
	assert.Equal(t, float64(2), testutil.ToFloat64(mt.MirrorFailures))
}

func TestPublishDoesNotBlockWithoutBroker(t *testing.T) {
	mt := metrics.New(prometheus.NewRegistry())
	m, err := NewMirror(Config{
		Brokers:         []string{"127.0.0.1:1"},
		Topic:           "submission-changes",
		DeliveryTimeout: 200 * time.Millisecond,
		MaxBuffered:     2,
	},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(mt),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = m.Publish(context.Background(), changeEvent())
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full producer buffer")
	}
	// everything past the buffer is failed right away
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(mt.MirrorFailures) >= 3
	}, time.Second, 10*time.Millisecond)
}

func TestCloseFlushes(t *testing.T) {
	p := &stubProducer{}
	m, _ := p.mirror(t)

	require.NoError(t, m.Close(context.Background()))
	assert.True(t, p.flushed)
	assert.True(t, p.closed)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Topic: "t"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b:9092"}}.Validate())
	assert.NoError(t, Config{Brokers: []string{"b:9092"}, Topic: "t"}.Validate())
}
