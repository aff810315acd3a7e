package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"quotefeed/internal/feed/history"
	"quotefeed/internal/feed/hub"
	"quotefeed/internal/feed/models"
	"quotefeed/internal/feed/normalizer"
	"quotefeed/internal/feed/source"
	"quotefeed/internal/platform/metrics"
	submission "quotefeed/internal/submission/models"
	"quotefeed/internal/submission/store"
	"quotefeed/internal/submission/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const base = 1000

var errReadFailed = errors.New("read failed")

type dashboard struct {
	frames chan models.Envelope
}

func (d *dashboard) Send(ctx context.Context, env models.Envelope) error {
	select {
	case d.frames <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (m *recordingMirror) Publish(_ context.Context, ev models.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *recordingMirror) sequences() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Sequence)
	}
	return out
}

// flakyStore fails reads on demand; writes and the native feed pass through.
type flakyStore struct {
	*memory.Store
	fail atomic.Bool
}

func (f *flakyStore) QueryModifiedSince(ctx context.Context, marker uint64, limit int) ([]submission.Submission, error) {
	if f.fail.Load() {
		return nil, errReadFailed
	}
	return f.Store.QueryModifiedSince(ctx, marker, limit)
}

func (f *flakyStore) LatestVersion(ctx context.Context) (uint64, error) {
	if f.fail.Load() {
		return 0, errReadFailed
	}
	return f.Store.LatestVersion(ctx)
}

// scriptedFeed hands out a stream the test writes to directly.
type scriptedFeed struct {
	*memory.Store
	stream *store.Stream
}

func (f *scriptedFeed) SubscribeToChanges(context.Context) (models.NotificationStream, error) {
	return f.stream, nil
}

type ServiceSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	clock  *testclock.Clock
	store  *memory.Store
	hub    *hub.Hub
	svc    *Service
	dash   *dashboard
	done   chan error
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.clock = testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s.store = memory.New(memory.WithClock(s.clock))
	s.svc = nil
}

func (s *ServiceSuite) TearDownTest() {
	s.cancel()
	if s.svc == nil {
		return
	}
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("service did not stop")
	}
}

func (s *ServiceSuite) start(st Store, opts ...Option) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.hub = hub.New(history.New(base, history.WithCapacity(64)), st,
		hub.WithStreamID("stream-1"),
		hub.WithLogger(logger),
	)
	n := normalizer.New(normalizer.WithBase(base), normalizer.WithClock(s.clock))
	opts = append([]Option{
		WithClock(s.clock),
		WithLogger(logger),
		WithPollInterval(2 * time.Second),
		WithPollBatch(100),
		WithNativeRetryInterval(15 * time.Second),
		WithStoreTimeout(time.Second),
	}, opts...)
	s.svc = New(st, s.hub, n, opts...)
	s.done = make(chan error, 1)
	go func() { s.done <- s.svc.Run(s.ctx) }()

	s.dash = &dashboard{frames: make(chan models.Envelope, 64)}
	_, err := s.hub.Connect(s.ctx, s.dash, models.Handshake{})
	s.Require().NoError(err)
	s.Equal(models.MessageAck, s.next().Type)
}

func (s *ServiceSuite) awaitMode(mode source.Mode) {
	s.Require().Eventually(func() bool {
		return s.svc.Status().SourceMode == string(mode)
	}, 2*time.Second, time.Millisecond, "want source mode %s", mode)
}

func (s *ServiceSuite) next() models.Envelope {
	select {
	case env := <-s.dash.frames:
		return env
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for frame")
		return models.Envelope{}
	}
}

func (s *ServiceSuite) expectEvent(seq uint64, id string, kind models.Kind) {
	env := s.next()
	s.Require().Equal(models.MessageEvent, env.Type)
	s.Equal(seq, env.Event.Sequence)
	s.Equal(id, env.Event.RecordID)
	s.Equal(kind, env.Event.Kind)
}

func (s *ServiceSuite) expectNothing() {
	select {
	case env := <-s.dash.frames:
		s.Failf("unexpected frame", "%+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *ServiceSuite) create(id string) {
	_, err := s.store.Create(s.ctx, &submission.Submission{
		ID:       id,
		ClientID: "client-1",
		Step:     submission.StepVehicle,
		Fields:   map[string]any{"make": "volvo"},
	})
	s.Require().NoError(err)
}

func (s *ServiceSuite) update(id string) {
	_, err := s.store.Update(s.ctx, &submission.Submission{
		ID:     id,
		Step:   submission.StepDriver,
		Fields: map[string]any{"age": 41},
	})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestNativeFeedPropagatesInOrder() {
	mirror := &recordingMirror{}
	s.start(s.store, WithMirror(mirror))
	s.awaitMode(source.ModeNative)

	s.create("a")
	s.update("a")
	s.create("b")

	s.expectEvent(base+1, "a", models.KindCreated)
	s.expectEvent(base+2, "a", models.KindUpdated)
	s.expectEvent(base+3, "b", models.KindCreated)
	s.expectNothing()

	s.Equal([]uint64{base + 1, base + 2, base + 3}, mirror.sequences())
	status := s.svc.Status()
	s.Equal(uint64(base+3), status.CurrentSequence)
	s.Equal(1, status.LiveConnections)
}

// Native feed down at start: three submissions land within one poll interval
// and arrive as three created events, in version order, within one interval.
func (s *ServiceSuite) TestPollingFallbackAndNativeRestore() {
	s.store.SetFeedAvailable(false)
	s.start(s.store)
	s.awaitMode(source.ModePolling)

	s.create("A")
	s.create("B")
	s.create("C")
	// poll timer and native retry timer
	s.Require().NoError(s.clock.WaitAdvance(2*time.Second, time.Second, 2))

	s.expectEvent(base+1, "A", models.KindCreated)
	s.expectEvent(base+2, "B", models.KindCreated)
	s.expectEvent(base+3, "C", models.KindCreated)

	s.update("B")
	s.Require().NoError(s.clock.WaitAdvance(2*time.Second, time.Second, 2))
	s.expectEvent(base+4, "B", models.KindUpdated)

	s.store.SetFeedAvailable(true)
	s.Require().NoError(s.clock.WaitAdvance(11*time.Second, time.Second, 2))
	s.awaitMode(source.ModeNative)
	s.expectNothing()

	s.create("D")
	s.expectEvent(base+5, "D", models.KindCreated)
	s.expectNothing()
}

func (s *ServiceSuite) TestStartFailureBacksOff() {
	flaky := &flakyStore{Store: s.store}
	flaky.fail.Store(true)
	s.store.SetFeedAvailable(false)
	mt := metrics.New(prometheus.NewRegistry())
	s.start(flaky, WithMetrics(mt))
	failures := func(n float64) func() bool {
		return func() bool { return testutil.ToFloat64(mt.SourceRestarts) == n }
	}

	s.Require().Eventually(failures(1), 2*time.Second, time.Millisecond)
	// first retry after 1s, still failing
	s.Require().NoError(s.clock.WaitAdvance(time.Second, time.Second, 1))
	s.Require().Eventually(failures(2), 2*time.Second, time.Millisecond)
	s.Equal(string(source.ModeIdle), s.svc.Status().SourceMode)

	flaky.fail.Store(false)
	s.store.SetFeedAvailable(true)
	// delay doubled: 1s is not enough
	s.Require().NoError(s.clock.WaitAdvance(time.Second, time.Second, 1))
	s.Never(func() bool { return s.svc.Status().SourceMode != string(source.ModeIdle) }, 50*time.Millisecond, 5*time.Millisecond)
	s.Require().NoError(s.clock.WaitAdvance(time.Second, time.Second, 1))
	s.awaitMode(source.ModeNative)

	s.create("a")
	s.expectEvent(base+1, "a", models.KindCreated)
}

// A running source that loses both variants is restarted from its marker;
// writes made while it was down are caught up exactly once.
func (s *ServiceSuite) TestRestartResumesFromMarker() {
	flaky := &flakyStore{Store: s.store}
	s.start(flaky)
	s.awaitMode(source.ModeNative)

	s.create("a")
	s.expectEvent(base+1, "a", models.KindCreated)

	flaky.fail.Store(true)
	s.store.SetFeedAvailable(false)
	s.create("b")
	s.update("a")

	// the restarted source fails to start and waits for the first retry
	s.Require().NoError(s.clock.WaitAdvance(0, time.Second, 1))
	flaky.fail.Store(false)
	s.store.SetFeedAvailable(true)
	s.Require().NoError(s.clock.WaitAdvance(time.Second, time.Second, 1))
	s.awaitMode(source.ModeNative)

	s.expectEvent(base+2, "b", models.KindCreated)
	s.expectEvent(base+3, "a", models.KindUpdated)
	s.expectNothing()
}

func (s *ServiceSuite) TestMalformedNotificationIsDropped() {
	stream := store.NewStream(context.Background(), 8)
	s.start(&scriptedFeed{Store: s.store, stream: stream})
	s.awaitMode(source.ModeNative)

	stream.Emit(models.RawNotification{
		Op:      models.OpInsert,
		Version: 1,
		Payload: json.RawMessage(`{}`),
		Origin:  models.OriginNative,
	})
	stream.Emit(models.RawNotification{
		Op:       models.OpInsert,
		RecordID: "x",
		Version:  2,
		Revision: 1,
		Payload:  json.RawMessage(`{"id":"x"}`),
		Origin:   models.OriginNative,
	})

	s.expectEvent(base+1, "x", models.KindCreated)
	s.expectNothing()
}
