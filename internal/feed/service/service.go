// Package service wires the change source, the normalizer and the broadcast
// hub into the running change-propagation pipeline.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"quotefeed/internal/feed/hub"
	"quotefeed/internal/feed/models"
	"quotefeed/internal/feed/normalizer"
	"quotefeed/internal/feed/source"
	"quotefeed/internal/platform/metrics"
	"quotefeed/internal/submission/store"
)

const (
	DefaultRestartInitial = time.Second
	DefaultRestartMax     = time.Minute
)

// Store is what the pipeline reads: version-ordered queries, snapshots and
// the native change feed.
type Store interface {
	store.Reader
	store.ChangeFeed
}

// Mirror receives every published event. Publish must not block on the
// downstream system; delivery failures are the mirror's to report.
type Mirror interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Status combines the source mode with the hub's view.
type Status struct {
	SourceMode string `json:"source_mode"`
	hub.Status
}

// Service runs one change source at a time and restarts it with exponential
// backoff whenever it fails. It never gives up while its context is alive.
type Service struct {
	store      Store
	hub        *hub.Hub
	normalizer *normalizer.Normalizer
	mirror     Mirror

	pollInterval   time.Duration
	pollBatch      int
	nativeRetry    time.Duration
	storeTimeout   time.Duration
	restartInitial time.Duration
	restartMax     time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[source.Adaptive]
}

// Option configures a Service.
type Option func(*Service)

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

func WithPollBatch(n int) Option {
	return func(s *Service) { s.pollBatch = n }
}

func WithNativeRetryInterval(d time.Duration) Option {
	return func(s *Service) { s.nativeRetry = d }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// WithRestartBackoff bounds the delay between source restarts. The delay
// starts at initial and doubles up to max.
func WithRestartBackoff(initial, max time.Duration) Option {
	return func(s *Service) {
		if initial > 0 {
			s.restartInitial = initial
		}
		if max >= s.restartInitial {
			s.restartMax = max
		}
	}
}

// WithMirror publishes every event to m after the hub accepted it.
func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(st Store, h *hub.Hub, n *normalizer.Normalizer, opts ...Option) *Service {
	s := &Service{
		store:          st,
		hub:            h,
		normalizer:     n,
		restartInitial: DefaultRestartInitial,
		restartMax:     DefaultRestartMax,
		clock:          clock.WallClock,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until ctx is done. The hub drains its connections before Run
// returns.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	g.Go(func() error {
		return s.runSource(gctx)
	})
	return g.Wait()
}

// Status may be called from any goroutine.
func (s *Service) Status() Status {
	mode := source.ModeIdle
	if src := s.current.Load(); src != nil {
		mode = src.Mode()
	}
	return Status{SourceMode: string(mode), Status: s.hub.Status()}
}

// runSource starts a source, pumps it until it ends, and starts the next one
// from where the last stopped. Only start failures back off; a source that
// ran and then failed is restarted straight away.
func (s *Service) runSource(ctx context.Context) error {
	var resume *uint64
	for {
		srcCtx, cancel := context.WithCancel(ctx)
		var src *source.Adaptive
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				src = s.newSource(resume)
				return src.Start(srcCtx)
			},
			IsFatalError: func(err error) bool {
				return !errors.Is(err, models.ErrSourceUnavailable)
			},
			NotifyFunc: func(err error, attempt int) {
				s.metrics.IncSourceRestarts()
				s.logger.ErrorContext(ctx, "change source unavailable, retrying",
					"attempt", attempt,
					"error", err,
				)
			},
			Attempts:    -1,
			Delay:       s.restartInitial,
			MaxDelay:    s.restartMax,
			BackoffFunc: retry.DoubleDelay,
			Clock:       s.clock,
			Stop:        ctx.Done(),
		})
		if ctx.Err() != nil {
			cancel()
			return nil
		}
		if err != nil {
			cancel()
			return fmt.Errorf("start change source: %w", err)
		}

		s.current.Store(src)
		err = s.pump(ctx, src, cancel)
		marker := src.Marker()
		resume = &marker

		switch {
		case ctx.Err() != nil, errors.Is(err, models.ErrHubStopped):
			return nil
		case err != nil:
			s.metrics.IncSourceRestarts()
			s.logger.ErrorContext(ctx, "change source failed, restarting",
				"marker", marker,
				"error", err,
			)
		}
	}
}

func (s *Service) newSource(resume *uint64) *source.Adaptive {
	native := source.NewNativeFeed(s.store)
	polling := source.NewPollingFallback(s.store,
		source.WithPollInterval(s.pollInterval),
		source.WithPollBatch(s.pollBatch),
		source.WithPollStoreTimeout(s.storeTimeout),
		source.WithPollClock(s.clock),
		source.WithPollLogger(s.logger),
		source.WithPollMetrics(s.metrics),
	)
	opts := []source.Option{
		source.WithNativeRetryInterval(s.nativeRetry),
		source.WithStoreTimeout(s.storeTimeout),
		source.WithCatchUpBatch(s.pollBatch),
		source.WithClock(s.clock),
		source.WithLogger(s.logger),
		source.WithMetrics(s.metrics),
	}
	if resume != nil {
		opts = append(opts, source.WithResumeMarker(*resume))
	}
	return source.NewAdaptive(native, polling, s.store, opts...)
}

// pump forwards notifications into the hub until the source ends. It returns
// the source's terminal error, or the hub's if the hub stopped first. stop
// cancels the source's context.
func (s *Service) pump(ctx context.Context, src *source.Adaptive, stop context.CancelFunc) error {
	defer stop()

	notes := src.Notifications()
	diags := src.Diagnostics()
	for {
		select {
		case d := <-diags:
			s.report(ctx, d)
		case n, ok := <-notes:
			if !ok {
				s.drainDiagnostics(ctx, diags)
				return src.Err()
			}
			if err := s.dispatch(ctx, n); err != nil {
				stop()
				for range notes {
				}
				return err
			}
		}
	}
}

func (s *Service) dispatch(ctx context.Context, n models.RawNotification) error {
	ev, err := s.normalizer.Normalize(n)
	if err != nil {
		s.metrics.IncNotificationsDropped("malformed")
		s.logger.WarnContext(ctx, "dropping malformed notification",
			"record_id", n.RecordID,
			"version", n.Version,
			"origin", n.Origin,
			"error", err,
		)
		return nil
	}

	if err := s.hub.Publish(ctx, ev); err != nil {
		return err
	}
	s.metrics.IncEventsPublished(string(ev.Kind))
	if updated, ok := updatedAt(ev.Payload); ok {
		s.metrics.ObservePropagationLatency(ev.ObservedAt.Sub(updated).Seconds())
	}

	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, ev); err != nil {
			s.metrics.IncMirrorFailures()
			s.logger.WarnContext(ctx, "mirroring change event failed",
				"sequence", ev.Sequence,
				"record_id", ev.RecordID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *Service) report(ctx context.Context, d source.Diagnostic) {
	attrs := []any{
		"diagnostic", d.Kind,
		"mode", d.Mode,
		"marker", d.Marker,
	}
	if d.Err != nil {
		attrs = append(attrs, "error", d.Err)
	}
	switch d.Kind {
	case source.DiagnosticNativeRestored:
		s.logger.InfoContext(ctx, "change source diagnostic", attrs...)
	default:
		s.logger.WarnContext(ctx, "change source diagnostic", attrs...)
	}
}

func (s *Service) drainDiagnostics(ctx context.Context, diags <-chan source.Diagnostic) {
	for {
		select {
		case d := <-diags:
			s.report(ctx, d)
		default:
			return
		}
	}
}

// updatedAt reads the record's write time from a submission payload.
func updatedAt(payload json.RawMessage) (time.Time, bool) {
	var head struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.UpdatedAt.IsZero() {
		return time.Time{}, false
	}
	return head.UpdatedAt, true
}
