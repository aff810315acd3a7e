package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"quotefeed/internal/feed/models"
	"quotefeed/internal/platform/metrics"
	"quotefeed/internal/submission/store"
)

const (
	DefaultNativeRetryInterval = 15 * time.Second

	diagnosticBuffer = 16
)

var (
	errStopped        = errors.New("change source stopped")
	errAlreadyStarted = errors.New("change source already started")
)

// DiagnosticKind classifies a non-fatal source event.
type DiagnosticKind string

const (
	// DiagnosticFallback: the native feed could not be opened at start.
	DiagnosticFallback DiagnosticKind = "fallback_to_polling"
	// DiagnosticNativeLost: a running native stream broke.
	DiagnosticNativeLost DiagnosticKind = "native_feed_lost"
	// DiagnosticNativeRestored: polling handed back to the native feed.
	DiagnosticNativeRestored DiagnosticKind = "native_feed_restored"
	// DiagnosticNativeRetryFailed: a background native retry failed.
	DiagnosticNativeRetryFailed DiagnosticKind = "native_retry_failed"
)

// Diagnostic reports a variant change or failed retry to the owner.
type Diagnostic struct {
	Kind   DiagnosticKind
	Mode   Mode
	Marker uint64
	Err    error
	At     time.Time
}

// Adaptive is the change source. It prefers the native variant, falls back
// to polling, and retries the native variant in the background while
// polling. It runs once: Start it, read Notifications until closed, then
// consult Err. Create a new one to restart, resuming from Marker.
type Adaptive struct {
	native  Variant
	polling Variant
	reader  store.Reader

	retryInterval time.Duration
	storeTimeout  time.Duration
	batch         int
	resume        *uint64
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics

	out     chan models.RawNotification
	diags   chan Diagnostic
	started atomic.Bool
	mode    atomic.Value
	marker  atomic.Uint64

	errMu sync.Mutex
	err   error
}

// Option configures an Adaptive source.
type Option func(*Adaptive)

// WithResumeMarker starts from marker instead of the store's latest version.
func WithResumeMarker(marker uint64) Option {
	return func(a *Adaptive) {
		a.resume = &marker
	}
}

func WithNativeRetryInterval(d time.Duration) Option {
	return func(a *Adaptive) {
		if d > 0 {
			a.retryInterval = d
		}
	}
}

// WithStoreTimeout bounds each catch-up and marker query.
func WithStoreTimeout(d time.Duration) Option {
	return func(a *Adaptive) {
		if d > 0 {
			a.storeTimeout = d
		}
	}
}

func WithCatchUpBatch(n int) Option {
	return func(a *Adaptive) {
		if n > 0 {
			a.batch = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Adaptive) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adaptive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adaptive) {
		a.metrics = m
	}
}

func NewAdaptive(native, polling Variant, reader store.Reader, opts ...Option) *Adaptive {
	a := &Adaptive{
		native:        native,
		polling:       polling,
		reader:        reader,
		retryInterval: DefaultNativeRetryInterval,
		storeTimeout:  DefaultStoreTimeout,
		batch:         DefaultPollBatch,
		clock:         clock.WallClock,
		logger:        slog.Default(),
		out:           make(chan models.RawNotification),
		diags:         make(chan Diagnostic, diagnosticBuffer),
	}
	a.mode.Store(ModeIdle)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start establishes a variant and begins streaming. It fails with
// models.ErrSourceUnavailable when neither variant can be opened. The source
// runs until ctx is cancelled or it fails.
func (a *Adaptive) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	marker, err := a.initialMarker(ctx)
	if err != nil {
		return err
	}
	a.marker.Store(marker)

	// Nobody reads Notifications before Start returns, so the catch-up is
	// held back and forwarded first by the run loop.
	var pending []models.RawNotification
	collect := func(n models.RawNotification) bool {
		pending = append(pending, n)
		return true
	}

	h, marker, err := transition(ctx, a.native, nil, marker, a.catchUp, collect)
	if err != nil {
		a.logger.WarnContext(ctx, "native change feed unavailable, falling back to polling", "error", err)
		a.diagnose(DiagnosticFallback, ModePolling, err)

		h, marker, err = transition(ctx, a.polling, nil, marker, nil, collect)
		if err != nil {
			return fmt.Errorf("start change source: %w", errors.Join(models.ErrSourceUnavailable, err))
		}
	}
	a.setMode(h.mode)

	go a.run(ctx, h, marker, pending)
	return nil
}

// Notifications is closed when the source stops; Err then says why.
func (a *Adaptive) Notifications() <-chan models.RawNotification {
	return a.out
}

// Diagnostics delivers non-fatal events. Unread diagnostics are dropped once
// the buffer is full.
func (a *Adaptive) Diagnostics() <-chan Diagnostic {
	return a.diags
}

// Err returns nil after a clean stop, otherwise an error matching
// models.ErrSourceUnavailable.
func (a *Adaptive) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Adaptive) Mode() Mode {
	return a.mode.Load().(Mode)
}

// Marker returns the highest version forwarded so far.
func (a *Adaptive) Marker() uint64 {
	return a.marker.Load()
}

func (a *Adaptive) run(ctx context.Context, h handover, marker uint64, pending []models.RawNotification) {
	forward := a.forwarder(ctx)
	for _, n := range pending {
		if !forward(n) {
			h.stream.Close()
			a.finish(nil)
			return
		}
	}

	var retry clock.Timer
	var retryC <-chan time.Time
	armRetry := func() {
		if retry == nil {
			retry = a.clock.NewTimer(a.retryInterval)
		} else {
			retry.Reset(a.retryInterval)
		}
		retryC = retry.Chan()
	}
	disarmRetry := func() {
		if retry != nil {
			retry.Stop()
		}
		retryC = nil
	}
	defer disarmRetry()

	if h.mode == ModePolling {
		armRetry()
	}

	for {
		select {
		case <-ctx.Done():
			h.stream.Close()
			a.finish(nil)
			return

		case n, ok := <-h.stream.Notifications():
			if !ok {
				if ctx.Err() != nil {
					a.finish(nil)
					return
				}
				streamErr := h.stream.Err()
				a.logger.WarnContext(ctx, "change stream ended, falling back to polling",
					"mode", h.mode,
					"marker", marker,
					"error", streamErr,
				)
				if h.mode == ModeNative {
					a.diagnose(DiagnosticNativeLost, ModePolling, streamErr)
				}
				next, m, err := transition(ctx, a.polling, h.stream, marker, nil, forward)
				if err != nil {
					if errors.Is(err, errStopped) || ctx.Err() != nil {
						a.finish(nil)
						return
					}
					a.finish(fmt.Errorf("change source failed: %w", errors.Join(models.ErrSourceUnavailable, err)))
					return
				}
				h, marker = next, m
				a.setMode(h.mode)
				a.metrics.IncSourceSwitches(string(ModePolling))
				armRetry()
				continue
			}
			if !h.admit(n) {
				continue
			}
			if !forward(n) {
				h.stream.Close()
				a.finish(nil)
				return
			}
			if n.Version > marker {
				marker = n.Version
			}

		case <-retryC:
			next, m, err := transition(ctx, a.native, h.stream, marker, a.catchUp, forward)
			if err != nil {
				if errors.Is(err, errStopped) {
					// Catch-up emit was cut short by shutdown; the outgoing
					// stream is already closed.
					a.finish(nil)
					return
				}
				a.logger.DebugContext(ctx, "native change feed retry failed", "error", err)
				a.diagnose(DiagnosticNativeRetryFailed, ModePolling, err)
				armRetry()
				continue
			}
			h, marker = next, m
			disarmRetry()
			a.setMode(h.mode)
			a.metrics.IncSourceSwitches(string(ModeNative))
			a.logger.InfoContext(ctx, "native change feed restored", "cutover", h.cutover)
			a.diagnose(DiagnosticNativeRestored, ModeNative, nil)
		}
	}
}

// forwarder sends to the consumer and advances the exported marker.
func (a *Adaptive) forwarder(ctx context.Context) EmitFunc {
	return func(n models.RawNotification) bool {
		select {
		case a.out <- n:
		case <-ctx.Done():
			return false
		}
		if n.Version > a.marker.Load() {
			a.marker.Store(n.Version)
		}
		return true
	}
}

func (a *Adaptive) catchUp(ctx context.Context, marker uint64) ([]models.RawNotification, error) {
	records, err := fetchSince(ctx, a.reader, marker, a.batch, a.storeTimeout)
	if err != nil {
		return nil, err
	}
	out := make([]models.RawNotification, 0, len(records))
	for _, rec := range records {
		n, err := models.NewRawNotification(rec, "", models.OriginPolling)
		if err != nil {
			a.logger.ErrorContext(ctx, "skipping unencodable submission", "record_id", rec.ID, "error", err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *Adaptive) initialMarker(ctx context.Context) (uint64, error) {
	if a.resume != nil {
		return *a.resume, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	v, err := a.reader.LatestVersion(ctx)
	if err != nil {
		return 0, unavailable("read latest version", err)
	}
	return v, nil
}

func (a *Adaptive) diagnose(kind DiagnosticKind, mode Mode, err error) {
	d := Diagnostic{Kind: kind, Mode: mode, Marker: a.marker.Load(), Err: err, At: a.clock.Now()}
	select {
	case a.diags <- d:
	default:
	}
}

func (a *Adaptive) setMode(m Mode) {
	a.mode.Store(m)
	a.metrics.SetSourceMode(string(m), string(ModeNative), string(ModePolling))
}

func (a *Adaptive) finish(err error) {
	a.errMu.Lock()
	a.err = err
	a.errMu.Unlock()
	a.setMode(ModeStopped)
	close(a.out)
}
