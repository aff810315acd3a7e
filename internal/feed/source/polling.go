package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quotefeed/internal/feed/models"
	"quotefeed/internal/platform/metrics"
	submission "quotefeed/internal/submission/models"
	"quotefeed/internal/submission/store"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollBatch    = 500
	DefaultStoreTimeout = 5 * time.Second

	pollBuffer = 64
)

// PollingFallback re-queries the store for records modified after the last
// seen marker on a fixed interval.
type PollingFallback struct {
	reader   store.Reader
	interval time.Duration
	batch    int
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// PollingOption configures a PollingFallback.
type PollingOption func(*PollingFallback)

func WithPollInterval(d time.Duration) PollingOption {
	return func(p *PollingFallback) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPollBatch(n int) PollingOption {
	return func(p *PollingFallback) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithPollStoreTimeout bounds each store query.
func WithPollStoreTimeout(d time.Duration) PollingOption {
	return func(p *PollingFallback) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithPollClock(c clock.Clock) PollingOption {
	return func(p *PollingFallback) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithPollLogger(logger *slog.Logger) PollingOption {
	return func(p *PollingFallback) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPollMetrics(m *metrics.Metrics) PollingOption {
	return func(p *PollingFallback) {
		p.metrics = m
	}
}

func NewPollingFallback(reader store.Reader, opts ...PollingOption) *PollingFallback {
	p := &PollingFallback{
		reader:   reader,
		interval: DefaultPollInterval,
		batch:    DefaultPollBatch,
		timeout:  DefaultStoreTimeout,
		clock:    clock.WallClock,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PollingFallback) Mode() Mode {
	return ModePolling
}

// Open polls once synchronously, so a store that cannot be read fails the
// open, then keeps polling every interval until the stream is closed.
func (p *PollingFallback) Open(ctx context.Context, from uint64) (models.NotificationStream, error) {
	first, err := p.poll(ctx, from)
	if err != nil && len(first) == 0 {
		return nil, unavailable("initial poll", err)
	}
	stream := store.NewStream(ctx, pollBuffer)
	go p.run(stream, from, first)
	return stream, nil
}

func (p *PollingFallback) run(stream *store.Stream, marker uint64, pending []submission.Submission) {
	defer stream.Finish(nil)
	ctx := stream.Context()

	var ok bool
	if marker, ok = p.emit(stream, marker, pending); !ok {
		return
	}

	timer := p.clock.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			records, err := p.poll(ctx, marker)
			if err != nil {
				p.logger.WarnContext(ctx, "polling fallback fetch failed",
					"marker", marker,
					"fetched", len(records),
					"error", err,
				)
			}
			if marker, ok = p.emit(stream, marker, records); !ok {
				return
			}
			timer.Reset(p.interval)
		}
	}
}

// poll fetches every record modified after marker, batch by batch. On error
// it returns the records fetched before the failure.
func (p *PollingFallback) poll(ctx context.Context, marker uint64) ([]submission.Submission, error) {
	ctx, span := otel.Tracer("quotefeed/feed/source").Start(ctx, "source.PollingFallback.poll",
		trace.WithAttributes(attribute.Int64("marker", int64(marker))),
	)
	defer span.End()
	started := p.clock.Now()

	records, err := fetchSince(ctx, p.reader, marker, p.batch, p.timeout)

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("result_count", len(records)))
	p.metrics.ObservePoll(result, p.clock.Now().Sub(started).Seconds())
	return records, err
}

// emit forwards records newer than marker and returns the advanced marker.
// It reports false once the stream was closed.
func (p *PollingFallback) emit(stream *store.Stream, marker uint64, records []submission.Submission) (uint64, bool) {
	for _, rec := range records {
		if rec.Version <= marker {
			continue
		}
		n, err := models.NewRawNotification(rec, "", models.OriginPolling)
		if err != nil {
			p.logger.Error("skipping unencodable submission", "record_id", rec.ID, "error", err)
			marker = rec.Version
			continue
		}
		if !stream.Emit(n) {
			return marker, false
		}
		marker = rec.Version
	}
	return marker, true
}

// fetchSince pages through QueryModifiedSince, each page bounded by timeout.
func fetchSince(ctx context.Context, reader store.Reader, marker uint64, batch int, timeout time.Duration) ([]submission.Submission, error) {
	var out []submission.Submission
	cursor := marker
	for {
		page, err := queryPage(ctx, reader, cursor, batch, timeout)
		if err != nil {
			return out, err
		}
		out = append(out, page...)
		if len(page) < batch {
			return out, nil
		}
		cursor = page[len(page)-1].Version
	}
}

func queryPage(ctx context.Context, reader store.Reader, cursor uint64, batch int, timeout time.Duration) ([]submission.Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page, err := reader.QueryModifiedSince(ctx, cursor, batch)
	if err != nil {
		return nil, fmt.Errorf("query modified since %d: %w", cursor, err)
	}
	return page, nil
}
