// Package ingest accepts funnel submissions from customers. It enforces the
// per-client write limit before touching the store and plays no part in
// change propagation; the store's change feed does that.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quotefeed/internal/ratelimit/models"
	submission "quotefeed/internal/submission/models"
)

// DefaultMaxFields bounds the fields of one submission step.
const DefaultMaxFields = 64

// Limiter decides whether clientID may write now.
type Limiter interface {
	Check(ctx context.Context, clientID string) (*models.RateLimitResult, error)
}

// Store persists submissions.
type Store interface {
	Create(ctx context.Context, sub *submission.Submission) (*submission.Submission, error)
	Update(ctx context.Context, sub *submission.Submission) (*submission.Submission, error)
}

type Service struct {
	limiter   Limiter
	store     Store
	maxFields int
	newID     func() string
	logger    *slog.Logger
}

type Option func(*Service)

func WithMaxFields(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxFields = n
		}
	}
}

// WithIDGenerator replaces the random record id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
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

func New(limiter Limiter, store Store, opts ...Option) (*Service, error) {
	if limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	s := &Service{
		limiter:   limiter,
		store:     store,
		maxFields: DefaultMaxFields,
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit stores a new submission for clientID and returns its record id.
func (s *Service) Submit(ctx context.Context, clientID string, in submission.Input) (string, error) {
	ctx, span := otel.Tracer("quotefeed/ingest").Start(ctx, "ingest.Service.Submit",
		trace.WithAttributes(
			attribute.String("client_id", clientID),
			attribute.String("step", string(in.Step)),
		),
	)
	defer span.End()

	if err := s.admit(ctx, clientID, in); err != nil {
		recordError(span, err)
		return "", err
	}

	rec, err := s.store.Create(ctx, &submission.Submission{
		ID:       s.newID(),
		ClientID: clientID,
		Step:     in.Step,
		Fields:   in.Fields,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create submission",
			"client_id", clientID,
			"error", err,
		)
		err = fmt.Errorf("%w: %w", ErrWrite, err)
		recordError(span, err)
		return "", err
	}
	span.SetAttributes(
		attribute.String("record_id", rec.ID),
		attribute.Int64("version", int64(rec.Version)),
	)
	return rec.ID, nil
}

// Update revises submission id with the next funnel step. It counts against
// the same limit as Submit.
func (s *Service) Update(ctx context.Context, clientID, id string, in submission.Input) error {
	ctx, span := otel.Tracer("quotefeed/ingest").Start(ctx, "ingest.Service.Update",
		trace.WithAttributes(
			attribute.String("client_id", clientID),
			attribute.String("record_id", id),
			attribute.String("step", string(in.Step)),
		),
	)
	defer span.End()

	if err := s.admit(ctx, clientID, in); err != nil {
		recordError(span, err)
		return err
	}
	if id == "" {
		err := fmt.Errorf("%w: record id is required", ErrValidation)
		recordError(span, err)
		return err
	}

	rec, err := s.store.Update(ctx, &submission.Submission{
		ID:     id,
		Step:   in.Step,
		Fields: in.Fields,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to update submission",
			"client_id", clientID,
			"record_id", id,
			"error", err,
		)
		err = fmt.Errorf("%w: %w", ErrWrite, err)
		recordError(span, err)
		return err
	}
	span.SetAttributes(attribute.Int64("version", int64(rec.Version)))
	return nil
}

// admit applies the rate limit, then validation. Nothing is written unless
// both pass.
func (s *Service) admit(ctx context.Context, clientID string, in submission.Input) error {
	res, err := s.limiter.Check(ctx, clientID)
	if err != nil {
		return fmt.Errorf("check rate limit: %w", err)
	}
	if !res.Allowed {
		s.logger.InfoContext(ctx, "submission rate limited",
			"client_id", clientID,
			"retry_after", res.RetryAfter,
		)
		return &RateLimitedError{Result: res}
	}
	if err := in.Validate(s.maxFields); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
