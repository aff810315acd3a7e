// Package service enforces the per-client ingest limit against a shared
// counter store, falling back to process-local counters while the shared
// store is failing.
package service

import (
	"context"
	"errors"
	"log/slog"

	"quotefeed/internal/ratelimit/metrics"
	"quotefeed/internal/ratelimit/models"
	dErrors "quotefeed/pkg/domain-errors"
	"quotefeed/pkg/platform/circuit"
)

// WindowStore counts requests in fixed windows.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, error)
}

type Service struct {
	primary  WindowStore
	fallback WindowStore
	breaker  *circuit.Breaker
	limit    models.Limit
	scope    models.Scope
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

// WithFallback answers checks while the primary store's circuit is open.
// Without a fallback, primary failures are returned to the caller.
func WithFallback(store WindowStore) Option {
	return func(s *Service) {
		s.fallback = store
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		if b != nil {
			s.breaker = b
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
	return func(s *Service) {
		s.metrics = m
	}
}

func New(primary WindowStore, limit models.Limit, opts ...Option) (*Service, error) {
	if primary == nil {
		return nil, errors.New("primary window store is required")
	}
	if _, err := models.NewLimit(limit.RequestsPerWindow, limit.Window); err != nil {
		return nil, err
	}
	s := &Service{
		primary: primary,
		breaker: circuit.New("ratelimit"),
		limit:   limit,
		scope:   models.ScopeIngest,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check counts one request for clientID. The result says whether it may
// proceed; an error means neither store could answer.
func (s *Service) Check(ctx context.Context, clientID string) (*models.RateLimitResult, error) {
	if clientID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "client id is required")
	}
	key := models.NewKey(s.scope, clientID)

	if s.fallback != nil && s.breaker.IsOpen() {
		// Keep probing so the breaker can close once the store recovers.
		res, err := s.primary.Allow(ctx, key, s.limit)
		if err == nil {
			if usePrimary, change := s.breaker.RecordSuccess(); usePrimary {
				s.onChange(ctx, change)
				s.metrics.IncCheck(res.Allowed)
				return res, nil
			}
		} else {
			s.metrics.IncStoreErrors()
			s.breaker.RecordFailure()
		}
		return s.checkFallback(ctx, key)
	}

	res, err := s.primary.Allow(ctx, key, s.limit)
	if err != nil {
		s.metrics.IncStoreErrors()
		_, change := s.breaker.RecordFailure()
		s.onChange(ctx, change)
		if s.fallback == nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
		}
		s.logger.WarnContext(ctx, "rate limit store failed, using fallback",
			"client_id", clientID,
			"error", err,
		)
		return s.checkFallback(ctx, key)
	}
	_, change := s.breaker.RecordSuccess()
	s.onChange(ctx, change)
	s.metrics.IncCheck(res.Allowed)
	return res, nil
}

func (s *Service) checkFallback(ctx context.Context, key string) (*models.RateLimitResult, error) {
	res, err := s.fallback.Allow(ctx, key, s.limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit fallback failed")
	}
	res.Degraded = true
	s.metrics.IncDegraded()
	s.metrics.IncCheck(res.Allowed)
	return res, nil
}

func (s *Service) onChange(ctx context.Context, change circuit.StateChange) {
	switch {
	case change.Opened:
		s.metrics.SetBreakerOpen(true)
		s.logger.ErrorContext(ctx, "rate limit circuit opened, counting in process memory",
			"breaker", s.breaker.Name(),
		)
	case change.Closed:
		s.metrics.SetBreakerOpen(false)
		s.logger.InfoContext(ctx, "rate limit circuit closed",
			"breaker", s.breaker.Name(),
		)
	}
}
