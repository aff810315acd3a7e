package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quotefeed/internal/ingest/mocks"
	"quotefeed/internal/ratelimit/models"
	submission "quotefeed/internal/submission/models"
	"quotefeed/internal/submission/store/memory"
	dErrors "quotefeed/pkg/domain-errors"
	"quotefeed/pkg/platform/sentinel"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Limiter,Store

var (
	allowed = &models.RateLimitResult{Allowed: true, Limit: 20, Remaining: 19}
	denied  = &models.RateLimitResult{Allowed: false, Limit: 20, RetryAfter: 42}
	input   = submission.Input{Step: submission.StepVehicle, Fields: map[string]any{"make": "volvo"}}
)

type IngestServiceSuite struct {
	suite.Suite
	ctx     context.Context
	limiter *mocks.MockLimiter
	store   *mocks.MockStore
	service *Service
}

func TestIngestServiceSuite(t *testing.T) {
	suite.Run(t, new(IngestServiceSuite))
}

func (s *IngestServiceSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.ctx = context.Background()
	s.limiter = mocks.NewMockLimiter(ctrl)
	s.store = mocks.NewMockStore(ctrl)
	svc, err := New(s.limiter, s.store,
		WithMaxFields(4),
		WithIDGenerator(func() string { return "sub-1" }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *IngestServiceSuite) TestSubmit() {
	s.Run("creates submission", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)
		s.store.EXPECT().Create(gomock.Any(), &submission.Submission{
			ID:       "sub-1",
			ClientID: "client-1",
			Step:     submission.StepVehicle,
			Fields:   input.Fields,
		}).Return(&submission.Submission{ID: "sub-1", Version: 7}, nil)

		id, err := s.service.Submit(s.ctx, "client-1", input)
		s.Require().NoError(err)
		s.Equal("sub-1", id)
	})

	s.Run("rate limited before any side effect", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(denied, nil)

		_, err := s.service.Submit(s.ctx, "client-1", input)
		s.ErrorIs(err, ErrRateLimited)
		var rl *RateLimitedError
		s.Require().ErrorAs(err, &rl)
		s.Equal(42, rl.Result.RetryAfter)
	})

	s.Run("rate limit checked before validation", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(denied, nil)

		_, err := s.service.Submit(s.ctx, "client-1", submission.Input{})
		s.ErrorIs(err, ErrRateLimited)
	})

	s.Run("invalid input", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)

		_, err := s.service.Submit(s.ctx, "client-1", submission.Input{Step: "checkout", Fields: input.Fields})
		s.ErrorIs(err, ErrValidation)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("too many fields", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)

		_, err := s.service.Submit(s.ctx, "client-1", submission.Input{
			Step:   submission.StepDriver,
			Fields: map[string]any{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5},
		})
		s.ErrorIs(err, ErrValidation)
	})

	s.Run("store failure", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)
		s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("insert: %w", sentinel.ErrUnavailable))

		_, err := s.service.Submit(s.ctx, "client-1", input)
		s.ErrorIs(err, ErrWrite)
		s.ErrorIs(err, sentinel.ErrUnavailable)
	})

	s.Run("limiter failure", func() {
		limiterErr := dErrors.New(dErrors.CodeUnavailable, "rate limit store unavailable")
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(nil, limiterErr)

		_, err := s.service.Submit(s.ctx, "client-1", input)
		s.ErrorIs(err, limiterErr)
		s.NotErrorIs(err, ErrWrite)
	})
}

func (s *IngestServiceSuite) TestUpdate() {
	s.Run("updates submission", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)
		s.store.EXPECT().Update(gomock.Any(), &submission.Submission{
			ID:     "sub-1",
			Step:   submission.StepVehicle,
			Fields: input.Fields,
		}).Return(&submission.Submission{ID: "sub-1", Revision: 2, Version: 9}, nil)

		s.NoError(s.service.Update(s.ctx, "client-1", "sub-1", input))
	})

	s.Run("unknown record", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)
		s.store.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("update: %w", sentinel.ErrNotFound))

		err := s.service.Update(s.ctx, "client-1", "missing", input)
		s.ErrorIs(err, ErrWrite)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rate limited", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(denied, nil)

		err := s.service.Update(s.ctx, "client-1", "sub-1", input)
		s.ErrorIs(err, ErrRateLimited)
	})

	s.Run("missing id", func() {
		s.limiter.EXPECT().Check(gomock.Any(), "client-1").Return(allowed, nil)

		err := s.service.Update(s.ctx, "client-1", "", input)
		s.ErrorIs(err, ErrValidation)
	})
}

func (s *IngestServiceSuite) TestNew() {
	_, err := New(nil, s.store)
	s.Error(err)
	_, err = New(s.limiter, nil)
	s.Error(err)
}

// Writes through the in-memory store land on its change feed.
func TestSubmitReachesChangeFeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st := memory.New()
	stream, err := st.SubscribeToChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	svc, err := New(allowAll{}, st)
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Submit(ctx, "client-1", input)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-stream.Notifications():
		if n.RecordID != id {
			t.Fatalf("notification for %q, want %q", n.RecordID, id)
		}
	case <-ctx.Done():
		t.Fatal("no notification")
	}
}

type allowAll struct{}

func (allowAll) Check(context.Context, string) (*models.RateLimitResult, error) {
	return allowed, nil
}

func TestRateLimitedError(t *testing.T) {
	err := fmt.Errorf("submit: %w", &RateLimitedError{Result: denied})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("want ErrRateLimited")
	}
	if got := (&RateLimitedError{}).Error(); got != ErrRateLimited.Error() {
		t.Fatalf("Error() = %q", got)
	}
}
