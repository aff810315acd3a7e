//go:build integration

package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	feed "quotefeed/internal/feed/models"
	"quotefeed/internal/submission/models"
	"quotefeed/pkg/platform/sentinel"
	"quotefeed/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Store
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(Migrate(s.ctx, s.pg.Pool, defaultChannel))
	s.store = New(s.pg.Pool)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "submissions"))
}

func (s *PostgresStoreSuite) create(fields map[string]any) *models.Submission {
	rec, err := s.store.Create(s.ctx, &models.Submission{
		ID:       uuid.NewString(),
		ClientID: "client-1",
		Step:     models.StepVehicle,
		Fields:   fields,
	})
	s.Require().NoError(err)
	return rec
}

func (s *PostgresStoreSuite) TestMigrateIsIdempotent() {
	s.NoError(Migrate(s.ctx, s.pg.Pool, defaultChannel))
	s.Error(Migrate(s.ctx, s.pg.Pool, "bad channel; drop table"))
}

func (s *PostgresStoreSuite) TestWriteAndQuery() {
	a := s.create(map[string]any{"make": "Volvo"})
	b := s.create(map[string]any{"make": "Saab"})

	s.Run("create assigns increasing versions", func() {
		s.Equal(1, a.Revision)
		s.Greater(b.Version, a.Version)
	})

	s.Run("duplicate id conflicts", func() {
		_, err := s.store.Create(s.ctx, &models.Submission{ID: a.ID, ClientID: "c", Step: models.StepVehicle})
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("update bumps revision and version", func() {
		updated, err := s.store.Update(s.ctx, &models.Submission{ID: a.ID, Step: models.StepDriver, Fields: map[string]any{"age": 30}})
		s.Require().NoError(err)
		s.Equal(2, updated.Revision)
		s.Greater(updated.Version, b.Version)

		recs, err := s.store.QueryModifiedSince(s.ctx, a.Version, 0)
		s.Require().NoError(err)
		s.Require().Len(recs, 2)
		s.Equal(b.ID, recs[0].ID)
		s.Equal(a.ID, recs[1].ID)
		s.EqualValues(30, recs[1].Fields["age"])

		latest, err := s.store.LatestVersion(s.ctx)
		s.Require().NoError(err)
		s.Equal(updated.Version, latest)
	})

	s.Run("update of unknown id is not found", func() {
		_, err := s.store.Update(s.ctx, &models.Submission{ID: uuid.NewString(), Step: models.StepDriver})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("limit bounds the batch", func() {
		recs, err := s.store.QueryModifiedSince(s.ctx, 0, 1)
		s.Require().NoError(err)
		s.Len(recs, 1)
	})
}

func (s *PostgresStoreSuite) TestSubscribeToChanges() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stream, err := s.store.SubscribeToChanges(ctx)
	s.Require().NoError(err)
	defer stream.Close()

	small := s.create(map[string]any{"make": "Volvo"})
	large := s.create(map[string]any{"notes": strings.Repeat("x", 9000)})

	first := s.next(stream)
	s.Equal(feed.OpInsert, first.Op)
	s.Equal(small.ID, first.RecordID)
	s.Equal(small.Version, first.Version)

	// Announced by key only, fetched by the listener.
	second := s.next(stream)
	s.Equal(large.ID, second.RecordID)
	s.Contains(string(second.Payload), "xxxx")

	_, err = s.store.Update(s.ctx, &models.Submission{ID: small.ID, Step: models.StepDriver, Fields: map[string]any{"age": 30}})
	s.Require().NoError(err)
	third := s.next(stream)
	s.Equal(feed.OpUpdate, third.Op)
	s.Equal(2, third.Revision)
}

func (s *PostgresStoreSuite) next(stream feed.NotificationStream) feed.RawNotification {
	select {
	case n, ok := <-stream.Notifications():
		s.Require().True(ok, "stream closed: %v", stream.Err())
		return n
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for notification")
	}
	return feed.RawNotification{}
}
