package handler

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/ingest"
	rlmodels "quotefeed/internal/ratelimit/models"
	ratelimit "quotefeed/internal/ratelimit/service"
	"quotefeed/internal/ratelimit/store/window"
	"quotefeed/internal/submission/store/memory"
	"quotefeed/pkg/platform/middleware/metadata"
	"quotefeed/pkg/testutil"
)

// The limit is enforced per client and nothing is written for rejected
// requests.
func TestSubmitRateLimitFlow(t *testing.T) {
	clock := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC))
	limiter, err := ratelimit.New(
		window.NewInMemoryWindowStore(window.WithClock(clock)),
		rlmodels.Limit{RequestsPerWindow: 3, Window: time.Minute},
		ratelimit.WithLogger(testutil.DiscardLogger()),
	)
	require.NoError(t, err)
	st := memory.New(memory.WithClock(clock))
	svc, err := ingest.New(limiter, st, ingest.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(metadata.ClientMetadata)
	New(svc, testutil.DiscardLogger()).Register(r)

	submit := func(clientIP string) int {
		req := testutil.NewClientRequest(t, http.MethodPost, "/submissions", clientIP, vehicleBody)
		return testutil.DoRequest(r, req).Code
	}

	for range 3 {
		assert.Equal(t, http.StatusCreated, submit("192.0.2.1"))
	}
	req := testutil.NewClientRequest(t, http.MethodPost, "/submissions", "192.0.2.1", vehicleBody)
	testutil.AssertRateLimited(t, testutil.DoRequest(r, req), 3, 30)

	assert.Equal(t, http.StatusCreated, submit("192.0.2.2"), "other clients are unaffected")

	snapshot, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snapshot, 4)

	clock.Advance(30 * time.Second)
	assert.Equal(t, http.StatusCreated, submit("192.0.2.1"), "new window accepts again")
}

// Changing self-reported identity headers does not buy a new budget.
func TestRotatingClientHeadersStayLimited(t *testing.T) {
	clock := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	limiter, err := ratelimit.New(
		window.NewInMemoryWindowStore(window.WithClock(clock)),
		rlmodels.Limit{RequestsPerWindow: 20, Window: time.Minute},
		ratelimit.WithLogger(testutil.DiscardLogger()),
	)
	require.NoError(t, err)
	st := memory.New(memory.WithClock(clock))
	svc, err := ingest.New(limiter, st, ingest.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(metadata.ClientMetadata)
	New(svc, testutil.DiscardLogger()).Register(r)

	accepted := 0
	for i := range 100 {
		req := testutil.NewClientRequest(t, http.MethodPost, "/submissions", "10.0.0.1", vehicleBody)
		req.Header.Set(metadata.ClientIDHeader, fmt.Sprintf("rotating-%d", i))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		if testutil.DoRequest(r, req).Code == http.StatusCreated {
			accepted++
		}
	}
	assert.Equal(t, 20, accepted)
}
