package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "quotefeed/pkg/domain-errors"
)

func TestNewLimit(t *testing.T) {
	_, err := NewLimit(0, time.Minute)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = NewLimit(20, 0)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	l, err := NewLimit(20, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 20, l.RequestsPerWindow)
}

func TestNewResult(t *testing.T) {
	l := Limit{RequestsPerWindow: 3, Window: time.Minute}
	now := time.Date(2026, 3, 1, 9, 0, 42, 500, time.UTC)
	start := l.WindowStart(now)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), start)

	ok := NewResult(true, 2, l, start, now)
	assert.True(t, ok.Allowed)
	assert.Equal(t, 1, ok.Remaining)
	assert.Zero(t, ok.RetryAfter)
	assert.Equal(t, start.Add(time.Minute), ok.ResetAt)

	denied := NewResult(false, 4, l, start, now)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, 18, denied.RetryAfter)
}

func TestKeys(t *testing.T) {
	key := NewKey(ScopeIngest, "ip:10.0.0.1")
	assert.Equal(t, "ratelimit:ingest:ip_10.0.0.1", key)
	assert.Equal(t, key+":1772355600", WindowKey(key, time.Unix(1772355600, 0)))
}
