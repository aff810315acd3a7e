package ingest

import (
	"errors"
	"fmt"

	"quotefeed/internal/ratelimit/models"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrValidation  = errors.New("invalid submission")
	ErrWrite       = errors.New("submission write failed")
)

// RateLimitedError carries the limiter's answer so callers can tell clients
// when to retry. It matches ErrRateLimited.
type RateLimitedError struct {
	Result *models.RateLimitResult
}

func (e *RateLimitedError) Error() string {
	if e.Result == nil {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.Result.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
