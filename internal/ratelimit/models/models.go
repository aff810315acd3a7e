package models

import (
	"time"

	dErrors "quotefeed/pkg/domain-errors"
)

// Scope names what a limit protects. Keys of different scopes never collide.
type Scope string

const (
	// ScopeIngest: submission writes, counted per originating client.
	ScopeIngest Scope = "ingest"
)

// IsValid checks if the scope is one of the supported enum values.
func (s Scope) IsValid() bool {
	return s == ScopeIngest
}

// Limit is a fixed-window limit: at most RequestsPerWindow accepted requests
// per Window, windows aligned to multiples of Window.
type Limit struct {
	RequestsPerWindow int
	Window            time.Duration
}

// NewLimit creates a Limit with domain invariant validation.
func NewLimit(requests int, window time.Duration) (Limit, error) {
	if requests <= 0 {
		return Limit{}, dErrors.New(dErrors.CodeInvariantViolation, "requests per window must be positive")
	}
	if window <= 0 {
		return Limit{}, dErrors.New(dErrors.CodeInvariantViolation, "window must be positive")
	}
	return Limit{RequestsPerWindow: requests, Window: window}, nil
}

// WindowStart returns the start of the window containing now.
func (l Limit) WindowStart(now time.Time) time.Time {
	return now.Truncate(l.Window)
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
	// Degraded is set when the result came from the in-process fallback
	// because the shared store is unavailable.
	Degraded bool `json:"-"`
}

// NewResult builds the result for a window holding count accepted requests
// after this check.
func NewResult(allowed bool, count int, limit Limit, windowStart, now time.Time) *RateLimitResult {
	resetAt := windowStart.Add(limit.Window)
	remaining := limit.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	res := &RateLimitResult{
		Allowed:   allowed,
		Limit:     limit.RequestsPerWindow,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = retryAfterSeconds(resetAt.Sub(now))
	}
	return res
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
