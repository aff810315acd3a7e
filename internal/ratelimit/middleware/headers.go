// Package middleware writes rate limit state onto HTTP responses.
package middleware

import (
	"net/http"
	"strconv"

	"quotefeed/internal/ratelimit/models"
	"quotefeed/pkg/platform/httputil"
)

// AddHeaders sets the X-RateLimit-* headers for result. Degraded results are
// flagged so callers know the limit is counted per instance.
func AddHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

// WriteExceeded replies 429 with Retry-After.
func WriteExceeded(w http.ResponseWriter, result *models.RateLimitResult) {
	AddHeaders(w, result)
	retryAfter := 1
	if result != nil && result.RetryAfter > 0 {
		retryAfter = result.RetryAfter
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many submissions from this client. Please try again later.",
		RetryAfter: retryAfter,
	})
}
