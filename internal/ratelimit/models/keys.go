package models

import (
	"strconv"
	"strings"
	"time"
)

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers containing
// ':' could manipulate adjacent rate limit buckets.
//
// Example: An identifier "client:admin" would become "client_admin", preventing
// it from being interpreted as a separate key segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// NewKey returns the counter key for identifier within scope.
func NewKey(scope Scope, identifier string) string {
	return "ratelimit:" + string(scope) + ":" + SanitizeKeySegment(identifier)
}

// WindowKey suffixes key with the window start so each window has its own
// counter.
func WindowKey(key string, windowStart time.Time) string {
	return key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}
