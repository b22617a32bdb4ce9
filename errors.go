/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package upstreamguard

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RateLimitedError means the upstream answered with HTTP 429. It reflects
// the upstream's own admission control working as intended, not upstream
// unhealthiness, so it never counts toward circuit breaker statistics.
// The original status, body, and rate-limit metadata headers are carried
// verbatim for propagation to the caller.
type RateLimitedError struct {
	StatusCode  int
	ContentType string
	// Header holds the upstream's rate-limit metadata headers (Retry-After,
	// X-RateLimit-*, RateLimit-*) exactly as received.
	Header http.Header
	Body   []byte
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited request (status %d)", e.StatusCode)
}

// UpstreamTimeoutError means the upstream call exceeded the configured
// request timeout. It is distinguished from UpstreamFetchError so callers
// can present "upstream timed out" instead of a generic failure.
type UpstreamTimeoutError struct {
	Timeout time.Duration
	Inner   error
}

// Error implements the error interface.
func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream request timed out after %s", e.Timeout)
}

// Unwrap unwraps the inner error.
func (e *UpstreamTimeoutError) Unwrap() error {
	return e.Inner
}

// UpstreamFetchError is a catch-all for network/transport-level failures of
// the upstream call that are not timeouts.
type UpstreamFetchError struct {
	Inner error
}

// Error implements the error interface.
func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("upstream fetch failed: %v", e.Inner)
}

// Unwrap unwraps the inner error.
func (e *UpstreamFetchError) Unwrap() error {
	return e.Inner
}

// UpstreamStatusError means the upstream answered with a non-2xx status
// other than 429. The body is carried for server-side logging and for
// development-mode propagation; the HTTP surface sanitizes it by default.
type UpstreamStatusError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.StatusCode)
}

// IsBreakerWorthy reports whether an upstream call outcome should count
// toward tripping the circuit breaker. Network failures, timeouts, and
// non-2xx statuses count; upstream-declared rate limiting (429) does not.
// It is the default circuitbreaker.FailurePredicate used by Fetcher.
func IsBreakerWorthy(err error) bool {
	if err == nil {
		return false
	}
	var rateLimitedErr *RateLimitedError
	return !errors.As(err, &rateLimitedErr)
}

// rateLimitHeaders are the upstream rate-limit metadata headers that are
// preserved on 429 responses and forwarded to callers verbatim.
var rateLimitHeaders = []string{
	"Retry-After",
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"RateLimit-Limit",
	"RateLimit-Remaining",
	"RateLimit-Reset",
	"RateLimit-Policy",
}

func pickRateLimitHeaders(src http.Header) http.Header {
	picked := http.Header{}
	for _, name := range rateLimitHeaders {
		for _, val := range src.Values(name) {
			picked.Add(name, val)
		}
	}
	return picked
}
