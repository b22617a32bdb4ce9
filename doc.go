/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package upstreamguard protects a single rate-limit-sensitive upstream HTTP
// API from a single process's aggregate traffic.
//
// The entry point is Fetcher, which combines three guards around every
// upstream call:
//
//   - In-flight request deduplication: concurrent requests with the same
//     method, path, caller identity, and body collapse into one upstream call
//     whose outcome is shared by all callers. Settled entries are evicted
//     immediately; this is request coalescing, not a response cache.
//   - Bounded-concurrency admission (package admission): at most a configured
//     number of upstream calls is in flight at any instant, excess callers
//     wait in a bounded FIFO queue or fail fast with QueueFullError.
//   - Circuit breaking (package circuitbreaker): consecutive breaker-worthy
//     failures (network errors, timeouts, non-2xx statuses other than 429)
//     open the breaker and stop hammering an upstream that is already
//     failing. Upstream rate limiting (HTTP 429) is propagated to callers
//     verbatim and never counts toward breaker health.
//
// Package httpproxy exposes the external HTTP surface: a proxy handler that
// maps classified fetch errors to response statuses and a health-check
// handler.
//
// Typical usage:
//
//	cfg := upstreamguard.NewConfig()
//	// Load cfg with config.Loader or fill it in directly.
//	fetcher, err := upstreamguard.New("https://api.example.com", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	res, err := fetcher.Fetch(ctx, upstreamguard.RequestDescriptor{
//		Method:         http.MethodGet,
//		Path:           "/v1/items",
//		CallerIdentity: token,
//	})
//
// Queue/cache/breaker state lives in the Fetcher instance and is never
// persisted; one Fetcher guards one upstream host.
package upstreamguard
