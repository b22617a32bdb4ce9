/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpproxy

import (
	"net/http"
	"time"

	"github.com/acronis/go-appkit/restapi"

	upstreamguard "github.com/acronis/go-upstreamguard"
)

// HealthStatus is a resulting status of the guard health-check.
type HealthStatus string

// Health-check statuses.
const (
	// HealthStatusHealthy means the guard is accepting requests and nothing is queued.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded means the guard is accepting requests but callers
	// are waiting for admission slots.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy means the circuit breaker is open and requests
	// are being rejected without reaching the upstream.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type healthCheckResponseData struct {
	Status    HealthStatus `json:"status"`
	Timestamp string       `json:"timestamp"`
}

type verboseHealthCheckResponseData struct {
	healthCheckResponseData
	RateLimiter    rateLimiterHealthData    `json:"rateLimiter"`
	CircuitBreaker circuitBreakerHealthData `json:"circuitBreaker"`
}

type rateLimiterHealthData struct {
	ActiveRequests int `json:"activeRequests"`
	QueueLength    int `json:"queueLength"`
	MaxConcurrent  int `json:"maxConcurrent"`
	CacheSize      int `json:"cacheSize"`
}

type circuitBreakerHealthData struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	TimeUntilResetMs    int64  `json:"timeUntilResetMs"`
}

// HealthCheckHandler implements http.Handler and reports the guard's
// condition derived from the circuit breaker and admission queue state.
// An open breaker makes the guard unhealthy (503), a non-empty admission
// queue makes it degraded (200), otherwise it is healthy (200).
type HealthCheckHandler struct {
	fetcher *upstreamguard.Fetcher

	// Verbose includes admission queue and circuit breaker details in the
	// response body.
	Verbose bool

	now func() time.Time
}

// NewHealthCheckHandler creates a new http.Handler reporting the health of
// the guard around the given fetcher.
func NewHealthCheckHandler(fetcher *upstreamguard.Fetcher) *HealthCheckHandler {
	return &HealthCheckHandler{fetcher: fetcher, now: time.Now}
}

// ServeHTTP serves the health-check HTTP request.
func (h *HealthCheckHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	stats := h.fetcher.Stats()
	breakerStatus := h.fetcher.BreakerStatus()

	status := HealthStatusHealthy
	respCode := http.StatusOK
	switch {
	case breakerStatus.IsOpen:
		status = HealthStatusUnhealthy
		respCode = http.StatusServiceUnavailable
	case stats.QueueLength > 0:
		status = HealthStatusDegraded
	}

	baseData := healthCheckResponseData{
		Status:    status,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	if !h.Verbose {
		restapi.RespondCodeAndJSON(rw, respCode, baseData, nil)
		return
	}

	respData := verboseHealthCheckResponseData{
		healthCheckResponseData: baseData,
		RateLimiter: rateLimiterHealthData{
			ActiveRequests: stats.ActiveRequests,
			QueueLength:    stats.QueueLength,
			MaxConcurrent:  stats.MaxConcurrent,
			CacheSize:      stats.CacheSize,
		},
		CircuitBreaker: circuitBreakerHealthData{
			State:               breakerStatus.State.String(),
			ConsecutiveFailures: breakerStatus.ConsecutiveFailures,
			TimeUntilResetMs:    breakerStatus.TimeUntilReset.Milliseconds(),
		},
	}
	restapi.RespondCodeAndJSON(rw, respCode, respData, nil)
}
