/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package upstreamguard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-upstreamguard/circuitbreaker"
)

// Metrics labels and values.
const (
	metricsLabelResult     = "result"
	metricsLabelBacklogged = "backlogged"

	metricsValYes = "yes"
	metricsValNo  = "no"
)

// Upstream call results used as a metrics label.
const (
	MetricsResultOK          = "ok"
	MetricsResultTimeout     = "timeout"
	MetricsResultFetchError  = "fetch_error"
	MetricsResultRateLimited = "rate_limited"
	MetricsResultHTTPError   = "http_error"
)

// MetricsCollector is an interface for collecting guard metrics.
type MetricsCollector interface {
	// DedupHit is called when a Fetch call joins an existing in-flight entry
	// instead of making a new upstream call.
	DedupHit()

	// QueueReject is called when the admission queue rejects a request.
	QueueReject(backlogged bool)

	// BreakerReject is called when the circuit breaker rejects a request
	// without attempting the upstream call.
	BreakerReject()

	// ObserveBreakerState is called after every guarded call with the
	// breaker's current state.
	ObserveBreakerState(state circuitbreaker.State)

	// ObserveUpstreamCall is called once per attempted upstream call with
	// the classified result and the call duration.
	ObserveUpstreamCall(result string, elapsed time.Duration)
}

// PrometheusMetrics represents the Prometheus implementation of MetricsCollector.
type PrometheusMetrics struct {
	DedupHits             prometheus.Counter
	QueueRejects          *prometheus.CounterVec
	BreakerRejects        prometheus.Counter
	BreakerState          prometheus.Gauge
	UpstreamCallDurations *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with the
// given namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	dedupHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_guard_dedup_hits_total",
		Help:      "Number of requests coalesced into an already in-flight upstream call.",
	})
	queueRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_guard_queue_rejects_total",
		Help:      "Number of requests rejected by the admission queue.",
	}, []string{metricsLabelBacklogged})
	breakerRejects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_guard_breaker_rejects_total",
		Help:      "Number of requests rejected by the open circuit breaker.",
	})
	breakerState := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_guard_breaker_state",
		Help:      "Current circuit breaker state (0 - closed, 1 - open, 2 - half-open).",
	})
	upstreamCallDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_guard_upstream_call_duration_seconds",
		Help:      "Duration of upstream calls by classified result.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{metricsLabelResult})

	return &PrometheusMetrics{
		DedupHits:             dedupHits,
		QueueRejects:          queueRejects,
		BreakerRejects:        breakerRejects,
		BreakerState:          breakerState,
		UpstreamCallDurations: upstreamCallDurations,
	}
}

// MustRegister does registration of metrics collector in Prometheus and
// panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.DedupHits,
		pm.QueueRejects,
		pm.BreakerRejects,
		pm.BreakerState,
		pm.UpstreamCallDurations,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.DedupHits)
	prometheus.Unregister(pm.QueueRejects)
	prometheus.Unregister(pm.BreakerRejects)
	prometheus.Unregister(pm.BreakerState)
	prometheus.Unregister(pm.UpstreamCallDurations)
}

// DedupHit implements the MetricsCollector interface.
func (pm *PrometheusMetrics) DedupHit() {
	pm.DedupHits.Inc()
}

// QueueReject implements the MetricsCollector interface.
func (pm *PrometheusMetrics) QueueReject(backlogged bool) {
	backloggedVal := metricsValNo
	if backlogged {
		backloggedVal = metricsValYes
	}
	pm.QueueRejects.With(prometheus.Labels{metricsLabelBacklogged: backloggedVal}).Inc()
}

// BreakerReject implements the MetricsCollector interface.
func (pm *PrometheusMetrics) BreakerReject() {
	pm.BreakerRejects.Inc()
}

// ObserveBreakerState implements the MetricsCollector interface.
func (pm *PrometheusMetrics) ObserveBreakerState(state circuitbreaker.State) {
	pm.BreakerState.Set(float64(state))
}

// ObserveUpstreamCall implements the MetricsCollector interface.
func (pm *PrometheusMetrics) ObserveUpstreamCall(result string, elapsed time.Duration) {
	pm.UpstreamCallDurations.With(prometheus.Labels{metricsLabelResult: result}).Observe(elapsed.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) DedupHit()                                      {}
func (disabledMetrics) QueueReject(backlogged bool)                    {}
func (disabledMetrics) BreakerReject()                                 {}
func (disabledMetrics) ObserveBreakerState(state circuitbreaker.State) {}
func (disabledMetrics) ObserveUpstreamCall(string, time.Duration)      {}
