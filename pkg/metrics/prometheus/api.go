// Package prometheus holds the promauto-backed implementations of the metric
// interfaces the server packages declare. Each constructor returns nil when
// metrics are disabled; the methods tolerate nil receivers so call sites need
// no guards.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carrelhq/carrel/pkg/api"
	"github.com/carrelhq/carrel/pkg/metrics"
)

// apiMetrics is the Prometheus implementation of api.Metrics.
type apiMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	appendsTotal     *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
}

// NewAPIMetrics creates a Prometheus-backed api.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewAPIMetrics() api.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &apiMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrel_http_requests_total",
				Help: "Total number of HTTP requests by route pattern, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "carrel_http_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
				Buckets: []float64{
					0.001, // 1ms - in-memory reads
					0.005, // 5ms
					0.01,  // 10ms - sqlite single-row writes
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms - append batches, folder listings
					0.25,  // 250ms
					0.5,   // 500ms - exports, bulk creates
					1,     // 1s
					2.5,   // 2.5s
					5,     // 5s
				},
			},
			[]string{"route", "method"},
		),
		appendsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrel_appends_total",
				Help: "Total number of stored append entries by type",
			},
			[]string{"type"},
		),
		rateLimitedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrel_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

func (m *apiMetrics) ObserveRequest(route, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

func (m *apiMetrics) RecordAppend(kind string) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(kind).Inc()
}

func (m *apiMetrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}
