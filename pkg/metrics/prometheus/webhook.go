package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carrelhq/carrel/pkg/metrics"
	"github.com/carrelhq/carrel/pkg/webhook"
)

// webhookMetrics is the Prometheus implementation of webhook.Metrics.
type webhookMetrics struct {
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
}

// NewWebhookMetrics creates a Prometheus-backed webhook.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called). The
// dispatcher treats a nil Metrics as disabled collection.
func NewWebhookMetrics() webhook.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &webhookMetrics{
		deliveriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrel_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"outcome"}, // "delivered", "failed", "dropped"
		),
		deliveryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "carrel_webhook_delivery_duration_seconds",
				Help: "End-to-end duration of webhook deliveries in seconds, retries included",
				Buckets: []float64{
					0.05, // 50ms - local receivers
					0.1,  // 100ms
					0.25, // 250ms
					0.5,  // 500ms
					1,    // 1s
					2.5,  // 2.5s
					5,    // 5s
					10,   // 10s - single attempt timeout
					30,   // 30s - deliveries that went through retries
					120,  // 2m - near exhaustion of the backoff schedule
				},
			},
			[]string{"outcome"},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "carrel_webhook_queue_depth",
				Help: "Current number of queued webhook deliveries",
			},
		),
	}
}

func (m *webhookMetrics) ObserveDelivery(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	m.deliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *webhookMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
