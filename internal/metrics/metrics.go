package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service counters. Labels stay low-cardinality:
// tenant and queue IDs only, never user identifiers.
type Metrics struct {
	registry *prometheus.Registry

	SessionsEnqueued  *prometheus.CounterVec
	SessionsReleased  *prometheus.CounterVec
	SessionsDropped   *prometheus.CounterVec
	WaitDuration      *prometheus.HistogramVec
	ReleaseTicks      prometheus.Counter
	ReleaseErrors     prometheus.Counter
	EventsDropped     prometheus.Counter
	WebhookDeliveries *prometheus.CounterVec
}

// New builds and registers the collector set on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqueue_sessions_enqueued_total",
			Help: "Sessions accepted into a queue",
		}, []string{"tenant", "queue"}),
		SessionsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqueue_sessions_released_total",
			Help: "Sessions released from a queue",
		}, []string{"tenant", "queue"}),
		SessionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqueue_sessions_dropped_total",
			Help: "Sessions dropped before release",
		}, []string{"tenant", "queue", "reason"}),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vqueue_wait_duration_seconds",
			Help:    "Time spent waiting before leaving the queue",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"tenant", "queue"}),
		ReleaseTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vqueue_release_ticks_total",
			Help: "Release evaluation passes across all queues",
		}),
		ReleaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vqueue_release_errors_total",
			Help: "Release passes that failed after retries",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vqueue_events_dropped_total",
			Help: "Events discarded because a subscriber queue was full",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqueue_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.SessionsEnqueued, m.SessionsReleased, m.SessionsDropped,
		m.WaitDuration, m.ReleaseTicks, m.ReleaseErrors,
		m.EventsDropped, m.WebhookDeliveries,
	)
	return m
}

// ObserveWait records a completed wait
func (m *Metrics) ObserveWait(tenant, queue string, d time.Duration) {
	m.WaitDuration.WithLabelValues(tenant, queue).Observe(d.Seconds())
}

// Handler serves the scrape endpoint for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
