package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls          prometheus.Gauge
	CallEvents           *prometheus.CounterVec
	ConferenceActions    *prometheus.CounterVec
	ConferenceLifecycle  *prometheus.CounterVec
	Migrations           *prometheus.CounterVec
	WebhookErrors        *prometheus.CounterVec
	StoreLatency         *prometheus.HistogramVec
	MediaReconnects      prometheus.Counter
	WaitListNotifyErrors prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently executing tasks on this feature server.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		ConferenceActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conference_actions_total",
			Help:      "Conference coordinator decisions by action.",
		}, []string{"action"}),
		ConferenceLifecycle: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conference_lifecycle_notifications_total",
			Help:      "Conference lifecycle webhooks dispatched by event.",
		}, []string{"event"}),
		Migrations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_migrations_total",
			Help:      "Cross-server call migrations by result.",
		}, []string{"result"}),
		WebhookErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Webhook failures by purpose.",
		}, []string{"purpose"}),
		StoreLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_latency_ms",
			Help:      "Latency of registry and wait-list operations in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"op"}),
		MediaReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_reconnects_total",
			Help:      "Reconnect attempts on the media control channel.",
		}),
		WaitListNotifyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waitlist_notify_errors_total",
			Help:      "Failed notifications to waiting conference participants.",
		}),
	}
}

func (m *Metrics) ObserveCallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveConferenceAction(action string) {
	if m == nil {
		return
	}
	m.ConferenceActions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveLifecycle(event string) {
	if m == nil {
		return
	}
	m.ConferenceLifecycle.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMigration(result string) {
	if m == nil {
		return
	}
	m.Migrations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveWebhookError(purpose string) {
	if m == nil {
		return
	}
	m.WebhookErrors.WithLabelValues(purpose).Inc()
}

func (m *Metrics) ObserveStoreOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(op).Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) ObserveMediaReconnect() {
	if m == nil {
		return
	}
	m.MediaReconnects.Inc()
}

func (m *Metrics) ObserveWaitListNotifyError() {
	if m == nil {
		return
	}
	m.WaitListNotifyErrors.Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
