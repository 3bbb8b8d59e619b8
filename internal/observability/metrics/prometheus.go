// Package metrics provides Prometheus metrics for the conversion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	ConversionsStarted      prometheus.Counter
	ConversionsSucceeded    prometheus.Counter
	ConversionsFailed       prometheus.Counter
	ConversionsIdempotent   prometheus.Counter
	GuardRejections         *prometheus.CounterVec
	EnrichmentFailures      *prometheus.CounterVec
	ConversionDuration      prometheus.Histogram
	LedgerEventsRecorded    prometheus.Counter
	LedgerWriteFailures     prometheus.Counter
	NotificationsDispatched prometheus.Counter
	NotificationsFailed     prometheus.Counter
	NotificationsDelivered  *prometheus.CounterVec
	OutboxPending           prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		ConversionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conversions_started_total",
			Help: "Total conversion attempts",
		}),
		ConversionsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conversions_succeeded_total",
			Help: "Total conversions that produced an episode",
		}),
		ConversionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conversions_failed_total",
			Help: "Total conversions aborted by an essential-step failure",
		}),
		ConversionsIdempotent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conversions_idempotent_total",
			Help: "Conversions short-circuited to an existing episode",
		}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_rejections_total",
			Help: "Precondition violations by error code",
		}, []string{"code"}),
		EnrichmentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_failures_total",
			Help: "Non-fatal failures after episode creation, by step",
		}, []string{"step"}),
		ConversionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conversion_duration_seconds",
			Help:    "End-to-end conversion duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		LedgerEventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifecycle_events_recorded_total",
			Help: "Lifecycle ledger rows written",
		}),
		LedgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifecycle_event_failures_total",
			Help: "Lifecycle ledger writes that failed",
		}),
		NotificationsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Notification requests handed to the dispatcher",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notification dispatches swallowed by the gate",
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered by the notifier, by channel",
		}, []string{"channel"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Outbox entries awaiting relay",
		}),
	}

	prometheus.MustRegister(
		m.ConversionsStarted,
		m.ConversionsSucceeded,
		m.ConversionsFailed,
		m.ConversionsIdempotent,
		m.GuardRejections,
		m.EnrichmentFailures,
		m.ConversionDuration,
		m.LedgerEventsRecorded,
		m.LedgerWriteFailures,
		m.NotificationsDispatched,
		m.NotificationsFailed,
		m.NotificationsDelivered,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
