// Package metrics exposes prometheus instrumentation and the component
// health registry backing /healthz and /readyz.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Hybrid read path
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_cache_hits_total",
			Help: "Fresh cache hits served without an upstream call",
		},
		[]string{"table"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_cache_misses_total",
			Help: "Reads that required an upstream fetch",
		},
		[]string{"table"},
	)

	StaleFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_stale_fallbacks_total",
			Help: "Reads served from a stale document after upstream failure",
		},
		[]string{"table"},
	)

	// Sync engine
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snowbridge_sync_duration_seconds",
			Help:    "Duration of one sync pass per table",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"table", "extraction_type"},
	)

	TicketsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_tickets_synced_total",
			Help: "Tickets upserted by the sync engine",
		},
		[]string{"table", "extraction_type"},
	)

	SyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_sync_errors_total",
			Help: "Per-ticket sync errors, skipped and counted",
		},
		[]string{"table"},
	)

	// Upstream client
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_upstream_requests_total",
			Help: "Upstream requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	UpstreamRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snowbridge_upstream_rate_limited_total",
			Help: "Upstream 429 responses observed",
		},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snowbridge_upstream_breaker_open",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	// SLA engine
	SLABreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_sla_breaches_total",
			Help: "SLA instances that transitioned to breached",
		},
		[]string{"table", "priority"},
	)

	SLAActiveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snowbridge_sla_active_instances",
			Help: "SLA instances currently in active status",
		},
	)

	// Notification queue
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snowbridge_queue_depth",
			Help: "Queued notifications per priority band",
		},
		[]string{"band"},
	)

	NotificationsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_notifications_delivered_total",
			Help: "Notifications fully delivered, by band",
		},
		[]string{"band"},
	)

	NotificationsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snowbridge_notifications_dead_lettered_total",
			Help: "Notifications moved to the dead-letter list",
		},
	)

	// Transports
	ConnectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snowbridge_connected_clients",
			Help: "Connected real-time clients by transport",
		},
		[]string{"transport"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowbridge_events_published_total",
			Help: "Change events published to the event bus, by stream",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheHits,
		CacheMisses,
		StaleFallbacks,
		SyncDuration,
		TicketsSynced,
		SyncErrors,
		UpstreamRequests,
		UpstreamRateLimited,
		BreakerState,
		SLABreaches,
		SLAActiveInstances,
		QueueDepth,
		NotificationsDelivered,
		NotificationsDeadLettered,
		ConnectedClients,
		EventsPublished,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on a histogram.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
