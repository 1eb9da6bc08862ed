package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookEventDuration *prometheus.HistogramVec

	// Usage metrics
	UsageEventsTotal   *prometheus.CounterVec
	UsageUnitsRecorded *prometheus.CounterVec

	// Enforcement metrics
	SweepRunsTotal        *prometheus.CounterVec
	SweepDuration         *prometheus.HistogramVec
	SweepItemsTotal       *prometheus.CounterVec
	OverageChargesTotal   *prometheus.CounterVec
	OverageAmountCharged  *prometheus.CounterVec
	TrialTransitionsTotal *prometheus.CounterVec
	DunningCancellations  prometheus.Counter

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Plan cache metrics
	PlanCacheHitsTotal   prometheus.Counter
	PlanCacheMissesTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metered_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_webhook_events_total",
				Help: "Processor webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metered_webhook_event_duration_seconds",
				Help:    "Webhook event handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		UsageEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_usage_events_total",
				Help: "Usage events recorded by event type",
			},
			[]string{"event_type"},
		),
		UsageUnitsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_usage_units_recorded_total",
				Help: "Usage units recorded by event type",
			},
			[]string{"event_type"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_sweep_runs_total",
				Help: "Enforcement sweep runs by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metered_sweep_duration_seconds",
				Help:    "Enforcement sweep duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"job"},
		),
		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_sweep_items_total",
				Help: "Subscriptions visited by enforcement sweeps, by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		OverageChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_overage_charges_total",
				Help: "Overage charges created by feature",
			},
			[]string{"feature"},
		),
		OverageAmountCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_overage_amount_charged_total",
				Help: "Overage amount charged in minor units, by feature",
			},
			[]string{"feature"},
		),
		TrialTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_trial_transitions_total",
				Help: "Trial expiry outcomes (converted, downgraded, past_due)",
			},
			[]string{"outcome"},
		),
		DunningCancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metered_dunning_cancellations_total",
				Help: "Subscriptions canceled after the dunning grace period",
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metered_notifications_total",
				Help: "Notification requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		PlanCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metered_plan_cache_hits_total",
				Help: "Plan cache hits",
			},
		),
		PlanCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metered_plan_cache_misses_total",
				Help: "Plan cache misses",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "metered_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "metered_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookEventDuration,
		m.UsageEventsTotal,
		m.UsageUnitsRecorded,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepItemsTotal,
		m.OverageChargesTotal,
		m.OverageAmountCharged,
		m.TrialTransitionsTotal,
		m.DunningCancellations,
		m.NotificationsTotal,
		m.PlanCacheHitsTotal,
		m.PlanCacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// UpdateDBStats copies connection pool stats into the DB gauges.
func (m *Metrics) UpdateDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
