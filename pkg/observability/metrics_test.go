package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}
		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.WebhookEventsTotal == nil {
			t.Error("WebhookEventsTotal is nil")
		}
		if metrics.SweepRunsTotal == nil {
			t.Error("SweepRunsTotal is nil")
		}
		if metrics.OverageChargesTotal == nil {
			t.Error("OverageChargesTotal is nil")
		}
		if metrics.TrialTransitionsTotal == nil {
			t.Error("TrialTransitionsTotal is nil")
		}
		if metrics.DunningCancellations == nil {
			t.Error("DunningCancellations is nil")
		}
		if metrics.NotificationsTotal == nil {
			t.Error("NotificationsTotal is nil")
		}
		if metrics.PlanCacheHitsTotal == nil {
			t.Error("PlanCacheHitsTotal is nil")
		}
		if metrics.DBConnectionsActive == nil {
			t.Error("DBConnectionsActive is nil")
		}
	})

	t.Run("metrics are registered with registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		// Touch a few metrics so they appear in Gather()
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Add(0)
		metrics.WebhookEventsTotal.WithLabelValues("invoice.paid", "handled").Add(0)
		metrics.SweepRunsTotal.WithLabelValues("quota_sweep", "ok").Add(0)
		metrics.DBConnectionsActive.Set(0)

		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		metricNames := make(map[string]bool)
		for _, family := range families {
			metricNames[family.GetName()] = true
		}

		expectedMetrics := []string{
			"metered_http_requests_total",
			"metered_webhook_events_total",
			"metered_sweep_runs_total",
			"metered_db_connections_active",
		}
		for _, name := range expectedMetrics {
			if !metricNames[name] {
				t.Errorf("Expected metric %s not found in registry", name)
			}
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic on duplicate registration, but didn't panic")
			}
		}()

		NewMetrics(registry)
	})
}

func TestMetrics_WebhookMetrics(t *testing.T) {
	t.Run("increment webhook event counter", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.WebhookEventsTotal.WithLabelValues("customer.subscription.updated", "handled").Inc()

		expected := `
# HELP metered_webhook_events_total Processor webhook events by type and outcome
# TYPE metered_webhook_events_total counter
metered_webhook_events_total{event_type="customer.subscription.updated",outcome="handled"} 1
`
		if err := testutil.CollectAndCompare(metrics.WebhookEventsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("observe webhook event duration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.WebhookEventDuration.WithLabelValues("invoice.paid").Observe(0.05)
		metrics.WebhookEventDuration.WithLabelValues("invoice.paid").Observe(0.1)

		count := testutil.CollectAndCount(metrics.WebhookEventDuration)
		if count != 1 {
			t.Errorf("Expected 1 metric family, got %d", count)
		}
	})
}

func TestMetrics_EnforcementMetrics(t *testing.T) {
	t.Run("sweep runs by job and outcome", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.SweepRunsTotal.WithLabelValues("quota_sweep", "ok").Inc()
		metrics.SweepRunsTotal.WithLabelValues("quota_sweep", "error").Inc()
		metrics.SweepRunsTotal.WithLabelValues("trial_sweep", "ok").Inc()

		count := testutil.CollectAndCount(metrics.SweepRunsTotal)
		if count != 3 {
			t.Errorf("Expected 3 label combinations, got %d", count)
		}
	})

	t.Run("overage amounts accumulate per feature", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.OverageAmountCharged.WithLabelValues("api_requests").Add(150)
		metrics.OverageAmountCharged.WithLabelValues("api_requests").Add(50)

		expected := `
# HELP metered_overage_amount_charged_total Overage amount charged in minor units, by feature
# TYPE metered_overage_amount_charged_total counter
metered_overage_amount_charged_total{feature="api_requests"} 200
`
		if err := testutil.CollectAndCompare(metrics.OverageAmountCharged, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("trial transition outcomes", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.TrialTransitionsTotal.WithLabelValues("converted").Inc()
		metrics.TrialTransitionsTotal.WithLabelValues("downgraded").Inc()
		metrics.TrialTransitionsTotal.WithLabelValues("past_due").Inc()

		count := testutil.CollectAndCount(metrics.TrialTransitionsTotal)
		if count != 3 {
			t.Errorf("Expected 3 outcomes, got %d", count)
		}
	})

	t.Run("dunning cancellations", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.DunningCancellations.Inc()
		metrics.DunningCancellations.Inc()

		if got := testutil.ToFloat64(metrics.DunningCancellations); got != 2 {
			t.Errorf("Expected 2 cancellations, got %v", got)
		}
	})
}

func TestMetrics_UsageMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.UsageEventsTotal.WithLabelValues("api_requests").Inc()
	metrics.UsageUnitsRecorded.WithLabelValues("api_requests").Add(25)

	if got := testutil.ToFloat64(metrics.UsageEventsTotal.WithLabelValues("api_requests")); got != 1 {
		t.Errorf("Expected 1 usage event, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.UsageUnitsRecorded.WithLabelValues("api_requests")); got != 25 {
		t.Errorf("Expected 25 units recorded, got %v", got)
	}
}

func TestMetrics_UpdateDBStats(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.UpdateDBStats(db)

	// sqlmock holds one idle connection after New
	active := testutil.ToFloat64(metrics.DBConnectionsActive)
	idle := testutil.ToFloat64(metrics.DBConnectionsIdle)
	if active < 0 {
		t.Errorf("Expected non-negative active connections, got %v", active)
	}
	if idle < 0 {
		t.Errorf("Expected non-negative idle connections, got %v", idle)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("records request count and status", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

		req := httptest.NewRequest("POST", "/api/v1/tenants/7/usage", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Errorf("Expected status 201, got %d", rr.Code)
		}

		got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/tenants/7/usage", "201"))
		if got != 1 {
			t.Errorf("Expected 1 request counted, got %v", got)
		}
	})

	t.Run("defaults to 200 when handler never writes a header", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

		req := httptest.NewRequest("GET", "/api/v1/plans", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/plans", "200"))
		if got != 1 {
			t.Errorf("Expected 1 request counted as 200, got %v", got)
		}
	})

	t.Run("observes request duration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		count := testutil.CollectAndCount(metrics.HTTPRequestDuration)
		if count != 1 {
			t.Errorf("Expected 1 duration series, got %d", count)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.SweepRunsTotal.WithLabelValues("dunning_sweep", "ok").Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "metered_sweep_runs_total") {
		t.Error("Expected sweep metric in /metrics output")
	}
}
