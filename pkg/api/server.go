// Package api exposes the billing engine over HTTP: a thin JSON admin
// surface for plans, subscriptions, usage and invoices, plus the processor
// webhook endpoint. Handlers delegate to pkg services and hold no state of
// their own.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/observability"
	"github.com/platinummonkey/metered/pkg/payments"
)

// Server wires the HTTP surface to the billing core.
type Server struct {
	store    billing.Service
	provider payments.Provider
	webhooks *payments.WebhookProcessor
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewServer creates the API server. provider, webhooks and metrics may be
// nil when the deployment runs without a payment processor or registry.
func NewServer(store billing.Service, provider payments.Provider, webhooks *payments.WebhookProcessor, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		store:    store,
		provider: provider,
		webhooks: webhooks,
		logger:   logger,
		metrics:  metrics,
	}
}

// Router builds the full route table under /api/v1.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.RequestContextMiddleware)
	s.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

// RegisterRoutes registers every handler on the given router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	// Plans
	router.HandleFunc("/plans", s.ListPlans).Methods(http.MethodGet)
	router.HandleFunc("/plans/{planID}", s.GetPlan).Methods(http.MethodGet)

	// Subscriptions
	router.HandleFunc("/tenants/{tenantID}/subscription", s.CreateSubscription).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantID}/subscription", s.GetSubscription).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{tenantID}/subscription/plan", s.ChangePlan).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantID}/subscription/cancel", s.CancelSubscription).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantID}/entitlements", s.ListEntitlements).Methods(http.MethodGet)

	// Usage
	router.HandleFunc("/tenants/{tenantID}/usage", s.RecordUsage).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantID}/usage", s.UsageReport).Methods(http.MethodGet)

	// Invoices
	router.HandleFunc("/tenants/{tenantID}/invoices", s.ListInvoices).Methods(http.MethodGet)

	// Processor webhooks
	router.HandleFunc("/webhooks/stripe", s.HandleStripeWebhook).Methods(http.MethodPost)
}
