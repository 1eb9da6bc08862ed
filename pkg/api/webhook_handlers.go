package api

import (
	"io"
	"net/http"

	"github.com/platinummonkey/metered/pkg/httputil"
)

// maxWebhookBody bounds processor webhook payloads.
const maxWebhookBody = 1 << 20

// HandleStripeWebhook ingests one processor webhook delivery. Signature
// failures are rejected with 400 and never retried by the processor;
// handler failures return 500 so the processor redelivers.
func (s *Server) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "webhook ingestion is not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	if err := s.webhooks.Process(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"received": true})
}
