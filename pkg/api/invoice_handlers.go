package api

import (
	"net/http"

	"github.com/platinummonkey/metered/pkg/httputil"
)

// ListInvoices returns the tenant's mirrored invoices, newest first.
func (s *Server) ListInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 20)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	invoices, err := s.store.ListInvoices(r.Context(), tenantID, limit)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"invoices": invoices,
	})
}
