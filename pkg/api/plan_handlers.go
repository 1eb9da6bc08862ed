package api

import (
	"net/http"

	"github.com/platinummonkey/metered/pkg/httputil"
)

// ListPlans returns the plan catalog. By default only public plans are
// listed; ?public=false includes hidden plans.
func (s *Server) ListPlans(w http.ResponseWriter, r *http.Request) {
	publicOnly, err := httputil.ParseQueryBool(r, "public", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	plans, err := s.store.ListPlans(r.Context(), publicOnly)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"plans": plans,
	})
}

// GetPlan returns one plan by ID.
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := httputil.ParsePathInt64OrError(w, r, "planID")
	if !ok {
		return
	}

	plan, err := s.store.GetPlan(r.Context(), planID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}
