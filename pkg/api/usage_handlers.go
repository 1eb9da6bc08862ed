package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/httputil"
)

type recordUsageBody struct {
	EventType string         `json:"event_type"`
	Quantity  int64          `json:"quantity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RecordUsage appends a usage event for the tenant. The response carries an
// advisory `allowed` flag reflecting the entitlement after the event; usage
// is recorded regardless, and overage is settled by the quota sweep. Writes
// are never rejected for being over limit.
func (s *Server) RecordUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}
	var body recordUsageBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	ctx := r.Context()

	sub, err := s.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}

	event, err := s.store.RecordUsage(ctx, sub.ID, body.EventType, body.Quantity, body.Metadata)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.UsageEventsTotal.WithLabelValues(event.EventType).Inc()
		s.metrics.UsageUnitsRecorded.WithLabelValues(event.EventType).Add(float64(event.Quantity))
	}

	allowed := true
	remaining := billing.UnlimitedQuota
	if ent, err := s.store.GetEntitlement(ctx, sub.ID, body.EventType); err == nil {
		allowed = !ent.IsOverLimit()
		remaining = ent.RemainingQuota()
	}

	httputil.WriteCreated(w, map[string]interface{}{
		"event":     event,
		"allowed":   allowed,
		"remaining": remaining,
	})
}

// UsageReport returns per-feature usage for the current billing period,
// computed from the authoritative event log.
func (s *Server) UsageReport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}
	ctx := r.Context()

	sub, err := s.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	entitlements, err := s.store.GetEntitlements(ctx, sub.ID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}

	periodStart, periodEnd := sub.PeriodBounds(time.Now().UTC())

	type featureUsage struct {
		Feature   string `json:"feature"`
		Used      int64  `json:"used"`
		Limit     *int64 `json:"limit,omitempty"`
		Remaining int64  `json:"remaining"`
	}
	report := make([]featureUsage, 0, len(entitlements))
	for _, ent := range entitlements {
		if ent.Limit == nil {
			continue
		}
		used, err := s.store.SumUsage(ctx, sub.ID, ent.Feature, periodStart, periodEnd)
		if err != nil {
			httputil.WriteBillingError(w, err)
			return
		}
		view := featureUsage{Feature: ent.Feature, Used: used, Limit: ent.Limit}
		if ent.Metered() {
			view.Remaining = *ent.Limit - used
			if view.Remaining < 0 {
				view.Remaining = 0
			}
		} else {
			view.Remaining = billing.UnlimitedQuota
		}
		report = append(report, view)
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"subscription_id": sub.ID,
		"period_start":    periodStart,
		"period_end":      periodEnd,
		"usage":           report,
	})
}
