package api

import (
	"net/http"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/httputil"
	"github.com/platinummonkey/metered/pkg/observability"
)

// createSubscriptionBody is the HTTP shape of a subscription create. Email
// is only used to register a processor customer when none is supplied.
type createSubscriptionBody struct {
	PlanID              int64          `json:"plan_id"`
	TrialDays           int            `json:"trial_days,omitempty"`
	ProcessorCustomerID string         `json:"processor_customer_id,omitempty"`
	Email               string         `json:"email,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// CreateSubscription starts a subscription for a tenant. Paid plans are also
// registered with the payment processor when one is configured; the local
// row is created first so a processor outage leaves a linkable subscription
// rather than nothing.
func (s *Server) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}
	var body createSubscriptionBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	ctx := r.Context()

	sub, err := s.store.CreateSubscription(ctx, &billing.CreateSubscriptionRequest{
		TenantID:            tenantID,
		PlanID:              body.PlanID,
		TrialDays:           body.TrialDays,
		ProcessorCustomerID: body.ProcessorCustomerID,
		Metadata:            body.Metadata,
	})
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}

	if linked, err := s.registerWithProcessor(r, sub, &body); err != nil {
		// The local subscription exists; surface the processor failure so
		// the caller can retry the linkage.
		httputil.WriteBillingError(w, err)
		return
	} else if linked != nil {
		sub = linked
	}

	httputil.WriteCreated(w, sub)
}

// registerWithProcessor creates the processor-side subscription for a paid
// plan. Returns nil when there is nothing to do.
func (s *Server) registerWithProcessor(r *http.Request, sub *billing.Subscription, body *createSubscriptionBody) (*billing.Subscription, error) {
	if s.provider == nil {
		return nil, nil
	}
	ctx := r.Context()

	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.IsFree() || plan.ProcessorPriceID == "" {
		return nil, nil
	}

	customerID := body.ProcessorCustomerID
	if customerID == "" {
		if body.Email == "" {
			// Nothing to bill against yet; checkout links the customer later.
			return nil, nil
		}
		customerID, err = s.provider.CreateCustomer(ctx, sub.TenantID, body.Email)
		if err != nil {
			return nil, err
		}
	}

	snap, err := s.provider.CreateSubscription(ctx, customerID, plan.ProcessorPriceID, body.TrialDays, sub.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.store.LinkProcessorIdentity(ctx, sub.ID, customerID, snap.ProcessorID); err != nil {
		return nil, err
	}
	updated, _, err := s.store.ApplyProcessorSubscription(ctx, snap)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetSubscription returns the tenant's subscription.
func (s *Server) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}

	sub, err := s.store.GetSubscriptionByTenant(r.Context(), tenantID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

type changePlanBody struct {
	PlanID   int64 `json:"plan_id"`
	Deferred bool  `json:"deferred,omitempty"`
}

// ChangePlan moves the tenant onto a new plan. Deferred changes take effect
// at the next period rollover; immediate changes also reprice the processor
// subscription when one is linked.
func (s *Server) ChangePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}
	var body changePlanBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	ctx := r.Context()

	sub, err := s.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}

	updated, err := s.store.ChangePlan(ctx, sub.ID, body.PlanID, body.Deferred)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}

	if !body.Deferred && sub.ProcessorSubscriptionID != "" && s.provider != nil {
		newPlan, err := s.store.GetPlan(ctx, body.PlanID)
		if err != nil {
			httputil.WriteBillingError(w, err)
			return
		}
		if newPlan.ProcessorPriceID != "" {
			if err := s.provider.UpdateSubscriptionPrice(ctx, sub.ProcessorSubscriptionID, newPlan.ProcessorPriceID, true); err != nil {
				observability.FromContext(ctx).WithError(err).
					Errorf("failed to reprice processor subscription %s", sub.ProcessorSubscriptionID)
				httputil.WriteBillingError(w, err)
				return
			}
		}
	}

	httputil.WriteSuccess(w, updated)
}

type cancelSubscriptionBody struct {
	Immediately bool `json:"immediately,omitempty"`
}

// CancelSubscription cancels the tenant's subscription, locally and on the
// processor when linked.
func (s *Server) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}
	var body cancelSubscriptionBody
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	ctx := r.Context()

	sub, err := s.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}

	if sub.ProcessorSubscriptionID != "" && s.provider != nil {
		if err := s.provider.CancelSubscription(ctx, sub.ProcessorSubscriptionID, body.Immediately); err != nil {
			httputil.WriteBillingError(w, err)
			return
		}
	}

	updated, err := s.store.CancelSubscription(ctx, sub.ID, body.Immediately)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

// ListEntitlements returns the tenant's current entitlements with remaining
// quota.
func (s *Server) ListEntitlements(w http.ResponseWriter, r *http.Request) {
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

	type entitlementView struct {
		*billing.Entitlement
		Remaining int64 `json:"remaining"`
	}
	views := make([]entitlementView, 0, len(entitlements))
	for _, e := range entitlements {
		views = append(views, entitlementView{Entitlement: e, Remaining: e.RemainingQuota()})
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"subscription_id": sub.ID,
		"entitlements":    views,
	})
}
