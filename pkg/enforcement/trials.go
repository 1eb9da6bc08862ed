package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/metered/pkg/async"
	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/notifications"
	"github.com/platinummonkey/metered/pkg/observability"
	"github.com/platinummonkey/metered/pkg/payments"
)

// TrialSweep resolves trials whose window has passed. A customer with a
// chargeable payment method converts to active; everyone else lands on the
// free plan, or past_due when no free plan exists. The sweep is a local
// backstop: when the processor manages the trial it reports the transition
// itself and this sweep sees a non-trialing status and does nothing.
type TrialSweep struct {
	store    billing.Service
	provider payments.Provider
	notifier notifications.Notifier
	metrics  *observability.Metrics
	workers  int

	now func() time.Time
}

// NewTrialSweep creates the trial-expiry sweep.
func NewTrialSweep(store billing.Service, provider payments.Provider, notifier notifications.Notifier, metrics *observability.Metrics) *TrialSweep {
	return &TrialSweep{
		store:    store,
		provider: provider,
		notifier: notifier,
		metrics:  metrics,
		workers:  defaultWorkers,
		now:      time.Now,
	}
}

func (s *TrialSweep) Name() string { return "trial_sweep" }

// Run expires every trial whose window has passed.
func (s *TrialSweep) Run(ctx context.Context) error {
	subs, err := s.store.ListSubscriptionsByStatus(ctx, billing.SubscriptionStatusTrialing)
	if err != nil {
		return fmt.Errorf("failed to list trialing subscriptions: %w", err)
	}

	now := s.now().UTC()
	errs := async.Batch(ctx, subs, s.workers, s.Name(), defaultItemTimeout,
		func(ctx context.Context, sub *billing.Subscription) error {
			if !sub.IsTrialExpired(now) {
				countItem(s.metrics, s.Name(), "skipped")
				return nil
			}
			if err := s.expireTrial(ctx, sub); err != nil {
				countItem(s.metrics, s.Name(), "error")
				return fmt.Errorf("subscription %d: %w", sub.ID, err)
			}
			countItem(s.metrics, s.Name(), "ok")
			return nil
		})
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d trials failed, first: %w", len(errs), len(subs), errs[0])
	}
	return nil
}

func (s *TrialSweep) expireTrial(ctx context.Context, sub *billing.Subscription) error {
	chargeable := false
	if sub.ProcessorCustomerID != "" && s.provider != nil {
		has, err := s.provider.HasDefaultPaymentMethod(ctx, sub.ProcessorCustomerID)
		if err != nil {
			return fmt.Errorf("failed to check payment method: %w", err)
		}
		chargeable = has
	}

	if chargeable {
		if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, billing.SubscriptionStatusActive); err != nil {
			return fmt.Errorf("failed to activate converted trial: %w", err)
		}
		s.countTransition("converted")
		s.notify(ctx, sub.TenantID, notifications.KindTrialConverted, map[string]any{
			"subscription_id": sub.ID,
		})
		return nil
	}

	freePlan, err := s.store.GetFreePlan(ctx)
	if err != nil {
		if !billing.IsNotFound(err) {
			return fmt.Errorf("failed to resolve free plan: %w", err)
		}
		// No free tier configured; hold the subscription in dunning instead.
		if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, billing.SubscriptionStatusPastDue); err != nil {
			return fmt.Errorf("failed to mark expired trial past_due: %w", err)
		}
		s.countTransition("past_due")
		s.notify(ctx, sub.TenantID, notifications.KindTrialExpired, map[string]any{
			"subscription_id": sub.ID,
		})
		return nil
	}

	if _, err := s.store.ChangePlan(ctx, sub.ID, freePlan.ID, false); err != nil {
		return fmt.Errorf("failed to downgrade expired trial: %w", err)
	}
	if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, billing.SubscriptionStatusActive); err != nil {
		return fmt.Errorf("failed to activate downgraded trial: %w", err)
	}
	s.countTransition("downgraded")
	s.notify(ctx, sub.TenantID, notifications.KindTrialExpired, map[string]any{
		"subscription_id": sub.ID,
		"downgraded_to":   freePlan.Name,
	})
	return nil
}

func (s *TrialSweep) countTransition(outcome string) {
	if s.metrics != nil {
		s.metrics.TrialTransitionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *TrialSweep) notify(ctx context.Context, tenantID int64, kind notifications.Kind, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, tenantID, kind, payload); err != nil {
		observability.FromContext(ctx).WithError(err).Warnf("notification request failed for tenant %d", tenantID)
	}
}
