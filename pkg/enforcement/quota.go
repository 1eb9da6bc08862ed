package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/metered/pkg/async"
	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/notifications"
	"github.com/platinummonkey/metered/pkg/observability"
	"github.com/platinummonkey/metered/pkg/payments"
)

// QuotaSweep recomputes authoritative usage for every live subscription,
// heals drifted entitlement counters, and bills overage.
//
// The usage event log is the source of truth; Entitlement.Used is a cache
// that inline bumps keep roughly current. The sweep replaces the cache with
// the period's event sum, so any drift (crashed writers, replayed events,
// manual fixes) self-corrects within one sweep interval.
//
// Overage billing is monotonic: billed units are themselves recorded as
// `<feature>_overage` usage events inside the same period, and each sweep
// only charges the delta beyond what those events already cover. Rerunning
// the sweep, or two sweeps racing, never double-charges.
type QuotaSweep struct {
	store    billing.Service
	provider payments.Provider
	rates    *RateTable
	notifier notifications.Notifier
	metrics  *observability.Metrics
	workers  int

	now func() time.Time
}

// NewQuotaSweep creates the hourly quota sweep. notifier and metrics may be
// nil.
func NewQuotaSweep(store billing.Service, provider payments.Provider, rates *RateTable, notifier notifications.Notifier, metrics *observability.Metrics) *QuotaSweep {
	return &QuotaSweep{
		store:    store,
		provider: provider,
		rates:    rates,
		notifier: notifier,
		metrics:  metrics,
		workers:  defaultWorkers,
		now:      time.Now,
	}
}

func (s *QuotaSweep) Name() string { return "quota_sweep" }

// Run sweeps every sweepable subscription. Per-subscription failures are
// collected and reported without aborting the rest.
func (s *QuotaSweep) Run(ctx context.Context) error {
	subs, err := s.store.ListSubscriptionsByStatus(ctx,
		billing.SubscriptionStatusActive,
		billing.SubscriptionStatusTrialing,
		billing.SubscriptionStatusPastDue,
	)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	rates := s.rates.Snapshot()
	errs := async.Batch(ctx, subs, s.workers, s.Name(), defaultItemTimeout,
		func(ctx context.Context, sub *billing.Subscription) error {
			if err := s.sweepSubscription(ctx, sub, rates); err != nil {
				countItem(s.metrics, s.Name(), "error")
				return fmt.Errorf("subscription %d: %w", sub.ID, err)
			}
			countItem(s.metrics, s.Name(), "ok")
			return nil
		})
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d subscriptions failed, first: %w", len(errs), len(subs), errs[0])
	}
	return nil
}

func (s *QuotaSweep) sweepSubscription(ctx context.Context, sub *billing.Subscription, rates *RateSnapshot) error {
	entitlements, err := s.store.GetEntitlements(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to load entitlements: %w", err)
	}

	now := s.now().UTC()
	periodStart, periodEnd := sub.PeriodBounds(now)

	for _, ent := range entitlements {
		if ent.Limit == nil {
			continue // boolean feature, nothing to count
		}

		total, err := s.store.SumUsage(ctx, sub.ID, ent.Feature, periodStart, periodEnd)
		if err != nil {
			return fmt.Errorf("failed to sum usage for %s: %w", ent.Feature, err)
		}

		if total != ent.Used {
			if err := s.store.SetEntitlementUsed(ctx, sub.ID, ent.Feature, total); err != nil {
				return fmt.Errorf("failed to heal usage counter for %s: %w", ent.Feature, err)
			}
		}

		if !ent.Metered() || total <= *ent.Limit {
			continue
		}
		if err := s.billOverage(ctx, sub, ent.Feature, total-*ent.Limit, periodStart, periodEnd, rates); err != nil {
			return err
		}
	}
	return nil
}

// billOverage charges for overage units not yet covered by recorded overage
// events in the current period.
func (s *QuotaSweep) billOverage(ctx context.Context, sub *billing.Subscription, feature string, overage int64, periodStart, periodEnd time.Time, rates *RateSnapshot) error {
	overageType := billing.OverageEventType(feature)
	billed, err := s.store.SumUsage(ctx, sub.ID, overageType, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to sum billed overage for %s: %w", feature, err)
	}

	units := overage - billed
	if units <= 0 {
		return nil
	}

	unitCost := rates.UnitCost(feature)
	amount := unitCost.Mul(decimal.NewFromInt(units))

	// Record before charging. A crash between the two leaves the units
	// marked billed but uncharged, which is recoverable by hand; the
	// opposite order would double-charge on every rerun.
	_, err = s.store.RecordUsage(ctx, sub.ID, overageType, units, map[string]any{
		"unit_cost": unitCost.String(),
		"amount":    amount.String(),
		"currency":  rates.Currency,
	})
	if err != nil {
		return fmt.Errorf("failed to record overage for %s: %w", feature, err)
	}

	if s.metrics != nil {
		s.metrics.UsageEventsTotal.WithLabelValues(overageType).Inc()
		s.metrics.UsageUnitsRecorded.WithLabelValues(overageType).Add(float64(units))
		s.metrics.OverageChargesTotal.WithLabelValues(feature).Inc()
		s.metrics.OverageAmountCharged.WithLabelValues(feature).Add(float64(billing.DecimalToMinor(amount)))
	}

	if amount.IsPositive() && sub.ProcessorCustomerID != "" && s.provider != nil {
		description := fmt.Sprintf("Overage: %d %s units", units, feature)
		if err := s.provider.CreateOverageCharge(ctx, sub.ProcessorCustomerID, amount, rates.Currency, description); err != nil {
			return fmt.Errorf("failed to create overage charge for %s: %w", feature, err)
		}
	}

	s.notify(ctx, sub.TenantID, notifications.KindOverageCharged, map[string]any{
		"subscription_id": sub.ID,
		"feature":         feature,
		"units":           units,
		"amount":          amount.String(),
		"currency":        rates.Currency,
	})
	return nil
}

func (s *QuotaSweep) notify(ctx context.Context, tenantID int64, kind notifications.Kind, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, tenantID, kind, payload); err != nil {
		observability.FromContext(ctx).WithError(err).Warnf("notification request failed for tenant %d", tenantID)
	}
}
