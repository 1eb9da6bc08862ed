package enforcement

import (
	"context"
	"fmt"

	"github.com/platinummonkey/metered/pkg/async"
	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/observability"
	"github.com/platinummonkey/metered/pkg/payments"
)

// SyncJob re-pulls processor state for every linked live subscription. The
// webhook feed keeps the mirror current in steady state; this daily pass
// corrects drift from dropped deliveries and outages. Adoption goes through
// the same path the webhook handlers use, so it carries the same period
// rollover and pending plan-change side effects.
type SyncJob struct {
	store    billing.Service
	provider payments.Provider
	metrics  *observability.Metrics
	workers  int

	// invoiceFetchLimit bounds how many recent invoices are re-pulled per
	// subscription.
	invoiceFetchLimit int
}

// NewSyncJob creates the daily processor sync.
func NewSyncJob(store billing.Service, provider payments.Provider, metrics *observability.Metrics) *SyncJob {
	return &SyncJob{
		store:             store,
		provider:          provider,
		metrics:           metrics,
		workers:           defaultWorkers,
		invoiceFetchLimit: 5,
	}
}

func (s *SyncJob) Name() string { return "billing_sync" }

// Run syncs every linked, non-terminal subscription.
func (s *SyncJob) Run(ctx context.Context) error {
	subs, err := s.store.ListSubscriptionsByStatus(ctx,
		billing.SubscriptionStatusActive,
		billing.SubscriptionStatusTrialing,
		billing.SubscriptionStatusPastDue,
		billing.SubscriptionStatusUnpaid,
		billing.SubscriptionStatusIncomplete,
	)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	errs := async.Batch(ctx, subs, s.workers, s.Name(), defaultItemTimeout,
		func(ctx context.Context, sub *billing.Subscription) error {
			if sub.ProcessorSubscriptionID == "" {
				countItem(s.metrics, s.Name(), "skipped")
				return nil
			}
			if err := s.syncSubscription(ctx, sub); err != nil {
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

func (s *SyncJob) syncSubscription(ctx context.Context, sub *billing.Subscription) error {
	snap, err := s.provider.GetSubscription(ctx, sub.ProcessorSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch processor subscription: %w", err)
	}
	if _, _, err := s.store.ApplyProcessorSubscription(ctx, snap); err != nil {
		return fmt.Errorf("failed to adopt processor subscription: %w", err)
	}
	return s.syncInvoices(ctx, sub)
}

// syncInvoices re-pulls the tenant's recent unsettled invoices.
func (s *SyncJob) syncInvoices(ctx context.Context, sub *billing.Subscription) error {
	invoices, err := s.store.ListInvoices(ctx, sub.TenantID, s.invoiceFetchLimit)
	if err != nil {
		return fmt.Errorf("failed to list invoices: %w", err)
	}
	for _, invoice := range invoices {
		if invoice.Status != billing.InvoiceStatusOpen && invoice.Status != billing.InvoiceStatusDraft {
			continue
		}
		snap, err := s.provider.GetInvoice(ctx, invoice.ProcessorInvoiceID)
		if err != nil {
			observability.FromContext(ctx).WithError(err).
				Warnf("failed to refresh invoice %s", invoice.ProcessorInvoiceID)
			continue
		}
		if _, err := s.store.UpsertProcessorInvoice(ctx, snap); err != nil {
			return fmt.Errorf("failed to adopt refreshed invoice %s: %w", invoice.ProcessorInvoiceID, err)
		}
	}
	return nil
}
