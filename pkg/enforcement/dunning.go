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

// DefaultGracePeriod is how long an invoice may stay overdue before the
// subscription is canceled.
const DefaultGracePeriod = 14 * 24 * time.Hour

// DunningSweep walks overdue invoices. Each invoice is first refreshed from
// the processor, which resolves payments the webhook feed missed. Invoices
// still unpaid past the grace period cancel the subscription.
type DunningSweep struct {
	store    billing.Service
	provider payments.Provider
	notifier notifications.Notifier
	metrics  *observability.Metrics
	grace    time.Duration
	workers  int

	now func() time.Time
}

// NewDunningSweep creates the dunning sweep. A non-positive grace duration
// falls back to DefaultGracePeriod.
func NewDunningSweep(store billing.Service, provider payments.Provider, notifier notifications.Notifier, metrics *observability.Metrics, grace time.Duration) *DunningSweep {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &DunningSweep{
		store:    store,
		provider: provider,
		notifier: notifier,
		metrics:  metrics,
		grace:    grace,
		workers:  defaultWorkers,
		now:      time.Now,
	}
}

func (s *DunningSweep) Name() string { return "dunning_sweep" }

// Run processes every overdue invoice.
func (s *DunningSweep) Run(ctx context.Context) error {
	now := s.now().UTC()
	invoices, err := s.store.ListOverdueInvoices(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list overdue invoices: %w", err)
	}

	errs := async.Batch(ctx, invoices, s.workers, s.Name(), defaultItemTimeout,
		func(ctx context.Context, invoice *billing.Invoice) error {
			if err := s.processInvoice(ctx, invoice, now); err != nil {
				countItem(s.metrics, s.Name(), "error")
				return fmt.Errorf("invoice %s: %w", invoice.ProcessorInvoiceID, err)
			}
			countItem(s.metrics, s.Name(), "ok")
			return nil
		})
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d invoices failed, first: %w", len(errs), len(invoices), errs[0])
	}
	return nil
}

func (s *DunningSweep) processInvoice(ctx context.Context, invoice *billing.Invoice, now time.Time) error {
	refreshed, err := s.refreshInvoice(ctx, invoice)
	if err != nil {
		return err
	}

	if refreshed.Status == billing.InvoiceStatusPaid {
		return s.recoverSubscription(ctx, refreshed)
	}
	if !refreshed.IsOverdue(now) {
		return nil
	}
	if refreshed.DueDate != nil && now.Sub(*refreshed.DueDate) < s.grace {
		// Still inside the grace window; the processor keeps retrying
		// collection on its own schedule.
		return nil
	}
	return s.cancelDelinquent(ctx, refreshed)
}

// refreshInvoice re-pulls the invoice from the processor and adopts its
// state. Falls back to the local mirror when the processor is unreachable.
func (s *DunningSweep) refreshInvoice(ctx context.Context, invoice *billing.Invoice) (*billing.Invoice, error) {
	if s.provider == nil || invoice.ProcessorInvoiceID == "" {
		return invoice, nil
	}
	snap, err := s.provider.GetInvoice(ctx, invoice.ProcessorInvoiceID)
	if err != nil {
		observability.FromContext(ctx).WithError(err).
			Warnf("failed to refresh invoice %s, using local mirror", invoice.ProcessorInvoiceID)
		return invoice, nil
	}
	updated, err := s.store.UpsertProcessorInvoice(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt refreshed invoice: %w", err)
	}
	return updated, nil
}

func (s *DunningSweep) recoverSubscription(ctx context.Context, invoice *billing.Invoice) error {
	if invoice.SubscriptionID == nil {
		return nil
	}
	sub, err := s.store.GetSubscription(ctx, *invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status != billing.SubscriptionStatusPastDue && sub.Status != billing.SubscriptionStatusUnpaid {
		return nil
	}
	if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, billing.SubscriptionStatusActive); err != nil {
		return fmt.Errorf("failed to recover subscription: %w", err)
	}
	s.notify(ctx, sub.TenantID, notifications.KindPaymentRecovered, map[string]any{
		"subscription_id": sub.ID,
		"invoice_id":      invoice.ProcessorInvoiceID,
	})
	return nil
}

func (s *DunningSweep) cancelDelinquent(ctx context.Context, invoice *billing.Invoice) error {
	if invoice.SubscriptionID == nil {
		return nil
	}
	sub, err := s.store.GetSubscription(ctx, *invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status != billing.SubscriptionStatusPastDue && sub.Status != billing.SubscriptionStatusUnpaid {
		return nil
	}

	if sub.ProcessorSubscriptionID != "" && s.provider != nil {
		if err := s.provider.CancelSubscription(ctx, sub.ProcessorSubscriptionID, true); err != nil {
			return fmt.Errorf("failed to cancel processor subscription: %w", err)
		}
	}
	if _, err := s.store.CancelSubscription(ctx, sub.ID, true); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if s.metrics != nil {
		s.metrics.DunningCancellations.Inc()
	}
	s.notify(ctx, sub.TenantID, notifications.KindSubscriptionCanceled, map[string]any{
		"subscription_id": sub.ID,
		"invoice_id":      invoice.ProcessorInvoiceID,
		"reason":          "payment_overdue",
	})
	return nil
}

func (s *DunningSweep) notify(ctx context.Context, tenantID int64, kind notifications.Kind, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, tenantID, kind, payload); err != nil {
		observability.FromContext(ctx).WithError(err).Warnf("notification request failed for tenant %d", tenantID)
	}
}
