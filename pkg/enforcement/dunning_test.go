package enforcement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/notifications"
	"github.com/platinummonkey/metered/pkg/payments"
)

func overdueInvoice(dueDate time.Time) *billing.Invoice {
	subID := int64(42)
	return &billing.Invoice{
		ID:                 5,
		TenantID:           7,
		SubscriptionID:     &subID,
		ProcessorInvoiceID: "in_1",
		AmountTotal:        billing.MinorToDecimal(2900),
		Status:             billing.InvoiceStatusOpen,
		DueDate:            &dueDate,
	}
}

func TestDunningSweepRecoversPaidInvoice(t *testing.T) {
	invoice := overdueInvoice(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	var statusSet billing.SubscriptionStatus
	store := &billing.MockService{
		ListOverdueInvoicesFunc: func(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
			return []*billing.Invoice{invoice}, nil
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			updated := *invoice
			updated.Status = snap.Status
			updated.AmountPaid = billing.MinorToDecimal(snap.AmountPaid)
			return &updated, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{ID: id, TenantID: 7, Status: billing.SubscriptionStatusPastDue}, nil
		},
		UpdateSubscriptionStatusFunc: func(ctx context.Context, id int64, status billing.SubscriptionStatus) error {
			statusSet = status
			return nil
		},
	}
	provider := &payments.MockProvider{
		GetInvoiceFunc: func(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
			// Payment settled processor-side; the webhook was missed.
			return &billing.ProcessorInvoice{ProcessorID: invoiceID, Status: billing.InvoiceStatusPaid, AmountPaid: 2900}, nil
		},
	}
	notifier := &recordingNotifier{}
	sweep := NewDunningSweep(store, provider, notifier, nil, DefaultGracePeriod)
	sweep.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, sweep.Run(context.Background()))
	assert.Equal(t, billing.SubscriptionStatusActive, statusSet)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindPaymentRecovered, calls[0].kind)
}

func TestDunningSweepCancelsPastGracePeriod(t *testing.T) {
	invoice := overdueInvoice(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	processorCanceled := false
	localCanceled := false
	store := &billing.MockService{
		ListOverdueInvoicesFunc: func(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
			return []*billing.Invoice{invoice}, nil
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			return invoice, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{
				ID:                      id,
				TenantID:                7,
				ProcessorSubscriptionID: "sub_abc",
				Status:                  billing.SubscriptionStatusPastDue,
			}, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, id int64, immediately bool) (*billing.Subscription, error) {
			localCanceled = true
			assert.True(t, immediately)
			return &billing.Subscription{ID: id, Status: billing.SubscriptionStatusCanceled}, nil
		},
	}
	provider := &payments.MockProvider{
		GetInvoiceFunc: func(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
			return &billing.ProcessorInvoice{ProcessorID: invoiceID, Status: billing.InvoiceStatusOpen, DueDate: invoice.DueDate}, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, subscriptionID string, immediately bool) error {
			processorCanceled = true
			assert.Equal(t, "sub_abc", subscriptionID)
			return nil
		},
	}
	notifier := &recordingNotifier{}
	// Grace of 14 days, invoice 19 days overdue.
	sweep := NewDunningSweep(store, provider, notifier, nil, DefaultGracePeriod)
	sweep.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, sweep.Run(context.Background()))
	assert.True(t, processorCanceled)
	assert.True(t, localCanceled)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindSubscriptionCanceled, calls[0].kind)
	assert.Equal(t, "payment_overdue", calls[0].payload["reason"])
}

func TestDunningSweepWaitsOutGracePeriod(t *testing.T) {
	invoice := overdueInvoice(time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC))
	store := &billing.MockService{
		ListOverdueInvoicesFunc: func(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
			return []*billing.Invoice{invoice}, nil
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			return invoice, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, id int64, immediately bool) (*billing.Subscription, error) {
			t.Fatal("must not cancel inside the grace window")
			return nil, nil
		},
	}
	provider := &payments.MockProvider{
		GetInvoiceFunc: func(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
			return &billing.ProcessorInvoice{ProcessorID: invoiceID, Status: billing.InvoiceStatusOpen, DueDate: invoice.DueDate}, nil
		},
	}
	// 6 days overdue against a 14 day grace.
	sweep := NewDunningSweep(store, provider, nil, nil, DefaultGracePeriod)
	sweep.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, sweep.Run(context.Background()))
}

func TestDunningSweepToleratesProcessorOutage(t *testing.T) {
	invoice := overdueInvoice(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	canceled := false
	store := &billing.MockService{
		ListOverdueInvoicesFunc: func(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
			return []*billing.Invoice{invoice}, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{ID: id, TenantID: 7, Status: billing.SubscriptionStatusPastDue}, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, id int64, immediately bool) (*billing.Subscription, error) {
			canceled = true
			return &billing.Subscription{ID: id, Status: billing.SubscriptionStatusCanceled}, nil
		},
	}
	provider := &payments.MockProvider{
		GetInvoiceFunc: func(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
			return nil, billing.NewProcessorError("get invoice", context.DeadlineExceeded)
		},
	}
	sweep := NewDunningSweep(store, provider, nil, nil, DefaultGracePeriod)
	sweep.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	// Refresh fails; the local mirror still drives the decision.
	require.NoError(t, sweep.Run(context.Background()))
	assert.True(t, canceled)
}

func TestDunningSweepSkipsNonDelinquentSubscription(t *testing.T) {
	invoice := overdueInvoice(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	store := &billing.MockService{
		ListOverdueInvoicesFunc: func(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
			return []*billing.Invoice{invoice}, nil
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			return invoice, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			// Already recovered through another path.
			return &billing.Subscription{ID: id, Status: billing.SubscriptionStatusActive}, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, id int64, immediately bool) (*billing.Subscription, error) {
			t.Fatal("active subscription must not be canceled")
			return nil, nil
		},
	}
	provider := &payments.MockProvider{
		GetInvoiceFunc: func(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
			return &billing.ProcessorInvoice{ProcessorID: invoiceID, Status: billing.InvoiceStatusOpen, DueDate: invoice.DueDate}, nil
		},
	}
	sweep := NewDunningSweep(store, provider, nil, nil, DefaultGracePeriod)
	sweep.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, sweep.Run(context.Background()))
}
