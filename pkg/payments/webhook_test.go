package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/notifications"
)

// stubVerifier returns a canned event without checking the signature.
type stubVerifier struct {
	event *stripe.Event
	err   error
}

func (v *stubVerifier) Verify(payload []byte, signatureHeader string) (*stripe.Event, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.event, nil
}

// recordingNotifier captures notification requests for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []recordedNotification
}

type recordedNotification struct {
	tenantID int64
	kind     notifications.Kind
	payload  map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, tenantID int64, kind notifications.Kind, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recordedNotification{tenantID: tenantID, kind: kind, payload: payload})
	return nil
}

func (n *recordingNotifier) recorded() []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedNotification(nil), n.calls...)
}

func stripeEvent(t *testing.T, id, eventType string, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	applied := false
	store := &billing.MockService{
		ApplyProcessorSubscriptionFunc: func(ctx context.Context, snap *billing.ProcessorSubscription) (*billing.Subscription, billing.SubscriptionStatus, error) {
			applied = true
			return nil, "", nil
		},
	}
	verifier := &stubVerifier{err: billing.NewSignatureError(errors.New("bad signature"))}
	processor := NewWebhookProcessor(store, verifier, nil, nil, nil)

	err := processor.Process(context.Background(), []byte(`{}`), "t=1,v1=bad")
	require.Error(t, err)
	assert.True(t, billing.IsSignature(err))
	assert.False(t, applied, "no state should be touched on signature failure")
}

func TestProcessIgnoresUnknownEventType(t *testing.T) {
	store := &billing.MockService{}
	event := stripeEvent(t, "evt_unknown", "customer.source.expiring", map[string]any{"id": "card_1"})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	err := processor.Process(context.Background(), []byte(`{}`), "sig")
	assert.NoError(t, err)
}

func TestProcessSubscriptionUpdated(t *testing.T) {
	var gotSnap *billing.ProcessorSubscription
	store := &billing.MockService{
		ApplyProcessorSubscriptionFunc: func(ctx context.Context, snap *billing.ProcessorSubscription) (*billing.Subscription, billing.SubscriptionStatus, error) {
			gotSnap = snap
			return &billing.Subscription{
				ID:       42,
				TenantID: 7,
				Status:   billing.SubscriptionStatusActive,
			}, billing.SubscriptionStatusTrialing, nil
		},
	}
	notifier := &recordingNotifier{}

	event := stripeEvent(t, "evt_1", "customer.subscription.updated", map[string]any{
		"id":       "sub_abc",
		"status":   "active",
		"customer": "cus_abc",
		"metadata": map[string]string{"tenant_id": "7"},
		"items": map[string]any{
			"data": []map[string]any{{
				"id":                   "si_1",
				"current_period_start": 1700000000,
				"current_period_end":   1702592000,
				"price":                map[string]any{"id": "price_pro"},
			}},
		},
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	err := processor.Process(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)

	require.NotNil(t, gotSnap)
	assert.Equal(t, "sub_abc", gotSnap.ProcessorID)
	assert.Equal(t, "cus_abc", gotSnap.CustomerID)
	assert.Equal(t, "price_pro", gotSnap.PriceID)
	assert.Equal(t, billing.SubscriptionStatusActive, gotSnap.Status)
	assert.Equal(t, int64(7), gotSnap.TenantID)
	require.NotNil(t, gotSnap.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *gotSnap.CurrentPeriodStart)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindTrialConverted, calls[0].kind)
	assert.Equal(t, int64(7), calls[0].tenantID)
}

func TestProcessSubscriptionUpdatedUnknownPriceAccepted(t *testing.T) {
	store := &billing.MockService{
		ApplyProcessorSubscriptionFunc: func(ctx context.Context, snap *billing.ProcessorSubscription) (*billing.Subscription, billing.SubscriptionStatus, error) {
			return nil, "", billing.NewNotFoundError("plan", snap.PriceID)
		},
	}
	event := stripeEvent(t, "evt_2", "customer.subscription.updated", map[string]any{
		"id":     "sub_unknown",
		"status": "active",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	// Accepted so the processor stops redelivering an event we can never use.
	assert.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
}

func TestProcessSubscriptionDeleted(t *testing.T) {
	canceled := false
	store := &billing.MockService{
		GetSubscriptionByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Subscription, error) {
			assert.Equal(t, "sub_abc", processorID)
			return &billing.Subscription{ID: 42, TenantID: 7, Status: billing.SubscriptionStatusActive}, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, id int64, immediately bool) (*billing.Subscription, error) {
			canceled = true
			assert.Equal(t, int64(42), id)
			assert.True(t, immediately)
			return &billing.Subscription{ID: 42, Status: billing.SubscriptionStatusCanceled}, nil
		},
	}
	notifier := &recordingNotifier{}
	event := stripeEvent(t, "evt_3", "customer.subscription.deleted", map[string]any{
		"id":     "sub_abc",
		"status": "canceled",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.True(t, canceled)
	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindSubscriptionCanceled, calls[0].kind)
}

func TestProcessSubscriptionDeletedAlreadyCanceled(t *testing.T) {
	store := &billing.MockService{
		GetSubscriptionByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Subscription, error) {
			return &billing.Subscription{ID: 42, Status: billing.SubscriptionStatusCanceled}, nil
		},
		CancelSubscriptionFunc: func(ctx context.Context, id int64, immediately bool) (*billing.Subscription, error) {
			t.Fatal("cancel should not be called again")
			return nil, nil
		},
	}
	event := stripeEvent(t, "evt_4", "customer.subscription.deleted", map[string]any{
		"id": "sub_abc",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	assert.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
}

func TestProcessCheckoutCompleted(t *testing.T) {
	var linkedCustomer, linkedSubscription string
	store := &billing.MockService{
		GetSubscriptionByTenantFunc: func(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
			assert.Equal(t, int64(7), tenantID)
			return &billing.Subscription{ID: 42, TenantID: 7}, nil
		},
		LinkProcessorIdentityFunc: func(ctx context.Context, id int64, customerID, subscriptionID string) error {
			assert.Equal(t, int64(42), id)
			linkedCustomer = customerID
			linkedSubscription = subscriptionID
			return nil
		},
	}
	event := stripeEvent(t, "evt_5", "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"customer":     "cus_abc",
		"subscription": "sub_abc",
		"metadata":     map[string]string{"tenant_id": "7"},
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.Equal(t, "cus_abc", linkedCustomer)
	assert.Equal(t, "sub_abc", linkedSubscription)
}

func TestProcessCheckoutCompletedForeignSession(t *testing.T) {
	store := &billing.MockService{
		LinkProcessorIdentityFunc: func(ctx context.Context, id int64, customerID, subscriptionID string) error {
			t.Fatal("should not link without a tenant annotation")
			return nil
		},
	}
	event := stripeEvent(t, "evt_6", "checkout.session.completed", map[string]any{
		"id":       "cs_2",
		"customer": "cus_other",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	assert.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
}

func TestProcessInvoicePaymentFailed(t *testing.T) {
	subID := int64(42)
	var statusSet billing.SubscriptionStatus
	store := &billing.MockService{
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			assert.Equal(t, "in_1", snap.ProcessorID)
			assert.Equal(t, "sub_abc", snap.ProcessorSubscriptionID)
			return &billing.Invoice{
				ID:                 5,
				TenantID:           7,
				SubscriptionID:     &subID,
				ProcessorInvoiceID: "in_1",
				AmountTotal:        billing.MinorToDecimal(2900),
				Status:             billing.InvoiceStatusOpen,
			}, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{ID: id, TenantID: 7, Status: billing.SubscriptionStatusActive}, nil
		},
		UpdateSubscriptionStatusFunc: func(ctx context.Context, id int64, status billing.SubscriptionStatus) error {
			statusSet = status
			return nil
		},
	}
	notifier := &recordingNotifier{}
	event := stripeEvent(t, "evt_7", "invoice.payment_failed", map[string]any{
		"id":       "in_1",
		"total":    2900,
		"currency": "usd",
		"status":   "open",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_abc"},
		},
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.Equal(t, billing.SubscriptionStatusPastDue, statusSet)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindPaymentFailed, calls[0].kind)
	assert.Equal(t, "29", calls[0].payload["amount_due"])
}

func TestProcessInvoicePaidRecoversDelinquentSubscription(t *testing.T) {
	subID := int64(42)
	var statusSet billing.SubscriptionStatus
	store := &billing.MockService{
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			return &billing.Invoice{
				ID:                 5,
				TenantID:           7,
				SubscriptionID:     &subID,
				ProcessorInvoiceID: snap.ProcessorID,
				AmountTotal:        billing.MinorToDecimal(2900),
				AmountPaid:         billing.MinorToDecimal(2900),
				Status:             billing.InvoiceStatusPaid,
			}, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{ID: id, TenantID: 7, Status: billing.SubscriptionStatusPastDue}, nil
		},
		UpdateSubscriptionStatusFunc: func(ctx context.Context, id int64, status billing.SubscriptionStatus) error {
			statusSet = status
			return nil
		},
	}
	notifier := &recordingNotifier{}
	event := stripeEvent(t, "evt_8", "invoice.paid", map[string]any{
		"id":           "in_2",
		"total":        2900,
		"amount_paid":  2900,
		"status":       "paid",
		"subscription": "sub_abc",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.Equal(t, billing.SubscriptionStatusActive, statusSet)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindPaymentRecovered, calls[0].kind)
}

func TestProcessInvoicePaidUnlinkedInvoice(t *testing.T) {
	store := &billing.MockService{
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			return &billing.Invoice{ProcessorInvoiceID: snap.ProcessorID, Status: billing.InvoiceStatusPaid}, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			t.Fatal("unlinked invoice must not resolve a subscription")
			return nil, nil
		},
	}
	event := stripeEvent(t, "evt_9", "invoice.paid", map[string]any{
		"id":     "in_3",
		"status": "paid",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	assert.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
}

func TestProcessInvoiceUpdatedRefreshesMirror(t *testing.T) {
	upserted := false
	store := &billing.MockService{
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			upserted = true
			assert.Equal(t, "in_6", snap.ProcessorID)
			assert.Equal(t, billing.InvoiceStatusOpen, snap.Status)
			return &billing.Invoice{ProcessorInvoiceID: snap.ProcessorID, Status: snap.Status}, nil
		},
	}
	event := stripeEvent(t, "evt_11", "invoice.updated", map[string]any{
		"id":     "in_6",
		"total":  2900,
		"status": "open",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.True(t, upserted, "invoice.updated must refresh the mirror")
}

func TestProcessPaymentIntentSucceededMarksInvoicePaid(t *testing.T) {
	subID := int64(42)
	var upserted *billing.ProcessorInvoice
	var statusSet billing.SubscriptionStatus
	store := &billing.MockService{
		GetInvoiceByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Invoice, error) {
			assert.Equal(t, "in_7", processorID)
			return &billing.Invoice{
				ID:                 5,
				TenantID:           7,
				SubscriptionID:     &subID,
				ProcessorInvoiceID: "in_7",
				AmountTotal:        billing.MinorToDecimal(2900),
				Currency:           "usd",
				Status:             billing.InvoiceStatusOpen,
			}, nil
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			upserted = snap
			return &billing.Invoice{
				TenantID:           7,
				SubscriptionID:     &subID,
				ProcessorInvoiceID: snap.ProcessorID,
				AmountTotal:        billing.MinorToDecimal(snap.AmountTotal),
				AmountPaid:         billing.MinorToDecimal(snap.AmountPaid),
				Status:             snap.Status,
			}, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{ID: id, TenantID: 7, Status: billing.SubscriptionStatusPastDue}, nil
		},
		UpdateSubscriptionStatusFunc: func(ctx context.Context, id int64, status billing.SubscriptionStatus) error {
			statusSet = status
			return nil
		},
	}
	notifier := &recordingNotifier{}
	event := stripeEvent(t, "evt_12", "payment_intent.succeeded", map[string]any{
		"id":      "pi_1",
		"invoice": "in_7",
		"amount":  2900,
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))

	require.NotNil(t, upserted)
	assert.Equal(t, billing.InvoiceStatusPaid, upserted.Status)
	assert.Equal(t, int64(2900), upserted.AmountPaid)
	require.NotNil(t, upserted.PaidAt)
	assert.Equal(t, billing.SubscriptionStatusActive, statusSet)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindPaymentRecovered, calls[0].kind)
}

func TestProcessPaymentIntentFailedMovesSubscriptionToDunning(t *testing.T) {
	subID := int64(42)
	var statusSet billing.SubscriptionStatus
	store := &billing.MockService{
		GetInvoiceByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Invoice, error) {
			return &billing.Invoice{
				TenantID:           7,
				SubscriptionID:     &subID,
				ProcessorInvoiceID: processorID,
				AmountTotal:        billing.MinorToDecimal(2900),
				Status:             billing.InvoiceStatusOpen,
			}, nil
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			t.Fatal("a failed intent must leave the open invoice untouched")
			return nil, nil
		},
		GetSubscriptionFunc: func(ctx context.Context, id int64) (*billing.Subscription, error) {
			return &billing.Subscription{ID: id, TenantID: 7, Status: billing.SubscriptionStatusActive}, nil
		},
		UpdateSubscriptionStatusFunc: func(ctx context.Context, id int64, status billing.SubscriptionStatus) error {
			statusSet = status
			return nil
		},
	}
	notifier := &recordingNotifier{}
	event := stripeEvent(t, "evt_13", "payment_intent.payment_failed", map[string]any{
		"id":      "pi_2",
		"invoice": "in_8",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.Equal(t, billing.SubscriptionStatusPastDue, statusSet)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindPaymentFailed, calls[0].kind)
}

func TestProcessPaymentIntentWithoutInvoiceIsNoOp(t *testing.T) {
	store := &billing.MockService{
		GetInvoiceByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Invoice, error) {
			t.Fatal("payload carries no invoice reference")
			return nil, nil
		},
	}
	event := stripeEvent(t, "evt_14", "payment_intent.succeeded", map[string]any{
		"id":     "pi_3",
		"amount": 500,
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	assert.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
}

func TestProcessPaymentIntentUnknownInvoiceAccepted(t *testing.T) {
	store := &billing.MockService{
		GetInvoiceByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Invoice, error) {
			return nil, billing.NewNotFoundError("invoice", processorID)
		},
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			t.Fatal("nothing to update before the invoice is mirrored")
			return nil, nil
		},
	}
	event := stripeEvent(t, "evt_15", "payment_intent.succeeded", map[string]any{
		"id":      "pi_4",
		"invoice": "in_unseen",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, nil, nil)

	assert.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
}

func TestProcessTrialWillEnd(t *testing.T) {
	store := &billing.MockService{
		GetSubscriptionByProcessorIDFunc: func(ctx context.Context, processorID string) (*billing.Subscription, error) {
			return &billing.Subscription{ID: 42, TenantID: 7, Status: billing.SubscriptionStatusTrialing}, nil
		},
	}
	notifier := &recordingNotifier{}
	event := stripeEvent(t, "evt_10", "customer.subscription.trial_will_end", map[string]any{
		"id":        "sub_abc",
		"status":    "trialing",
		"trial_end": 1702592000,
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, notifier, nil, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	calls := notifier.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, notifications.KindTrialEndingSoon, calls[0].kind)
}

func TestProcessDeduplicatesRedeliveredEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	dedup := NewEventDedup(client, time.Hour)

	handled := 0
	store := &billing.MockService{
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			handled++
			return &billing.Invoice{ProcessorInvoiceID: snap.ProcessorID}, nil
		},
	}
	event := stripeEvent(t, "evt_dup", "invoice.finalized", map[string]any{
		"id":     "in_4",
		"status": "open",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, dedup, nil)

	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.Equal(t, 1, handled, "redelivered event should be skipped")
}

func TestProcessForgetsEventOnHandlerFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	dedup := NewEventDedup(client, time.Hour)

	handled := 0
	store := &billing.MockService{
		UpsertProcessorInvoiceFunc: func(ctx context.Context, snap *billing.ProcessorInvoice) (*billing.Invoice, error) {
			handled++
			if handled == 1 {
				return nil, errors.New("transient database error")
			}
			return &billing.Invoice{ProcessorInvoiceID: snap.ProcessorID}, nil
		},
	}
	event := stripeEvent(t, "evt_retry", "invoice.finalized", map[string]any{
		"id":     "in_5",
		"status": "open",
	})
	processor := NewWebhookProcessor(store, &stubVerifier{event: event}, nil, dedup, nil)

	require.Error(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	require.NoError(t, processor.Process(context.Background(), []byte(`{}`), "sig"))
	assert.Equal(t, 2, handled, "failed event must be retryable on redelivery")
}

func TestStripeVerifierRejectsGarbage(t *testing.T) {
	verifier := NewStripeVerifier("whsec_test")
	_, err := verifier.Verify([]byte(`{}`), "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.True(t, billing.IsSignature(err))
}
