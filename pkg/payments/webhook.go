package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/metered/pkg/billing"
	"github.com/platinummonkey/metered/pkg/notifications"
	"github.com/platinummonkey/metered/pkg/observability"
)

// SignatureVerifier authenticates a raw webhook payload and returns the
// parsed event. Verification happens before any state is touched.
type SignatureVerifier interface {
	Verify(payload []byte, signatureHeader string) (*stripe.Event, error)
}

// StripeVerifier verifies Stripe webhook signatures.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier for the endpoint's signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify checks the Stripe-Signature header against the payload.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, v.secret)
	if err != nil {
		return nil, billing.NewSignatureError(err)
	}
	return &event, nil
}

// eventHandler processes one verified webhook event.
type eventHandler func(ctx context.Context, event *stripe.Event) error

// WebhookProcessor ingests processor webhook events and reconciles local
// state. Every handler is idempotent: processor field values are adopted as
// truth, so redelivery and reordering converge on the same final state.
// Unrecognized event types are accepted and ignored, which keeps old
// deployments forward-compatible with new processor event types.
type WebhookProcessor struct {
	store    billing.Service
	verifier SignatureVerifier
	notifier notifications.Notifier
	dedup    *EventDedup
	metrics  *observability.Metrics
	handlers map[string]eventHandler
}

// NewWebhookProcessor creates a processor with the full event dispatch table.
// dedup and metrics may be nil.
func NewWebhookProcessor(store billing.Service, verifier SignatureVerifier, notifier notifications.Notifier, dedup *EventDedup, metrics *observability.Metrics) *WebhookProcessor {
	p := &WebhookProcessor{
		store:    store,
		verifier: verifier,
		notifier: notifier,
		dedup:    dedup,
		metrics:  metrics,
	}
	p.handlers = map[string]eventHandler{
		"checkout.session.completed":           p.handleCheckoutCompleted,
		"customer.subscription.created":        p.handleSubscriptionChanged,
		"customer.subscription.updated":        p.handleSubscriptionChanged,
		"customer.subscription.deleted":        p.handleSubscriptionDeleted,
		"customer.subscription.trial_will_end": p.handleTrialWillEnd,
		"invoice.created":                      p.handleInvoiceMirror,
		"invoice.updated":                      p.handleInvoiceMirror,
		"invoice.finalized":                    p.handleInvoiceMirror,
		"invoice.voided":                       p.handleInvoiceMirror,
		"invoice.marked_uncollectible":         p.handleInvoiceMirror,
		"invoice.paid":                         p.handleInvoicePaid,
		"invoice.payment_succeeded":            p.handleInvoicePaid,
		"invoice.payment_failed":               p.handleInvoicePaymentFailed,
		"payment_intent.succeeded":             p.handlePaymentIntentSucceeded,
		"payment_intent.payment_failed":        p.handlePaymentIntentFailed,
	}
	return p
}

// Process verifies and dispatches one raw webhook delivery. Signature
// failures reject the payload before any mutation. Duplicate events are
// short-circuited when the dedup store is configured.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := p.verifier.Verify(payload, signatureHeader)
	if err != nil {
		p.countEvent("invalid", "signature_error")
		return err
	}

	eventType := string(event.Type)
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
	})

	if !p.dedup.FirstSight(ctx, event.ID) {
		logger.Debug("duplicate webhook event skipped")
		p.countEvent(eventType, "duplicate")
		return nil
	}

	handler, ok := p.handlers[eventType]
	if !ok {
		logger.Debug("unhandled webhook event type accepted")
		p.countEvent(eventType, "ignored")
		return nil
	}

	start := time.Now()
	if err := handler(ctx, event); err != nil {
		// Let the processor redeliver; forget the ID so the retry is not
		// treated as a duplicate.
		p.dedup.Forget(ctx, event.ID)
		logger.WithError(err).Error("webhook event handling failed")
		p.countEvent(eventType, "error")
		return err
	}

	if p.metrics != nil {
		p.metrics.WebhookEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	p.countEvent(eventType, "ok")
	return nil
}

func (p *WebhookProcessor) countEvent(eventType, outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	}
}

// checkoutSession is the subset of the checkout session payload we consume.
// Expandable references arrive as bare IDs on webhook payloads.
type checkoutSession struct {
	ID           string            `json:"id"`
	Customer     json.RawMessage   `json:"customer"`
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// handleCheckoutCompleted links the processor customer and subscription IDs
// to the tenant's local subscription once checkout finishes.
func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var sess checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	tenantID := tenantIDFromMetadata(sess.Metadata)
	if tenantID == 0 {
		// Checkout not initiated by us; nothing to link.
		return nil
	}

	sub, err := p.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		if billing.IsNotFound(err) {
			return nil
		}
		return err
	}
	return p.store.LinkProcessorIdentity(ctx, sub.ID, refID(sess.Customer), refID(sess.Subscription))
}

// handleSubscriptionChanged adopts the processor's subscription state.
func (p *WebhookProcessor) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return fmt.Errorf("failed to parse subscription event: %w", err)
	}

	snap := MapStripeSubscription(&stripeSub)
	sub, prevStatus, err := p.store.ApplyProcessorSubscription(ctx, snap)
	if err != nil {
		if billing.IsNotFound(err) || billing.IsValidation(err) {
			// Unknown price or no tenant annotation; nothing local to
			// reconcile against. Accept so the processor stops retrying.
			observability.FromContext(ctx).WithError(err).
				Warnf("cannot adopt processor subscription %s", snap.ProcessorID)
			return nil
		}
		return err
	}

	p.notifyTransition(ctx, sub, prevStatus)
	return nil
}

// handleSubscriptionDeleted marks the local mirror canceled.
func (p *WebhookProcessor) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return fmt.Errorf("failed to parse subscription event: %w", err)
	}

	sub, err := p.store.GetSubscriptionByProcessorID(ctx, stripeSub.ID)
	if err != nil {
		if billing.IsNotFound(err) {
			return nil
		}
		return err
	}
	if sub.Status == billing.SubscriptionStatusCanceled {
		return nil
	}
	if _, err := p.store.CancelSubscription(ctx, sub.ID, true); err != nil {
		return err
	}
	p.notify(ctx, sub.TenantID, notifications.KindSubscriptionCanceled, map[string]any{
		"subscription_id": sub.ID,
	})
	return nil
}

// handleTrialWillEnd requests an advance notice notification.
func (p *WebhookProcessor) handleTrialWillEnd(ctx context.Context, event *stripe.Event) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return fmt.Errorf("failed to parse subscription event: %w", err)
	}

	sub, err := p.store.GetSubscriptionByProcessorID(ctx, stripeSub.ID)
	if err != nil {
		if billing.IsNotFound(err) {
			return nil
		}
		return err
	}
	p.notify(ctx, sub.TenantID, notifications.KindTrialEndingSoon, map[string]any{
		"subscription_id": sub.ID,
		"trial_end":       stripeSub.TrialEnd,
	})
	return nil
}

// handleInvoiceMirror upserts the local invoice projection.
func (p *WebhookProcessor) handleInvoiceMirror(ctx context.Context, event *stripe.Event) error {
	_, err := p.upsertInvoiceFromEvent(ctx, event)
	return err
}

// handleInvoicePaid mirrors the paid invoice and recovers a delinquent
// subscription when the payment clears it.
func (p *WebhookProcessor) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	invoice, err := p.upsertInvoiceFromEvent(ctx, event)
	if err != nil {
		return err
	}
	return p.recoverOnPayment(ctx, invoice)
}

// handleInvoicePaymentFailed mirrors the invoice and moves the subscription
// into dunning.
func (p *WebhookProcessor) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	invoice, err := p.upsertInvoiceFromEvent(ctx, event)
	if err != nil {
		return err
	}
	return p.markPaymentFailed(ctx, invoice)
}

// handlePaymentIntentSucceeded marks the linked invoice paid when a payment
// intent clears out of band of the invoice.* events. Payloads without an
// invoice reference, or for invoices the mirror has not seen, are accepted
// as no-ops; the invoice.paid event carries the authoritative state.
func (p *WebhookProcessor) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	invoice, err := p.linkedInvoice(ctx, event)
	if err != nil || invoice == nil {
		return err
	}
	if invoice.Status == billing.InvoiceStatusPaid || invoice.Status == billing.InvoiceStatusVoid {
		return nil
	}

	now := time.Now().UTC()
	invoice, err = p.store.UpsertProcessorInvoice(ctx, &billing.ProcessorInvoice{
		ProcessorID:      invoice.ProcessorInvoiceID,
		AmountTotal:      billing.DecimalToMinor(invoice.AmountTotal),
		AmountPaid:       billing.DecimalToMinor(invoice.AmountTotal),
		Currency:         invoice.Currency,
		Status:           billing.InvoiceStatusPaid,
		DueDate:          invoice.DueDate,
		PaidAt:           &now,
		HostedInvoiceURL: invoice.HostedInvoiceURL,
		InvoicePDFURL:    invoice.InvoicePDFURL,
	})
	if err != nil {
		return err
	}
	return p.recoverOnPayment(ctx, invoice)
}

// handlePaymentIntentFailed moves the subscription behind the linked invoice
// into dunning. The invoice itself stays open; the processor keeps retrying
// it and reports the outcome through invoice.* events.
func (p *WebhookProcessor) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event) error {
	invoice, err := p.linkedInvoice(ctx, event)
	if err != nil || invoice == nil {
		return err
	}
	if invoice.Status != billing.InvoiceStatusOpen {
		return nil
	}
	return p.markPaymentFailed(ctx, invoice)
}

// linkedInvoice resolves the local mirror of the invoice a payment intent
// refers to. Returns nil without error when the payload carries no invoice
// reference or the mirror has not ingested the invoice yet.
func (p *WebhookProcessor) linkedInvoice(ctx context.Context, event *stripe.Event) (*billing.Invoice, error) {
	id := invoiceIDFromPaymentIntentJSON(event.Data.Raw)
	if id == "" {
		return nil, nil
	}
	invoice, err := p.store.GetInvoiceByProcessorID(ctx, id)
	if err != nil {
		if billing.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return invoice, nil
}

// recoverOnPayment reactivates a delinquent subscription once its invoice is
// paid.
func (p *WebhookProcessor) recoverOnPayment(ctx context.Context, invoice *billing.Invoice) error {
	if invoice.SubscriptionID == nil {
		return nil
	}

	sub, err := p.store.GetSubscription(ctx, *invoice.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == billing.SubscriptionStatusPastDue || sub.Status == billing.SubscriptionStatusUnpaid {
		if err := p.store.UpdateSubscriptionStatus(ctx, sub.ID, billing.SubscriptionStatusActive); err != nil {
			return err
		}
		p.notify(ctx, sub.TenantID, notifications.KindPaymentRecovered, map[string]any{
			"subscription_id": sub.ID,
			"invoice_id":      invoice.ProcessorInvoiceID,
		})
	}
	return nil
}

// markPaymentFailed moves the invoice's subscription into dunning and
// requests a payment-failed notification.
func (p *WebhookProcessor) markPaymentFailed(ctx context.Context, invoice *billing.Invoice) error {
	if invoice.SubscriptionID == nil {
		return nil
	}

	sub, err := p.store.GetSubscription(ctx, *invoice.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == billing.SubscriptionStatusActive || sub.Status == billing.SubscriptionStatusTrialing {
		if err := p.store.UpdateSubscriptionStatus(ctx, sub.ID, billing.SubscriptionStatusPastDue); err != nil {
			return err
		}
	}
	p.notify(ctx, sub.TenantID, notifications.KindPaymentFailed, map[string]any{
		"subscription_id": sub.ID,
		"invoice_id":      invoice.ProcessorInvoiceID,
		"amount_due":      invoice.AmountDue().String(),
	})
	return nil
}

func (p *WebhookProcessor) upsertInvoiceFromEvent(ctx context.Context, event *stripe.Event) (*billing.Invoice, error) {
	var stripeInv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &stripeInv); err != nil {
		return nil, fmt.Errorf("failed to parse invoice event: %w", err)
	}

	snap := MapStripeInvoice(&stripeInv)
	snap.ProcessorSubscriptionID = SubscriptionIDFromInvoiceJSON(event.Data.Raw)
	return p.store.UpsertProcessorInvoice(ctx, snap)
}

// notifyTransition requests notifications for status transitions observed
// while adopting processor state.
func (p *WebhookProcessor) notifyTransition(ctx context.Context, sub *billing.Subscription, prevStatus billing.SubscriptionStatus) {
	if prevStatus == "" || prevStatus == sub.Status {
		return
	}
	switch {
	case prevStatus == billing.SubscriptionStatusTrialing && sub.Status == billing.SubscriptionStatusActive:
		p.notify(ctx, sub.TenantID, notifications.KindTrialConverted, map[string]any{
			"subscription_id": sub.ID,
		})
	case sub.Status == billing.SubscriptionStatusCanceled:
		p.notify(ctx, sub.TenantID, notifications.KindSubscriptionCanceled, map[string]any{
			"subscription_id": sub.ID,
		})
	case (prevStatus == billing.SubscriptionStatusPastDue || prevStatus == billing.SubscriptionStatusUnpaid) &&
		sub.Status == billing.SubscriptionStatusActive:
		p.notify(ctx, sub.TenantID, notifications.KindPaymentRecovered, map[string]any{
			"subscription_id": sub.ID,
		})
	}
}

func (p *WebhookProcessor) notify(ctx context.Context, tenantID int64, kind notifications.Kind, payload map[string]any) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, tenantID, kind, payload); err != nil {
		observability.FromContext(ctx).WithError(err).Warnf("notification request failed for tenant %d", tenantID)
	}
}

// SubscriptionIDFromInvoiceJSON extracts the subscription reference from a
// raw invoice payload. Older API versions carry a top-level `subscription`
// field; current versions nest it under `parent.subscription_details`.
func SubscriptionIDFromInvoiceJSON(raw []byte) string {
	var v struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       struct {
			SubscriptionDetails struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	if id := refID(v.Subscription); id != "" {
		return id
	}
	return refID(v.Parent.SubscriptionDetails.Subscription)
}

// invoiceIDFromPaymentIntentJSON extracts the invoice reference from a raw
// payment intent payload. Current API versions omit the field, in which case
// the invoice.* events carry the authoritative state.
func invoiceIDFromPaymentIntentJSON(raw []byte) string {
	var v struct {
		Invoice json.RawMessage `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return refID(v.Invoice)
}

// refID resolves an expandable processor reference: either a bare ID string
// or an embedded object with an `id` field.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func tenantIDFromMetadata(metadata map[string]string) int64 {
	raw, ok := metadata[tenantMetadataKey]
	if !ok {
		return 0
	}
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0
	}
	return id
}
