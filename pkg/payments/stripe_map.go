package payments

import (
	"errors"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/platinummonkey/metered/pkg/billing"
)

var errAmbiguousItems = errors.New("subscription has no items")

func unixPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

// MapStripeSubscriptionStatus translates a Stripe subscription status into
// the local status vocabulary. Statuses without a local equivalent map to
// incomplete so they stay out of the sweepable set.
func MapStripeSubscriptionStatus(s stripe.SubscriptionStatus) billing.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return billing.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return billing.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue:
		return billing.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return billing.SubscriptionStatusUnpaid
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.SubscriptionStatusCanceled
	default:
		return billing.SubscriptionStatusIncomplete
	}
}

// MapStripeSubscription converts a Stripe subscription into the processor
// snapshot the billing layer adopts. Billing period boundaries live on the
// subscription item in current API versions.
func MapStripeSubscription(sub *stripe.Subscription) *billing.ProcessorSubscription {
	snap := &billing.ProcessorSubscription{
		ProcessorID:       sub.ID,
		Status:            MapStripeSubscriptionStatus(sub.Status),
		TrialStart:        unixPtr(sub.TrialStart),
		TrialEnd:          unixPtr(sub.TrialEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		snap.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		snap.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
		if item.Price != nil {
			snap.PriceID = item.Price.ID
		}
	}
	if raw, ok := sub.Metadata[tenantMetadataKey]; ok {
		if tenantID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snap.TenantID = tenantID
		}
	}
	return snap
}

// MapStripeInvoiceStatus translates a Stripe invoice status.
func MapStripeInvoiceStatus(s stripe.InvoiceStatus) billing.InvoiceStatus {
	switch s {
	case stripe.InvoiceStatusDraft:
		return billing.InvoiceStatusDraft
	case stripe.InvoiceStatusOpen:
		return billing.InvoiceStatusOpen
	case stripe.InvoiceStatusPaid:
		return billing.InvoiceStatusPaid
	case stripe.InvoiceStatusVoid:
		return billing.InvoiceStatusVoid
	case stripe.InvoiceStatusUncollectible:
		return billing.InvoiceStatusUncollectible
	default:
		return billing.InvoiceStatusDraft
	}
}

// MapStripeInvoice converts a Stripe invoice into the processor snapshot
// the invoice mirror upserts. The subscription linkage is resolved by
// SubscriptionIDFromInvoiceJSON when ingesting webhooks; API fetches leave it
// empty and the mirror keeps its existing linkage.
func MapStripeInvoice(inv *stripe.Invoice) *billing.ProcessorInvoice {
	snap := &billing.ProcessorInvoice{
		ProcessorID:      inv.ID,
		AmountTotal:      inv.Total,
		AmountPaid:       inv.AmountPaid,
		Currency:         string(inv.Currency),
		Status:           MapStripeInvoiceStatus(inv.Status),
		DueDate:          unixPtr(inv.DueDate),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		InvoicePDFURL:    inv.InvoicePDF,
	}
	if inv.Customer != nil {
		snap.CustomerID = inv.Customer.ID
	}
	if inv.StatusTransitions != nil {
		snap.PaidAt = unixPtr(inv.StatusTransitions.PaidAt)
	}
	return snap
}
