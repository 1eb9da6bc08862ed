// Package payments reconciles local billing state with the external payment
// processor. It wraps the processor API behind the Provider interface and
// ingests processor webhooks, adopting the processor's field values as local
// truth so redelivered and reordered events converge.
package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/metered/pkg/billing"
)

// Provider is the outbound interface to the payment processor. All failures
// surface as billing.ProcessorError so callers can classify them.
type Provider interface {
	// CreateCustomer registers a tenant with the processor and returns the
	// processor customer ID.
	CreateCustomer(ctx context.Context, tenantID int64, email string) (string, error)

	// CreateSubscription starts a processor subscription on the given price.
	CreateSubscription(ctx context.Context, customerID, priceID string, trialDays int, tenantID int64) (*billing.ProcessorSubscription, error)

	// UpdateSubscriptionPrice swaps the subscription onto a new price,
	// optionally generating proration line items.
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, newPriceID string, prorate bool) error

	// CancelSubscription cancels immediately or at period end.
	CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) error

	// CreateOverageCharge adds a one-off charge to the customer's next
	// invoice for usage beyond plan limits.
	CreateOverageCharge(ctx context.Context, customerID string, amount decimal.Decimal, currency, description string) error

	// GetSubscription fetches the processor's current view of a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProcessorSubscription, error)

	// GetInvoice fetches the processor's current view of an invoice.
	GetInvoice(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error)

	// HasDefaultPaymentMethod reports whether the customer can be charged.
	HasDefaultPaymentMethod(ctx context.Context, customerID string) (bool, error)
}

// MockProvider is a test double for Provider. Each method delegates to the
// corresponding func field when set and returns a benign default otherwise.
type MockProvider struct {
	CreateCustomerFunc          func(ctx context.Context, tenantID int64, email string) (string, error)
	CreateSubscriptionFunc      func(ctx context.Context, customerID, priceID string, trialDays int, tenantID int64) (*billing.ProcessorSubscription, error)
	UpdateSubscriptionPriceFunc func(ctx context.Context, subscriptionID, newPriceID string, prorate bool) error
	CancelSubscriptionFunc      func(ctx context.Context, subscriptionID string, immediately bool) error
	CreateOverageChargeFunc     func(ctx context.Context, customerID string, amount decimal.Decimal, currency, description string) error
	GetSubscriptionFunc         func(ctx context.Context, subscriptionID string) (*billing.ProcessorSubscription, error)
	GetInvoiceFunc              func(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error)
	HasDefaultPaymentMethodFunc func(ctx context.Context, customerID string) (bool, error)
}

func (m *MockProvider) CreateCustomer(ctx context.Context, tenantID int64, email string) (string, error) {
	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, tenantID, email)
	}
	return "cus_mock", nil
}

func (m *MockProvider) CreateSubscription(ctx context.Context, customerID, priceID string, trialDays int, tenantID int64) (*billing.ProcessorSubscription, error) {
	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, customerID, priceID, trialDays, tenantID)
	}
	return &billing.ProcessorSubscription{
		ProcessorID: "sub_mock",
		CustomerID:  customerID,
		PriceID:     priceID,
		Status:      billing.SubscriptionStatusActive,
		TenantID:    tenantID,
	}, nil
}

func (m *MockProvider) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, newPriceID string, prorate bool) error {
	if m.UpdateSubscriptionPriceFunc != nil {
		return m.UpdateSubscriptionPriceFunc(ctx, subscriptionID, newPriceID, prorate)
	}
	return nil
}

func (m *MockProvider) CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) error {
	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, subscriptionID, immediately)
	}
	return nil
}

func (m *MockProvider) CreateOverageCharge(ctx context.Context, customerID string, amount decimal.Decimal, currency, description string) error {
	if m.CreateOverageChargeFunc != nil {
		return m.CreateOverageChargeFunc(ctx, customerID, amount, currency, description)
	}
	return nil
}

func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProcessorSubscription, error) {
	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}
	return &billing.ProcessorSubscription{
		ProcessorID: subscriptionID,
		Status:      billing.SubscriptionStatusActive,
	}, nil
}

func (m *MockProvider) GetInvoice(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
	if m.GetInvoiceFunc != nil {
		return m.GetInvoiceFunc(ctx, invoiceID)
	}
	return &billing.ProcessorInvoice{
		ProcessorID: invoiceID,
		Status:      billing.InvoiceStatusOpen,
	}, nil
}

func (m *MockProvider) HasDefaultPaymentMethod(ctx context.Context, customerID string) (bool, error) {
	if m.HasDefaultPaymentMethodFunc != nil {
		return m.HasDefaultPaymentMethodFunc(ctx, customerID)
	}
	return false, nil
}
