package payments

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/invoiceitem"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/platinummonkey/metered/pkg/billing"
)

// tenantMetadataKey is the processor-side metadata key carrying our tenant ID.
const tenantMetadataKey = "tenant_id"

// apiTimeout bounds every outbound processor call.
const apiTimeout = 15 * time.Second

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	apiKey string
}

// NewStripeProvider creates a StripeProvider with the given API key.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{apiKey: apiKey}
}

func boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, apiTimeout)
}

// CreateCustomer creates a Stripe customer annotated with the tenant ID.
func (p *StripeProvider) CreateCustomer(ctx context.Context, tenantID int64, email string) (string, error) {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			tenantMetadataKey: strconv.FormatInt(tenantID, 10),
		},
	}
	params.Context = ctx

	c, err := customer.New(params)
	if err != nil {
		return "", billing.NewProcessorError("create_customer", err)
	}
	return c.ID, nil
}

// CreateSubscription starts a Stripe subscription on the given price.
func (p *StripeProvider) CreateSubscription(ctx context.Context, customerID, priceID string, trialDays int, tenantID int64) (*billing.ProcessorSubscription, error) {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		Metadata: map[string]string{
			tenantMetadataKey: strconv.FormatInt(tenantID, 10),
		},
	}
	if trialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(trialDays))
	}
	params.Context = ctx

	sub, err := subscription.New(params)
	if err != nil {
		return nil, billing.NewProcessorError("create_subscription", err)
	}
	return MapStripeSubscription(sub), nil
}

// UpdateSubscriptionPrice swaps the subscription's single item to a new price.
func (p *StripeProvider) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, newPriceID string, prorate bool) error {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	current, err := subscription.Get(subscriptionID, getParams)
	if err != nil {
		return billing.NewProcessorError("get_subscription", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return billing.NewProcessorError("update_subscription", errAmbiguousItems)
	}

	behavior := "none"
	if prorate {
		behavior = "create_prorations"
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String(behavior),
	}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return billing.NewProcessorError("update_subscription", err)
	}
	return nil
}

// CancelSubscription cancels a subscription immediately or schedules
// cancellation at period end.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) error {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	if immediately {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		if _, err := subscription.Cancel(subscriptionID, params); err != nil {
			return billing.NewProcessorError("cancel_subscription", err)
		}
		return nil
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return billing.NewProcessorError("cancel_subscription", err)
	}
	return nil
}

// CreateOverageCharge adds a one-off invoice item that lands on the
// customer's next invoice.
func (p *StripeProvider) CreateOverageCharge(ctx context.Context, customerID string, amount decimal.Decimal, currency, description string) error {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(billing.DecimalToMinor(amount)),
		Currency:    stripe.String(currency),
		Description: stripe.String(description),
	}
	params.Context = ctx

	if _, err := invoiceitem.New(params); err != nil {
		return billing.NewProcessorError("create_overage_charge", err)
	}
	return nil
}

// GetSubscription fetches and maps the processor's view of a subscription.
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProcessorSubscription, error) {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, billing.NewProcessorError("get_subscription", err)
	}
	return MapStripeSubscription(sub), nil
}

// GetInvoice fetches and maps the processor's view of an invoice.
func (p *StripeProvider) GetInvoice(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := invoice.Get(invoiceID, params)
	if err != nil {
		return nil, billing.NewProcessorError("get_invoice", err)
	}
	return MapStripeInvoice(inv), nil
}

// HasDefaultPaymentMethod reports whether the customer has a chargeable
// default payment method configured.
func (p *StripeProvider) HasDefaultPaymentMethod(ctx context.Context, customerID string) (bool, error) {
	ctx, cancel := boundCtx(ctx)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")

	c, err := customer.Get(customerID, params)
	if err != nil {
		return false, billing.NewProcessorError("get_customer", err)
	}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		return true, nil
	}
	return false, nil
}
