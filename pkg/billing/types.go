package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingInterval represents how often a plan bills
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// UnlimitedQuota is the sentinel limit value for features without a numeric cap
const UnlimitedQuota int64 = -1

// Plan represents a billing plan with feature flags and usage limits
type Plan struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Interval    BillingInterval `json:"interval"`
	// Features maps feature name -> enabled flag
	Features map[string]bool `json:"features,omitempty"`
	// Limits maps feature name -> per-period quota; -1 means unlimited
	Limits             map[string]int64 `json:"limits,omitempty"`
	Active             bool             `json:"active"`
	Public             bool             `json:"public"`
	ProcessorProductID string           `json:"processor_product_id,omitempty"`
	ProcessorPriceID   string           `json:"processor_price_id,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsFree reports whether the plan has no recurring price.
func (p *Plan) IsFree() bool {
	return p.Price.IsZero()
}

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// Sweepable reports whether enforcement sweeps should consider the
// subscription. Canceled is terminal and never revisited.
func (s SubscriptionStatus) Sweepable() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// Subscription represents a tenant's assignment to a plan
type Subscription struct {
	ID       int64 `json:"id"`
	TenantID int64 `json:"tenant_id"`
	PlanID   int64 `json:"plan_id"`

	ProcessorCustomerID     string `json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID string `json:"processor_subscription_id,omitempty"`

	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	DeletedAt          *time.Time         `json:"deleted_at,omitempty"`
}

// IsTrialExpired reports whether a trialing subscription's trial window has
// passed as of now.
func (s *Subscription) IsTrialExpired(now time.Time) bool {
	return s.Status == SubscriptionStatusTrialing && s.TrialEnd != nil && s.TrialEnd.Before(now)
}

// PeriodBounds returns the current billing period for the subscription. When
// the processor has not reported period boundaries yet (e.g. a local trial
// that was never synced), the containing UTC calendar month is used.
func (s *Subscription) PeriodBounds(now time.Time) (time.Time, time.Time) {
	if s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.Before(now) {
		return *s.CurrentPeriodStart, *s.CurrentPeriodEnd
	}
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// ResetFrequency represents how often an entitlement's usage counter resets
type ResetFrequency string

const (
	ResetMonthly ResetFrequency = "monthly"
	ResetNever   ResetFrequency = "never"
)

// Entitlement is a per-subscription, per-feature usage counter and cap
// derived from the subscription's plan.
type Entitlement struct {
	ID             int64  `json:"id"`
	TenantID       int64  `json:"tenant_id"`
	SubscriptionID int64  `json:"subscription_id"`
	Feature        string `json:"feature"`
	// Limit is the per-period quota; -1 means unlimited, nil means a boolean
	// feature with no numeric cap.
	Limit          *int64         `json:"limit,omitempty"`
	Used           int64          `json:"used"`
	ResetFrequency ResetFrequency `json:"reset_frequency"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Metered reports whether the entitlement carries a finite numeric cap.
func (e *Entitlement) Metered() bool {
	return e.Limit != nil && *e.Limit != UnlimitedQuota
}

// CanUse reports whether n more units fit within the entitlement's limit.
// Unlimited and boolean entitlements always permit use.
func (e *Entitlement) CanUse(n int64) bool {
	if !e.Metered() {
		return true
	}
	return e.Used+n <= *e.Limit
}

// RemainingQuota returns the units left in the current period, or -1 for
// unlimited/boolean entitlements. Never negative.
func (e *Entitlement) RemainingQuota() int64 {
	if !e.Metered() {
		return UnlimitedQuota
	}
	remaining := *e.Limit - e.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsOverLimit reports whether cached usage exceeds a finite limit.
func (e *Entitlement) IsOverLimit() bool {
	return e.Metered() && e.Used > *e.Limit
}

// UsageEvent is an append-only record of feature usage
type UsageEvent struct {
	ID             int64          `json:"id"`
	TenantID       int64          `json:"tenant_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventType      string         `json:"event_type"`
	Quantity       int64          `json:"quantity"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// OverageEventType derives the event type used to record billed overage for a
// feature.
func OverageEventType(feature string) string {
	return feature + "_overage"
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// Invoice is a local projection of a processor-issued invoice
type Invoice struct {
	ID                 int64           `json:"id"`
	TenantID           int64           `json:"tenant_id"`
	SubscriptionID     *int64          `json:"subscription_id,omitempty"`
	ProcessorInvoiceID string          `json:"processor_invoice_id"`
	AmountTotal        decimal.Decimal `json:"amount_total"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	Currency           string          `json:"currency"`
	Status             InvoiceStatus   `json:"status"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	HostedInvoiceURL   string          `json:"hosted_invoice_url,omitempty"`
	InvoicePDFURL      string          `json:"invoice_pdf_url,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// AmountDue returns the unpaid remainder of the invoice.
func (i *Invoice) AmountDue() decimal.Decimal {
	return i.AmountTotal.Sub(i.AmountPaid)
}

// IsOverdue reports whether the invoice is unpaid and past its due date.
func (i *Invoice) IsOverdue(now time.Time) bool {
	if i.Status != InvoiceStatusOpen {
		return false
	}
	return i.DueDate != nil && i.DueDate.Before(now)
}

// MinorToDecimal converts a processor minor-unit amount (e.g. cents) to a
// decimal major-unit amount.
func MinorToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// DecimalToMinor converts a major-unit decimal amount to processor minor
// units, rounding half up.
func DecimalToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// ProcessorSubscription is the processor's canonical view of a subscription,
// as reported by webhooks or polling. Reconciliation adopts these fields as
// the new local truth.
type ProcessorSubscription struct {
	ProcessorID        string             `json:"processor_id"`
	CustomerID         string             `json:"customer_id"`
	PriceID            string             `json:"price_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	// TenantID is carried in processor-side metadata when available; zero
	// when the processor object has no tenant annotation.
	TenantID int64 `json:"tenant_id,omitempty"`
}

// ProcessorInvoice is the processor's canonical view of an invoice. Amounts
// are in minor units as the processor reports them.
type ProcessorInvoice struct {
	ProcessorID             string        `json:"processor_id"`
	CustomerID              string        `json:"customer_id"`
	ProcessorSubscriptionID string        `json:"processor_subscription_id,omitempty"`
	AmountTotal             int64         `json:"amount_total"`
	AmountPaid              int64         `json:"amount_paid"`
	Currency                string        `json:"currency"`
	Status                  InvoiceStatus `json:"status"`
	DueDate                 *time.Time    `json:"due_date,omitempty"`
	PaidAt                  *time.Time    `json:"paid_at,omitempty"`
	HostedInvoiceURL        string        `json:"hosted_invoice_url,omitempty"`
	InvoicePDFURL           string        `json:"invoice_pdf_url,omitempty"`
}

// CreateSubscriptionRequest represents a request to start a subscription for
// a tenant, either directly on a paid plan or as a trial.
type CreateSubscriptionRequest struct {
	TenantID            int64          `json:"tenant_id"`
	PlanID              int64          `json:"plan_id"`
	TrialDays           int            `json:"trial_days,omitempty"`
	ProcessorCustomerID string         `json:"processor_customer_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}
