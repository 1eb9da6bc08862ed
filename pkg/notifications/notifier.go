// Package notifications carries notification requests out of the billing
// core. The core only asks for a notification to be sent; delivery happens
// here (or in whatever integration is configured) and is never load-bearing
// for billing correctness.
package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/metered/pkg/observability"
)

// Kind identifies what happened to the tenant's subscription
type Kind string

const (
	KindTrialConverted       Kind = "trial_converted"
	KindTrialExpired         Kind = "trial_expired"
	KindTrialEndingSoon      Kind = "trial_ending_soon"
	KindPaymentFailed        Kind = "payment_failed"
	KindPaymentRecovered     Kind = "payment_recovered"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindPlanChanged          Kind = "plan_changed"
	KindOverageCharged       Kind = "overage_charged"
)

// Notification is one notification request
type Notification struct {
	ID        string         `json:"id"`
	TenantID  int64          `json:"tenant_id"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewNotification builds a notification with a fresh ID
func NewNotification(tenantID int64, kind Kind, payload map[string]any) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier requests a notification for a tenant. Implementations must be
// safe for concurrent use and must not block billing operations on delivery.
type Notifier interface {
	Notify(ctx context.Context, tenantID int64, kind Kind, payload map[string]any) error
}

// LogNotifier writes notification requests to the structured log. It is the
// default sink when no webhook endpoints are configured.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification request
func (n *LogNotifier) Notify(_ context.Context, tenantID int64, kind Kind, payload map[string]any) error {
	n.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"kind":      string(kind),
		"payload":   payload,
	}).Info("notification requested")
	return nil
}

// InstrumentedNotifier counts notification outcomes around an inner
// notifier.
type InstrumentedNotifier struct {
	inner   Notifier
	metrics *observability.Metrics
}

// NewInstrumentedNotifier wraps a notifier with outcome counters. metrics
// may be nil, in which case the wrapper is a passthrough.
func NewInstrumentedNotifier(inner Notifier, metrics *observability.Metrics) *InstrumentedNotifier {
	return &InstrumentedNotifier{inner: inner, metrics: metrics}
}

// Notify delegates to the inner notifier and records the outcome
func (n *InstrumentedNotifier) Notify(ctx context.Context, tenantID int64, kind Kind, payload map[string]any) error {
	err := n.inner.Notify(ctx, tenantID, kind, payload)
	if n.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		n.metrics.NotificationsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
	return err
}

// MultiNotifier fans a notification out to several notifiers. The first
// error is returned but all notifiers are attempted.
type MultiNotifier []Notifier

// Notify sends the notification through every configured notifier
func (m MultiNotifier) Notify(ctx context.Context, tenantID int64, kind Kind, payload map[string]any) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, tenantID, kind, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
