// Package billing implements the entitlement and subscription core: the plan
// catalog, per-tenant subscriptions, per-feature entitlements, append-only
// usage events, and the local mirror of processor-issued invoices.
//
// # Data Model
//
// A Plan describes price, billing interval, feature flags and numeric limits
// per feature (-1 means unlimited). A Subscription assigns a tenant to a plan
// and tracks lifecycle status and billing-period boundaries. Entitlements are
// derived from the plan's limits map, exactly one per (subscription, feature),
// and cache the usage counter that UsageEvents authoritatively record.
//
// # Consistency
//
// UsageEvent sums per billing period are the source of truth for usage.
// Entitlement.Used is a cache that the enforcement sweeps recompute and heal,
// so write-time quota checks are advisory. Usage recording is append-only and
// commutative; insert order never affects final aggregates.
//
// The external payment processor is the source of truth for subscription and
// invoice fields. ApplyProcessorSubscription and UpsertProcessorInvoice adopt
// processor snapshots wholesale instead of computing deltas, which keeps
// webhook application idempotent under redelivery and reordering.
//
// # Usage Example
//
// Record usage and check quota:
//
//	ev, err := svc.RecordUsage(ctx, subID, "messages_per_month", 25, nil)
//	ent, err := svc.GetEntitlement(ctx, subID, "messages_per_month")
//	if ent.CanUse(1) { ... }
//
// # Related Packages
//
//   - pkg/payments: processor client and webhook reconciliation
//   - pkg/enforcement: scheduled quota/overage/trial/dunning sweeps
package billing
