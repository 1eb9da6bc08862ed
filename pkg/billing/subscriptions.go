package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MetadataPendingPlanID marks a deferred downgrade: the plan change is applied
// when the next billing period begins instead of immediately.
const MetadataPendingPlanID = "pending_plan_id"

const subscriptionColumns = `id, tenant_id, plan_id, processor_customer_id, processor_subscription_id,
	       status, current_period_start, current_period_end, trial_start, trial_end,
	       cancel_at_period_end, canceled_at, metadata, created_at, updated_at, deleted_at`

// CreateSubscription starts a subscription for a tenant. Free plans activate
// immediately; paid plans with a trial window start trialing; paid plans
// without one start incomplete until the processor confirms payment.
func (s *PostgresService) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	if req.TenantID <= 0 {
		return nil, NewValidationError("tenant_id", "tenant_id is required")
	}
	if req.TrialDays < 0 {
		return nil, NewValidationError("trial_days", "trial_days cannot be negative")
	}

	plan, err := s.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, NewValidationError("plan_id", fmt.Sprintf("plan %d is not active", plan.ID))
	}

	existing, err := s.GetSubscriptionByTenant(ctx, req.TenantID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.Status != SubscriptionStatusCanceled {
		return nil, NewValidationError("tenant_id", fmt.Sprintf("tenant %d already has subscription %d", req.TenantID, existing.ID))
	}

	now := time.Now().UTC()
	sub := &Subscription{
		TenantID:            req.TenantID,
		PlanID:              plan.ID,
		ProcessorCustomerID: req.ProcessorCustomerID,
		Status:              SubscriptionStatusIncomplete,
		Metadata:            req.Metadata,
	}
	switch {
	case plan.IsFree():
		sub.Status = SubscriptionStatusActive
		periodEnd := now.AddDate(0, 1, 0)
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &periodEnd
	case req.TrialDays > 0:
		sub.Status = SubscriptionStatusTrialing
		trialEnd := now.AddDate(0, 0, req.TrialDays)
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &trialEnd
	}

	metadataJSON, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO subscriptions (tenant_id, plan_id, processor_customer_id, status,
		                           current_period_start, current_period_end, trial_start, trial_end, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, sub.TenantID, sub.PlanID, sub.ProcessorCustomerID,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		metadataJSON).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := s.ReplaceEntitlementsForPlan(ctx, sub.ID, plan); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by ID
func (s *PostgresService) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return s.scanSubscriptionRow(s.db.QueryRowContext(ctx, query, id), "subscription", id)
}

// GetSubscriptionByTenant retrieves the tenant's live subscription
func (s *PostgresService) GetSubscriptionByTenant(ctx context.Context, tenantID int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`
	return s.scanSubscriptionRow(s.db.QueryRowContext(ctx, query, tenantID), "subscription for tenant", tenantID)
}

// GetSubscriptionByProcessorID retrieves the subscription mirroring an
// external processor subscription
func (s *PostgresService) GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE processor_subscription_id = $1`
	return s.scanSubscriptionRow(s.db.QueryRowContext(ctx, query, processorID), "subscription for processor id", processorID)
}

// ListSubscriptionsByStatus lists live subscriptions in any of the given statuses
func (s *PostgresService) ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]*Subscription, error) {
	if len(statuses) == 0 {
		return nil, NewValidationError("statuses", "at least one status is required")
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN (` + strings.Join(placeholders, ", ") + `) AND deleted_at IS NULL
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CancelSubscription cancels a subscription immediately or at period end.
// Canceling an already-canceled subscription is a no-op.
func (s *PostgresService) CancelSubscription(ctx context.Context, id int64, immediately bool) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusCanceled {
		return sub, nil
	}

	if immediately {
		query := `UPDATE subscriptions SET status = $1, canceled_at = NOW(), cancel_at_period_end = false, updated_at = NOW() WHERE id = $2`
		if _, err := s.db.ExecContext(ctx, query, SubscriptionStatusCanceled, id); err != nil {
			return nil, fmt.Errorf("failed to cancel subscription: %w", err)
		}
	} else {
		query := `UPDATE subscriptions SET cancel_at_period_end = true, updated_at = NOW() WHERE id = $1`
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return nil, fmt.Errorf("failed to schedule cancellation: %w", err)
		}
	}
	return s.GetSubscription(ctx, id)
}

// ChangePlan moves a subscription to a different plan. Immediate changes
// replace the entitlement set, resetting usage counters for the new period.
// Deferred changes only record the target plan; ApplyProcessorSubscription
// applies it when the next billing period begins.
func (s *PostgresService) ChangePlan(ctx context.Context, id int64, newPlanID int64, deferred bool) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusCanceled {
		return nil, NewValidationError("status", "cannot change plan on a canceled subscription")
	}
	if sub.PlanID == newPlanID {
		return sub, nil
	}

	plan, err := s.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, NewValidationError("plan_id", fmt.Sprintf("plan %d is not active", plan.ID))
	}

	if deferred {
		if err := s.SetSubscriptionMetadata(ctx, id, MetadataPendingPlanID, newPlanID); err != nil {
			return nil, err
		}
		return s.GetSubscription(ctx, id)
	}

	query := `UPDATE subscriptions SET plan_id = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, newPlanID, id); err != nil {
		return nil, fmt.Errorf("failed to change plan: %w", err)
	}
	if err := s.ReplaceEntitlementsForPlan(ctx, id, plan); err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, id)
}

// UpdateSubscriptionStatus sets the status of a subscription
func (s *PostgresService) UpdateSubscriptionStatus(ctx context.Context, id int64, status SubscriptionStatus) error {
	query := `UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2`
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewNotFoundError("subscription", id)
	}
	return nil
}

// SetSubscriptionMetadata sets one metadata key on a subscription. A nil
// value deletes the key.
func (s *PostgresService) SetSubscriptionMetadata(ctx context.Context, id int64, key string, value any) error {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]any{}
	}
	if value == nil {
		delete(sub.Metadata, key)
	} else {
		sub.Metadata[key] = value
	}
	metadataJSON, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}
	query := `UPDATE subscriptions SET metadata = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, metadataJSON, id); err != nil {
		return fmt.Errorf("failed to update subscription metadata: %w", err)
	}
	return nil
}

// LinkProcessorIdentity records the processor customer and subscription IDs
// after checkout completes
func (s *PostgresService) LinkProcessorIdentity(ctx context.Context, id int64, customerID, subscriptionID string) error {
	query := `UPDATE subscriptions SET processor_customer_id = $1, processor_subscription_id = $2, updated_at = NOW() WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, customerID, subscriptionID, id)
	if err != nil {
		return fmt.Errorf("failed to link processor identity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewNotFoundError("subscription", id)
	}
	return nil
}

// ApplyProcessorSubscription adopts the processor's view of a subscription as
// local truth. Unknown processor subscriptions are created on first sight so
// reconciliation converges even when earlier events were missed. Returns the
// updated subscription and its previous local status; for newly created rows
// the previous status is empty.
func (s *PostgresService) ApplyProcessorSubscription(ctx context.Context, snap *ProcessorSubscription) (*Subscription, SubscriptionStatus, error) {
	if snap.ProcessorID == "" {
		return nil, "", NewValidationError("processor_id", "processor subscription id is required")
	}

	sub, err := s.GetSubscriptionByProcessorID(ctx, snap.ProcessorID)
	if IsNotFound(err) {
		sub, err = s.adoptProcessorSubscription(ctx, snap)
		if err != nil {
			return nil, "", err
		}
		return sub, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	prevStatus := sub.Status
	newPeriod := snap.CurrentPeriodStart != nil && sub.CurrentPeriodStart != nil &&
		snap.CurrentPeriodStart.After(*sub.CurrentPeriodStart)

	query := `
		UPDATE subscriptions
		SET status = $1, current_period_start = $2, current_period_end = $3,
		    trial_start = $4, trial_end = $5, cancel_at_period_end = $6, canceled_at = $7,
		    processor_customer_id = COALESCE(NULLIF($8, ''), processor_customer_id),
		    updated_at = NOW()
		WHERE id = $9
	`
	_, err = s.db.ExecContext(ctx, query, snap.Status, snap.CurrentPeriodStart, snap.CurrentPeriodEnd,
		snap.TrialStart, snap.TrialEnd, snap.CancelAtPeriodEnd, snap.CanceledAt,
		snap.CustomerID, sub.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to apply processor subscription: %w", err)
	}

	if newPeriod {
		if err := s.rolloverPeriod(ctx, sub); err != nil {
			return nil, "", err
		}
	}

	updated, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, "", err
	}
	return updated, prevStatus, nil
}

// adoptProcessorSubscription creates a local mirror for a processor
// subscription seen for the first time. The plan is resolved from the
// processor price ID and the tenant from processor-side metadata.
func (s *PostgresService) adoptProcessorSubscription(ctx context.Context, snap *ProcessorSubscription) (*Subscription, error) {
	if snap.TenantID <= 0 {
		return nil, NewValidationError("tenant_id", fmt.Sprintf("processor subscription %s carries no tenant metadata", snap.ProcessorID))
	}
	plan, err := s.GetPlanByPriceID(ctx, snap.PriceID)
	if err != nil {
		return nil, err
	}

	metadataJSON, err := marshalMetadata(nil)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		TenantID:                snap.TenantID,
		PlanID:                  plan.ID,
		ProcessorCustomerID:     snap.CustomerID,
		ProcessorSubscriptionID: snap.ProcessorID,
		Status:                  snap.Status,
		CurrentPeriodStart:      snap.CurrentPeriodStart,
		CurrentPeriodEnd:        snap.CurrentPeriodEnd,
		TrialStart:              snap.TrialStart,
		TrialEnd:                snap.TrialEnd,
		CancelAtPeriodEnd:       snap.CancelAtPeriodEnd,
		CanceledAt:              snap.CanceledAt,
	}
	query := `
		INSERT INTO subscriptions (tenant_id, plan_id, processor_customer_id, processor_subscription_id,
		                           status, current_period_start, current_period_end, trial_start, trial_end,
		                           cancel_at_period_end, canceled_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (processor_subscription_id) WHERE processor_subscription_id != ''
		DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, sub.TenantID, sub.PlanID, sub.ProcessorCustomerID,
		sub.ProcessorSubscriptionID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialStart, sub.TrialEnd, sub.CancelAtPeriodEnd, sub.CanceledAt, metadataJSON).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt processor subscription: %w", err)
	}

	if err := s.ReplaceEntitlementsForPlan(ctx, sub.ID, plan); err != nil {
		return nil, err
	}
	return sub, nil
}

// rolloverPeriod runs period-boundary bookkeeping: apply a pending deferred
// plan change if one was recorded, otherwise reset monthly usage counters for
// the new period.
func (s *PostgresService) rolloverPeriod(ctx context.Context, sub *Subscription) error {
	if raw, ok := sub.Metadata[MetadataPendingPlanID]; ok {
		planID, ok := asInt64(raw)
		if !ok {
			return NewValidationError(MetadataPendingPlanID, fmt.Sprintf("invalid pending plan id %v", raw))
		}
		plan, err := s.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		query := `UPDATE subscriptions SET plan_id = $1, updated_at = NOW() WHERE id = $2`
		if _, err := s.db.ExecContext(ctx, query, planID, sub.ID); err != nil {
			return fmt.Errorf("failed to apply deferred plan change: %w", err)
		}
		if err := s.ReplaceEntitlementsForPlan(ctx, sub.ID, plan); err != nil {
			return err
		}
		return s.SetSubscriptionMetadata(ctx, sub.ID, MetadataPendingPlanID, nil)
	}

	query := `UPDATE subscriptions SET updated_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, sub.ID); err != nil {
		return fmt.Errorf("failed to touch subscription: %w", err)
	}
	reset := `UPDATE entitlements SET used = 0, updated_at = NOW() WHERE subscription_id = $1 AND reset_frequency = $2`
	if _, err := s.db.ExecContext(ctx, reset, sub.ID, ResetMonthly); err != nil {
		return fmt.Errorf("failed to reset entitlement counters: %w", err)
	}
	return nil
}

// asInt64 coerces JSON-decoded metadata numbers back to int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func (s *PostgresService) scanSubscriptionRow(row *sql.Row, resource string, id any) (*Subscription, error) {
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(resource, id)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var metadataJSON []byte
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.ProcessorCustomerID, &sub.ProcessorSubscriptionID,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &metadataJSON, &sub.CreatedAt, &sub.UpdatedAt, &sub.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if err := unmarshalMetadata(metadataJSON, &sub.Metadata); err != nil {
		return nil, err
	}
	return sub, nil
}
