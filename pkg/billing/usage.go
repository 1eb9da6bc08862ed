package billing

import (
	"context"
	"fmt"
	"time"
)

// RecordUsage appends a usage event and bumps the cached entitlement counter.
// The event log is authoritative; recording never blocks on quota state, and
// events for features the plan does not meter are still accepted so the
// history stays complete across plan changes.
func (s *PostgresService) RecordUsage(ctx context.Context, subscriptionID int64, eventType string, quantity int64, metadata map[string]any) (*UsageEvent, error) {
	if eventType == "" {
		return nil, NewValidationError("event_type", "event_type is required")
	}
	if quantity <= 0 {
		return nil, NewValidationError("quantity", "quantity must be positive")
	}

	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	event := &UsageEvent{
		TenantID:       sub.TenantID,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Quantity:       quantity,
		Metadata:       metadata,
	}
	query := `
		INSERT INTO usage_events (tenant_id, subscription_id, event_type, quantity, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query, event.TenantID, event.SubscriptionID,
		event.EventType, event.Quantity, metadataJSON).
		Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage event: %w", err)
	}

	// Best-effort cache bump; the quota sweep recomputes from events anyway.
	increment := `UPDATE entitlements SET used = used + $1, updated_at = NOW() WHERE subscription_id = $2 AND feature = $3`
	if _, err := s.db.ExecContext(ctx, increment, quantity, subscriptionID, eventType); err != nil {
		return nil, fmt.Errorf("failed to increment entitlement usage: %w", err)
	}

	return event, nil
}

// SumUsage aggregates recorded usage for an event type within [from, to).
// This is the authoritative usage figure for the window.
func (s *PostgresService) SumUsage(ctx context.Context, subscriptionID int64, eventType string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0) FROM usage_events
		WHERE subscription_id = $1 AND event_type = $2 AND created_at >= $3 AND created_at < $4
	`
	var total int64
	err := s.db.QueryRowContext(ctx, query, subscriptionID, eventType, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}
