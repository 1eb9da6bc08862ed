package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Service defines the interface for billing operations
type Service interface {
	// Plan catalog
	CreatePlan(ctx context.Context, plan *Plan) (*Plan, error)
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error)
	GetFreePlan(ctx context.Context) (*Plan, error)
	ListPlans(ctx context.Context, publicOnly bool) ([]*Plan, error)

	// Subscription lifecycle
	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	GetSubscriptionByTenant(ctx context.Context, tenantID int64) (*Subscription, error)
	GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*Subscription, error)
	ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]*Subscription, error)
	CancelSubscription(ctx context.Context, id int64, immediately bool) (*Subscription, error)
	ChangePlan(ctx context.Context, id int64, newPlanID int64, deferred bool) (*Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id int64, status SubscriptionStatus) error
	SetSubscriptionMetadata(ctx context.Context, id int64, key string, value any) error
	LinkProcessorIdentity(ctx context.Context, id int64, customerID, subscriptionID string) error
	ApplyProcessorSubscription(ctx context.Context, snap *ProcessorSubscription) (*Subscription, SubscriptionStatus, error)

	// Entitlements
	GetEntitlements(ctx context.Context, subscriptionID int64) ([]*Entitlement, error)
	GetEntitlement(ctx context.Context, subscriptionID int64, feature string) (*Entitlement, error)
	ReplaceEntitlementsForPlan(ctx context.Context, subscriptionID int64, plan *Plan) error
	SetEntitlementUsed(ctx context.Context, subscriptionID int64, feature string, used int64) error

	// Usage
	RecordUsage(ctx context.Context, subscriptionID int64, eventType string, quantity int64, metadata map[string]any) (*UsageEvent, error)
	SumUsage(ctx context.Context, subscriptionID int64, eventType string, from, to time.Time) (int64, error)

	// Invoice mirror
	UpsertProcessorInvoice(ctx context.Context, snap *ProcessorInvoice) (*Invoice, error)
	GetInvoiceByProcessorID(ctx context.Context, processorID string) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*Invoice, error)
	ListOverdueInvoices(ctx context.Context, asOf time.Time) ([]*Invoice, error)
}

// PostgresService implements the billing Service interface using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// marshalMetadata serializes a metadata map for a JSONB column. Nil maps
// become empty objects so NOT NULL columns stay satisfied.
func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte, out *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}
