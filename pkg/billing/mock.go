package billing

import (
	"context"
	"time"
)

// MockService is a test double for Service. Each method delegates to the
// corresponding func field when set and returns a benign default otherwise.
type MockService struct {
	CreatePlanFunc       func(ctx context.Context, plan *Plan) (*Plan, error)
	GetPlanFunc          func(ctx context.Context, id int64) (*Plan, error)
	GetPlanByPriceIDFunc func(ctx context.Context, priceID string) (*Plan, error)
	GetFreePlanFunc      func(ctx context.Context) (*Plan, error)
	ListPlansFunc        func(ctx context.Context, publicOnly bool) ([]*Plan, error)

	CreateSubscriptionFunc           func(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error)
	GetSubscriptionFunc              func(ctx context.Context, id int64) (*Subscription, error)
	GetSubscriptionByTenantFunc      func(ctx context.Context, tenantID int64) (*Subscription, error)
	GetSubscriptionByProcessorIDFunc func(ctx context.Context, processorID string) (*Subscription, error)
	ListSubscriptionsByStatusFunc    func(ctx context.Context, statuses ...SubscriptionStatus) ([]*Subscription, error)
	CancelSubscriptionFunc           func(ctx context.Context, id int64, immediately bool) (*Subscription, error)
	ChangePlanFunc                   func(ctx context.Context, id int64, newPlanID int64, deferred bool) (*Subscription, error)
	UpdateSubscriptionStatusFunc     func(ctx context.Context, id int64, status SubscriptionStatus) error
	SetSubscriptionMetadataFunc      func(ctx context.Context, id int64, key string, value any) error
	LinkProcessorIdentityFunc        func(ctx context.Context, id int64, customerID, subscriptionID string) error
	ApplyProcessorSubscriptionFunc   func(ctx context.Context, snap *ProcessorSubscription) (*Subscription, SubscriptionStatus, error)

	GetEntitlementsFunc            func(ctx context.Context, subscriptionID int64) ([]*Entitlement, error)
	GetEntitlementFunc             func(ctx context.Context, subscriptionID int64, feature string) (*Entitlement, error)
	ReplaceEntitlementsForPlanFunc func(ctx context.Context, subscriptionID int64, plan *Plan) error
	SetEntitlementUsedFunc         func(ctx context.Context, subscriptionID int64, feature string, used int64) error

	RecordUsageFunc func(ctx context.Context, subscriptionID int64, eventType string, quantity int64, metadata map[string]any) (*UsageEvent, error)
	SumUsageFunc    func(ctx context.Context, subscriptionID int64, eventType string, from, to time.Time) (int64, error)

	UpsertProcessorInvoiceFunc  func(ctx context.Context, snap *ProcessorInvoice) (*Invoice, error)
	GetInvoiceByProcessorIDFunc func(ctx context.Context, processorID string) (*Invoice, error)
	ListInvoicesFunc            func(ctx context.Context, tenantID int64, limit int) ([]*Invoice, error)
	ListOverdueInvoicesFunc     func(ctx context.Context, asOf time.Time) ([]*Invoice, error)
}

var _ Service = (*MockService)(nil)

func (m *MockService) CreatePlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if m.CreatePlanFunc != nil {
		return m.CreatePlanFunc(ctx, plan)
	}
	return plan, nil
}

func (m *MockService) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	if m.GetPlanFunc != nil {
		return m.GetPlanFunc(ctx, id)
	}
	return &Plan{ID: id, Name: "mock", Active: true}, nil
}

func (m *MockService) GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	if m.GetPlanByPriceIDFunc != nil {
		return m.GetPlanByPriceIDFunc(ctx, priceID)
	}
	return &Plan{ID: 1, Name: "mock", ProcessorPriceID: priceID, Active: true}, nil
}

func (m *MockService) GetFreePlan(ctx context.Context) (*Plan, error) {
	if m.GetFreePlanFunc != nil {
		return m.GetFreePlanFunc(ctx)
	}
	return &Plan{ID: 1, Name: "free", Active: true}, nil
}

func (m *MockService) ListPlans(ctx context.Context, publicOnly bool) ([]*Plan, error) {
	if m.ListPlansFunc != nil {
		return m.ListPlansFunc(ctx, publicOnly)
	}
	return nil, nil
}

func (m *MockService) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, req)
	}
	return &Subscription{ID: 1, TenantID: req.TenantID, PlanID: req.PlanID, Status: SubscriptionStatusActive}, nil
}

func (m *MockService) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, id)
	}
	return &Subscription{ID: id, Status: SubscriptionStatusActive}, nil
}

func (m *MockService) GetSubscriptionByTenant(ctx context.Context, tenantID int64) (*Subscription, error) {
	if m.GetSubscriptionByTenantFunc != nil {
		return m.GetSubscriptionByTenantFunc(ctx, tenantID)
	}
	return &Subscription{ID: 1, TenantID: tenantID, Status: SubscriptionStatusActive}, nil
}

func (m *MockService) GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*Subscription, error) {
	if m.GetSubscriptionByProcessorIDFunc != nil {
		return m.GetSubscriptionByProcessorIDFunc(ctx, processorID)
	}
	return &Subscription{ID: 1, ProcessorSubscriptionID: processorID, Status: SubscriptionStatusActive}, nil
}

func (m *MockService) ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]*Subscription, error) {
	if m.ListSubscriptionsByStatusFunc != nil {
		return m.ListSubscriptionsByStatusFunc(ctx, statuses...)
	}
	return nil, nil
}

func (m *MockService) CancelSubscription(ctx context.Context, id int64, immediately bool) (*Subscription, error) {
	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, id, immediately)
	}
	return &Subscription{ID: id, Status: SubscriptionStatusCanceled}, nil
}

func (m *MockService) ChangePlan(ctx context.Context, id int64, newPlanID int64, deferred bool) (*Subscription, error) {
	if m.ChangePlanFunc != nil {
		return m.ChangePlanFunc(ctx, id, newPlanID, deferred)
	}
	return &Subscription{ID: id, PlanID: newPlanID, Status: SubscriptionStatusActive}, nil
}

func (m *MockService) UpdateSubscriptionStatus(ctx context.Context, id int64, status SubscriptionStatus) error {
	if m.UpdateSubscriptionStatusFunc != nil {
		return m.UpdateSubscriptionStatusFunc(ctx, id, status)
	}
	return nil
}

func (m *MockService) SetSubscriptionMetadata(ctx context.Context, id int64, key string, value any) error {
	if m.SetSubscriptionMetadataFunc != nil {
		return m.SetSubscriptionMetadataFunc(ctx, id, key, value)
	}
	return nil
}

func (m *MockService) LinkProcessorIdentity(ctx context.Context, id int64, customerID, subscriptionID string) error {
	if m.LinkProcessorIdentityFunc != nil {
		return m.LinkProcessorIdentityFunc(ctx, id, customerID, subscriptionID)
	}
	return nil
}

func (m *MockService) ApplyProcessorSubscription(ctx context.Context, snap *ProcessorSubscription) (*Subscription, SubscriptionStatus, error) {
	if m.ApplyProcessorSubscriptionFunc != nil {
		return m.ApplyProcessorSubscriptionFunc(ctx, snap)
	}
	return &Subscription{ID: 1, Status: snap.Status}, "", nil
}

func (m *MockService) GetEntitlements(ctx context.Context, subscriptionID int64) ([]*Entitlement, error) {
	if m.GetEntitlementsFunc != nil {
		return m.GetEntitlementsFunc(ctx, subscriptionID)
	}
	return nil, nil
}

func (m *MockService) GetEntitlement(ctx context.Context, subscriptionID int64, feature string) (*Entitlement, error) {
	if m.GetEntitlementFunc != nil {
		return m.GetEntitlementFunc(ctx, subscriptionID, feature)
	}
	return &Entitlement{SubscriptionID: subscriptionID, Feature: feature}, nil
}

func (m *MockService) ReplaceEntitlementsForPlan(ctx context.Context, subscriptionID int64, plan *Plan) error {
	if m.ReplaceEntitlementsForPlanFunc != nil {
		return m.ReplaceEntitlementsForPlanFunc(ctx, subscriptionID, plan)
	}
	return nil
}

func (m *MockService) SetEntitlementUsed(ctx context.Context, subscriptionID int64, feature string, used int64) error {
	if m.SetEntitlementUsedFunc != nil {
		return m.SetEntitlementUsedFunc(ctx, subscriptionID, feature, used)
	}
	return nil
}

func (m *MockService) RecordUsage(ctx context.Context, subscriptionID int64, eventType string, quantity int64, metadata map[string]any) (*UsageEvent, error) {
	if m.RecordUsageFunc != nil {
		return m.RecordUsageFunc(ctx, subscriptionID, eventType, quantity, metadata)
	}
	return &UsageEvent{SubscriptionID: subscriptionID, EventType: eventType, Quantity: quantity}, nil
}

func (m *MockService) SumUsage(ctx context.Context, subscriptionID int64, eventType string, from, to time.Time) (int64, error) {
	if m.SumUsageFunc != nil {
		return m.SumUsageFunc(ctx, subscriptionID, eventType, from, to)
	}
	return 0, nil
}

func (m *MockService) UpsertProcessorInvoice(ctx context.Context, snap *ProcessorInvoice) (*Invoice, error) {
	if m.UpsertProcessorInvoiceFunc != nil {
		return m.UpsertProcessorInvoiceFunc(ctx, snap)
	}
	return &Invoice{ProcessorInvoiceID: snap.ProcessorID, Status: snap.Status}, nil
}

func (m *MockService) GetInvoiceByProcessorID(ctx context.Context, processorID string) (*Invoice, error) {
	if m.GetInvoiceByProcessorIDFunc != nil {
		return m.GetInvoiceByProcessorIDFunc(ctx, processorID)
	}
	return &Invoice{ProcessorInvoiceID: processorID}, nil
}

func (m *MockService) ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*Invoice, error) {
	if m.ListInvoicesFunc != nil {
		return m.ListInvoicesFunc(ctx, tenantID, limit)
	}
	return nil, nil
}

func (m *MockService) ListOverdueInvoices(ctx context.Context, asOf time.Time) ([]*Invoice, error) {
	if m.ListOverdueInvoicesFunc != nil {
		return m.ListOverdueInvoicesFunc(ctx, asOf)
	}
	return nil, nil
}
