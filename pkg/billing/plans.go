package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const planColumns = `id, name, description, price, currency, interval, features, limits,
	       active, public, processor_product_id, processor_price_id, created_at, updated_at`

// CreatePlan inserts a new plan into the catalog
func (s *PostgresService) CreatePlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if plan.Name == "" {
		return nil, NewValidationError("name", "plan name is required")
	}
	if plan.Price.IsNegative() {
		return nil, NewValidationError("price", "plan price cannot be negative")
	}
	if plan.Currency == "" {
		plan.Currency = "usd"
	}
	if plan.Interval == "" {
		plan.Interval = IntervalMonth
	}

	featuresJSON, err := json.Marshal(orEmptyFeatures(plan.Features))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}
	limitsJSON, err := json.Marshal(orEmptyLimits(plan.Limits))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal limits: %w", err)
	}

	query := `
		INSERT INTO plans (name, description, price, currency, interval, features, limits,
		                   active, public, processor_product_id, processor_price_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, plan.Name, plan.Description, plan.Price,
		plan.Currency, plan.Interval, featuresJSON, limitsJSON, plan.Active, plan.Public,
		plan.ProcessorProductID, plan.ProcessorPriceID).
		Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return plan, nil
}

// GetPlan retrieves a plan by ID
func (s *PostgresService) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	return s.scanPlanRow(s.db.QueryRowContext(ctx, query, id), "plan", id)
}

// GetPlanByPriceID retrieves the plan mapped to a processor price ID
func (s *PostgresService) GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE processor_price_id = $1`
	return s.scanPlanRow(s.db.QueryRowContext(ctx, query, priceID), "plan for price", priceID)
}

// GetFreePlan retrieves the active zero-price plan used for trial downgrades.
// Returns NotFoundError when the catalog carries no free tier.
func (s *PostgresService) GetFreePlan(ctx context.Context) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE price = 0 AND active = true ORDER BY id LIMIT 1`
	return s.scanPlanRow(s.db.QueryRowContext(ctx, query), "free plan", "catalog")
}

// ListPlans lists plans in the catalog, optionally restricted to public ones
func (s *PostgresService) ListPlans(ctx context.Context, publicOnly bool) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE active = true`
	if publicOnly {
		query += ` AND public = true`
	}
	query += ` ORDER BY price ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresService) scanPlanRow(row *sql.Row, resource string, id any) (*Plan, error) {
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(resource, id)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func scanPlan(row rowScanner) (*Plan, error) {
	plan := &Plan{}
	var featuresJSON, limitsJSON []byte
	err := row.Scan(
		&plan.ID, &plan.Name, &plan.Description, &plan.Price, &plan.Currency,
		&plan.Interval, &featuresJSON, &limitsJSON, &plan.Active, &plan.Public,
		&plan.ProcessorProductID, &plan.ProcessorPriceID, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &plan.Features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan features: %w", err)
		}
	}
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &plan.Limits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan limits: %w", err)
		}
	}
	return plan, nil
}

func orEmptyFeatures(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func orEmptyLimits(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

// DefaultCatalog returns the seed plan catalog. SeedDefaultPlans inserts any
// of these that are missing by name; existing rows are left untouched.
func DefaultCatalog() []*Plan {
	return []*Plan{
		{
			Name:        "free",
			Description: "Free tier for evaluation",
			Price:       decimal.Zero,
			Currency:    "usd",
			Interval:    IntervalMonth,
			Features:    map[string]bool{"api_access": true},
			Limits: map[string]int64{
				"api_requests_per_month": 1000,
				"seats":                  1,
			},
			Active: true,
			Public: true,
		},
		{
			Name:        "starter",
			Description: "For small teams",
			Price:       decimal.NewFromInt(29),
			Currency:    "usd",
			Interval:    IntervalMonth,
			Features:    map[string]bool{"api_access": true, "email_support": true},
			Limits: map[string]int64{
				"api_requests_per_month": 50000,
				"seats":                  5,
			},
			Active: true,
			Public: true,
		},
		{
			Name:        "pro",
			Description: "For growing businesses",
			Price:       decimal.NewFromInt(99),
			Currency:    "usd",
			Interval:    IntervalMonth,
			Features:    map[string]bool{"api_access": true, "email_support": true, "sso": true},
			Limits: map[string]int64{
				"api_requests_per_month": 500000,
				"seats":                  25,
			},
			Active: true,
			Public: true,
		},
		{
			Name:        "enterprise",
			Description: "Custom limits and support",
			Price:       decimal.NewFromInt(499),
			Currency:    "usd",
			Interval:    IntervalMonth,
			Features:    map[string]bool{"api_access": true, "email_support": true, "sso": true, "audit_log": true},
			Limits: map[string]int64{
				"api_requests_per_month": UnlimitedQuota,
				"seats":                  UnlimitedQuota,
			},
			Active: true,
			Public: false,
		},
	}
}

// SeedDefaultPlans inserts the default catalog entries that are missing.
func (s *PostgresService) SeedDefaultPlans(ctx context.Context) error {
	for _, plan := range DefaultCatalog() {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM plans WHERE name = $1)`, plan.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check plan %s: %w", plan.Name, err)
		}
		if exists {
			continue
		}
		if _, err := s.CreatePlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", plan.Name, err)
		}
	}
	return nil
}
