package billing

import (
	"context"
	"database/sql"
	"fmt"
)

const entitlementColumns = `id, tenant_id, subscription_id, feature, limit_value, used, reset_frequency, created_at, updated_at`

// GetEntitlements lists all entitlements for a subscription
func (s *PostgresService) GetEntitlements(ctx context.Context, subscriptionID int64) ([]*Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE subscription_id = $1 ORDER BY feature`
	rows, err := s.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var ents []*Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
	return ents, rows.Err()
}

// GetEntitlement retrieves the entitlement for one feature of a subscription
func (s *PostgresService) GetEntitlement(ctx context.Context, subscriptionID int64, feature string) (*Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE subscription_id = $1 AND feature = $2`
	ent, err := scanEntitlement(s.db.QueryRowContext(ctx, query, subscriptionID, feature))
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("entitlement", fmt.Sprintf("%d/%s", subscriptionID, feature))
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// ReplaceEntitlementsForPlan rebuilds the subscription's entitlement set from
// the plan's limits map. Usage counters start at zero for the new set; the
// usage event log is untouched and remains the historical record.
func (s *PostgresService) ReplaceEntitlementsForPlan(ctx context.Context, subscriptionID int64, plan *Plan) error {
	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entitlements WHERE subscription_id = $1`, subscriptionID); err != nil {
		return fmt.Errorf("failed to clear entitlements: %w", err)
	}

	insert := `
		INSERT INTO entitlements (tenant_id, subscription_id, feature, limit_value, used, reset_frequency)
		VALUES ($1, $2, $3, $4, 0, $5)
	`
	for feature, limit := range plan.Limits {
		limit := limit
		if _, err := tx.ExecContext(ctx, insert, sub.TenantID, subscriptionID, feature, &limit, ResetMonthly); err != nil {
			return fmt.Errorf("failed to create entitlement for %s: %w", feature, err)
		}
	}
	for feature, enabled := range plan.Features {
		if !enabled {
			continue
		}
		if _, ok := plan.Limits[feature]; ok {
			continue
		}
		// Boolean feature, no numeric cap.
		if _, err := tx.ExecContext(ctx, insert, sub.TenantID, subscriptionID, feature, nil, ResetNever); err != nil {
			return fmt.Errorf("failed to create entitlement for %s: %w", feature, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entitlements: %w", err)
	}
	return nil
}

// SetEntitlementUsed overwrites the cached usage counter for a feature. Used
// by reconciliation to heal drift against the usage event log.
func (s *PostgresService) SetEntitlementUsed(ctx context.Context, subscriptionID int64, feature string, used int64) error {
	query := `UPDATE entitlements SET used = $1, updated_at = NOW() WHERE subscription_id = $2 AND feature = $3`
	res, err := s.db.ExecContext(ctx, query, used, subscriptionID, feature)
	if err != nil {
		return fmt.Errorf("failed to set entitlement usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewNotFoundError("entitlement", fmt.Sprintf("%d/%s", subscriptionID, feature))
	}
	return nil
}

func scanEntitlement(row rowScanner) (*Entitlement, error) {
	ent := &Entitlement{}
	var limit sql.NullInt64
	err := row.Scan(
		&ent.ID, &ent.TenantID, &ent.SubscriptionID, &ent.Feature, &limit,
		&ent.Used, &ent.ResetFrequency, &ent.CreatedAt, &ent.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entitlement: %w", err)
	}
	if limit.Valid {
		ent.Limit = &limit.Int64
	}
	return ent, nil
}
