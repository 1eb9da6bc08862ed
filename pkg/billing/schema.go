package billing

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the billing tables if they do not exist. It is safe to
// call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			currency VARCHAR(3) NOT NULL DEFAULT 'usd',
			interval VARCHAR(10) NOT NULL DEFAULT 'month',
			features JSONB NOT NULL DEFAULT '{}',
			limits JSONB NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT true,
			public BOOLEAN NOT NULL DEFAULT true,
			processor_product_id VARCHAR(255) NOT NULL DEFAULT '',
			processor_price_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plans_processor_price_id ON plans(processor_price_id) WHERE processor_price_id != ''`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id BIGSERIAL PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			plan_id BIGINT NOT NULL REFERENCES plans(id),
			processor_customer_id VARCHAR(255) NOT NULL DEFAULT '',
			processor_subscription_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'incomplete',
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			trial_start TIMESTAMPTZ,
			trial_end TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
			canceled_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant_id ON subscriptions(tenant_id) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_processor_id ON subscriptions(processor_subscription_id) WHERE processor_subscription_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status) WHERE deleted_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS entitlements (
			id BIGSERIAL PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
			feature VARCHAR(255) NOT NULL,
			limit_value BIGINT,
			used BIGINT NOT NULL DEFAULT 0,
			reset_frequency VARCHAR(20) NOT NULL DEFAULT 'monthly',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (subscription_id, feature)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_tenant_id ON entitlements(tenant_id)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			id BIGSERIAL PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
			event_type VARCHAR(255) NOT NULL,
			quantity BIGINT NOT NULL DEFAULT 1,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_sub_type_time ON usage_events(subscription_id, event_type, created_at)`,

		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			subscription_id BIGINT REFERENCES subscriptions(id),
			processor_invoice_id VARCHAR(255) NOT NULL UNIQUE,
			amount_total NUMERIC(12,2) NOT NULL DEFAULT 0,
			amount_paid NUMERIC(12,2) NOT NULL DEFAULT 0,
			currency VARCHAR(3) NOT NULL DEFAULT 'usd',
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			due_date TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			hosted_invoice_url TEXT NOT NULL DEFAULT '',
			invoice_pdf_url TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_tenant_id ON invoices(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_status_due ON invoices(status, due_date)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure billing schema: %w", err)
		}
	}
	return nil
}
