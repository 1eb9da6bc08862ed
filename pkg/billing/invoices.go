package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const invoiceColumns = `id, tenant_id, subscription_id, processor_invoice_id, amount_total, amount_paid,
	       currency, status, due_date, paid_at, hosted_invoice_url, invoice_pdf_url,
	       metadata, created_at, updated_at`

// UpsertProcessorInvoice mirrors a processor invoice locally, keyed by the
// processor invoice ID. Redelivered or reordered events converge because the
// processor's field values are adopted wholesale each time.
func (s *PostgresService) UpsertProcessorInvoice(ctx context.Context, snap *ProcessorInvoice) (*Invoice, error) {
	if snap.ProcessorID == "" {
		return nil, NewValidationError("processor_id", "processor invoice id is required")
	}

	var subID *int64
	var tenantID int64
	if snap.ProcessorSubscriptionID != "" {
		sub, err := s.GetSubscriptionByProcessorID(ctx, snap.ProcessorSubscriptionID)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		if sub != nil {
			subID = &sub.ID
			tenantID = sub.TenantID
		}
	}

	metadataJSON, err := marshalMetadata(nil)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO invoices (tenant_id, subscription_id, processor_invoice_id, amount_total, amount_paid,
		                      currency, status, due_date, paid_at, hosted_invoice_url, invoice_pdf_url, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (processor_invoice_id) DO UPDATE
		SET amount_total = EXCLUDED.amount_total, amount_paid = EXCLUDED.amount_paid,
		    status = EXCLUDED.status, due_date = EXCLUDED.due_date, paid_at = EXCLUDED.paid_at,
		    hosted_invoice_url = EXCLUDED.hosted_invoice_url, invoice_pdf_url = EXCLUDED.invoice_pdf_url,
		    subscription_id = COALESCE(EXCLUDED.subscription_id, invoices.subscription_id),
		    updated_at = NOW()
		RETURNING ` + invoiceColumns + `
	`
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, query, tenantID, subID, snap.ProcessorID,
		MinorToDecimal(snap.AmountTotal), MinorToDecimal(snap.AmountPaid), snap.Currency,
		snap.Status, snap.DueDate, snap.PaidAt, snap.HostedInvoiceURL, snap.InvoicePDFURL, metadataJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return invoice, nil
}

// GetInvoiceByProcessorID retrieves the local mirror of a processor invoice
func (s *PostgresService) GetInvoiceByProcessorID(ctx context.Context, processorID string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE processor_invoice_id = $1`
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, query, processorID))
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("invoice", processorID)
	}
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// ListInvoices lists a tenant's invoices, newest first
func (s *PostgresService) ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ListOverdueInvoices lists open invoices whose due date has passed as of asOf
func (s *PostgresService) ListOverdueInvoices(ctx context.Context, asOf time.Time) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE status = $1 AND due_date IS NOT NULL AND due_date < $2
		ORDER BY due_date ASC`
	rows, err := s.db.QueryContext(ctx, query, InvoiceStatusOpen, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

func collectInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var invoices []*Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}
	return invoices, rows.Err()
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	invoice := &Invoice{}
	var metadataJSON []byte
	err := row.Scan(
		&invoice.ID, &invoice.TenantID, &invoice.SubscriptionID, &invoice.ProcessorInvoiceID,
		&invoice.AmountTotal, &invoice.AmountPaid, &invoice.Currency, &invoice.Status,
		&invoice.DueDate, &invoice.PaidAt, &invoice.HostedInvoiceURL, &invoice.InvoicePDFURL,
		&metadataJSON, &invoice.CreatedAt, &invoice.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	if err := unmarshalMetadata(metadataJSON, &invoice.Metadata); err != nil {
		return nil, err
	}
	return invoice, nil
}
