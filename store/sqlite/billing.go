package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/billing-engine/domain"
)

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `id, idempotency_key, period_key, member_id, agent_id, amount, status,
	rule_applied, payment_reference, paid_at, created_at`

func (s *Store) CommissionExists(ctx context.Context, key string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM commissions WHERE idempotency_key = ?`, key)
}

func (s *Store) CreateCommission(ctx context.Context, c domain.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.IdempotencyKey, c.PeriodKey, c.MemberID, c.AgentID, c.Amount.String(), c.Status,
		c.RuleApplied, nullString(c.PaymentReference), formatTimePtr(c.PaidAt), formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return classify(fmt.Errorf("failed to create commission: %w", err))
	}
	return nil
}

func (s *Store) GetCommission(ctx context.Context, id domain.CommissionID) (*domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanCommission(s.db.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCommissionNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

// UpdateCommission writes the mutable fields (status and payment details)
// while the stored status is still prev.
func (s *Store) UpdateCommission(ctx context.Context, c domain.Commission, prev domain.CommissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE commissions SET status = ?, payment_reference = ?, paid_at = ?
		WHERE id = ? AND status = ?`,
		c.Status, nullString(c.PaymentReference), formatTimePtr(c.PaidAt), c.ID, prev,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update commission: %w", err))
	}
	return s.requireMatch(ctx, res, `SELECT COUNT(*) FROM commissions WHERE id = ?`, c.ID, domain.ErrCommissionNotFound)
}

func (s *Store) ListCommissions(ctx context.Context, periodKey string) ([]domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + commissionColumns + ` FROM commissions`
	var args []any
	if periodKey != "" {
		query += ` WHERE period_key = ?`
		args = append(args, periodKey)
	}
	query += ` ORDER BY idempotency_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query commissions: %w", err))
	}
	defer rows.Close()

	var out []domain.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCommission(row scanner) (domain.Commission, error) {
	var (
		c                 domain.Commission
		amount, createdAt string
		paymentRef, paid  sql.NullString
	)
	if err := row.Scan(&c.ID, &c.IdempotencyKey, &c.PeriodKey, &c.MemberID, &c.AgentID, &amount, &c.Status,
		&c.RuleApplied, &paymentRef, &paid, &createdAt); err != nil {
		return c, err
	}

	var err error
	if c.Amount, err = parseDecimal(amount); err != nil {
		return c, err
	}
	if c.PaidAt, err = parseTimePtr(paid); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	c.PaymentReference = paymentRef.String
	return c, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, payer_id, member_id, period_key, total_amount, paid_amount, status,
	due_date, billing_run_id, created_at`

func (s *Store) InvoiceExists(ctx context.Context, payerID domain.PayerID, periodKey string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM invoices WHERE payer_id = ? AND period_key = ?`, payerID, periodKey)
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var memberID sql.NullString
	if inv.MemberID != nil {
		memberID = nullString(string(*inv.MemberID))
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.PayerID, memberID, inv.PeriodKey, inv.TotalAmount.String(), inv.PaidAmount.String(),
		inv.Status, formatTime(inv.DueDate), inv.BillingRunID, formatTime(inv.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return domain.ErrDuplicateInvoice
		}
		return classify(fmt.Errorf("failed to create invoice: %w", err))
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id domain.InvoiceID) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &inv, nil
}

// UpdateInvoice writes the mutable fields (paid amount and status) while the
// stored paid amount and status still equal prev's. Amounts are stored in
// decimal's canonical String form, so text equality is exact.
func (s *Store) UpdateInvoice(ctx context.Context, inv domain.Invoice, prev domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET paid_amount = ?, status = ?
		WHERE id = ? AND paid_amount = ? AND status = ?`,
		inv.PaidAmount.String(), inv.Status, inv.ID, prev.PaidAmount.String(), prev.Status)
	if err != nil {
		return classify(fmt.Errorf("failed to update invoice: %w", err))
	}
	return s.requireMatch(ctx, res, `SELECT COUNT(*) FROM invoices WHERE id = ?`, inv.ID, domain.ErrInvoiceNotFound)
}

func (s *Store) ListInvoices(ctx context.Context, periodKey string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if periodKey != "" {
		query += ` WHERE period_key = ?`
		args = append(args, periodKey)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query invoices: %w", err))
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row scanner) (domain.Invoice, error) {
	var (
		inv                       domain.Invoice
		memberID                  sql.NullString
		total, paid, due, created string
	)
	if err := row.Scan(&inv.ID, &inv.PayerID, &memberID, &inv.PeriodKey, &total, &paid, &inv.Status,
		&due, &inv.BillingRunID, &created); err != nil {
		return inv, err
	}

	var err error
	if inv.TotalAmount, err = parseDecimal(total); err != nil {
		return inv, err
	}
	if inv.PaidAmount, err = parseDecimal(paid); err != nil {
		return inv, err
	}
	if inv.DueDate, err = parseTime(due); err != nil {
		return inv, err
	}
	if inv.CreatedAt, err = parseTime(created); err != nil {
		return inv, err
	}
	if memberID.Valid {
		id := domain.MemberID(memberID.String)
		inv.MemberID = &id
	}
	return inv, nil
}

// requireMatch tells a missing row from one whose guard no longer matches.
// Callers hold s.mu.
func (s *Store) requireMatch(ctx context.Context, res sql.Result, countQuery string, id any, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, countQuery, id).Scan(&count); err != nil {
		return classify(err)
	}
	if count == 0 {
		return notFound
	}
	return domain.ErrStaleUpdate
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
