package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/billing-engine/domain"
)

// =============================================================================
// BILLING RUNS
// =============================================================================

const billingRunColumns = `id, period_key, run_date, strategy, status, invoice_count, total_amount,
	logs_json, simulated, created_at, completed_at`

func (s *Store) HasCompletedBillingRun(ctx context.Context, periodKey string, strategy domain.BillingStrategy) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM billing_runs WHERE period_key = ? AND strategy = ? AND status = ?`,
		periodKey, strategy, domain.RunCompleted)
}

func (s *Store) CreateBillingRun(ctx context.Context, run domain.BillingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, err := encodeJSON(logLines(run.Logs))
	if err != nil {
		return fmt.Errorf("failed to encode run logs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO billing_runs (`+billingRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PeriodKey, formatTime(run.RunDate), run.Strategy, run.Status, run.InvoiceCount,
		run.TotalAmount.String(), logs, run.Simulated, formatTime(run.CreatedAt), formatTimePtr(run.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("billing %s %s: %w", run.Strategy, run.PeriodKey, domain.ErrRunInProgress)
		}
		return classify(fmt.Errorf("failed to create billing run: %w", err))
	}
	return nil
}

func (s *Store) UpdateBillingRun(ctx context.Context, run domain.BillingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, err := encodeJSON(logLines(run.Logs))
	if err != nil {
		return fmt.Errorf("failed to encode run logs: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_runs
		SET status = ?, invoice_count = ?, total_amount = ?, logs_json = ?, simulated = ?, completed_at = ?
		WHERE id = ?`,
		run.Status, run.InvoiceCount, run.TotalAmount.String(), logs, run.Simulated,
		formatTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update billing run: %w", err))
	}
	return requireRow(res, domain.ErrRunNotFound)
}

// ListBillingRuns returns every run, newest first.
func (s *Store) ListBillingRuns(ctx context.Context) ([]domain.BillingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+billingRunColumns+` FROM billing_runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query billing runs: %w", err))
	}
	defer rows.Close()

	var out []domain.BillingRun
	for rows.Next() {
		var (
			r                        domain.BillingRun
			runDate, total, logs, at string
			completed                sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PeriodKey, &runDate, &r.Strategy, &r.Status, &r.InvoiceCount, &total,
			&logs, &r.Simulated, &at, &completed); err != nil {
			return nil, err
		}
		if r.RunDate, err = parseTime(runDate); err != nil {
			return nil, err
		}
		if r.TotalAmount, err = parseDecimal(total); err != nil {
			return nil, err
		}
		if err := decodeJSON(logs, &r.Logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs of run %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailStaleBillingRuns fails Pending runs for (period, strategy) created at or
// before cutoff, appending AbandonedRunReason to their logs.
func (s *Store) FailStaleBillingRuns(ctx context.Context, periodKey string, strategy domain.BillingStrategy, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type stale struct {
		id   domain.RunID
		logs []string
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, logs_json FROM billing_runs
		WHERE period_key = ? AND strategy = ? AND status = ?`,
		periodKey, strategy, domain.RunPending)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to query pending billing runs: %w", err))
	}
	var found []stale
	for rows.Next() {
		var (
			r         stale
			at, logs  string
			createdAt time.Time
		)
		if err := rows.Scan(&r.id, &at, &logs); err != nil {
			rows.Close()
			return 0, err
		}
		if createdAt, err = parseTime(at); err != nil {
			rows.Close()
			return 0, err
		}
		if createdAt.After(cutoff) {
			continue
		}
		if err := decodeJSON(logs, &r.logs); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to decode logs of run %s: %w", r.id, err)
		}
		found = append(found, r)
	}
	// Rows must be closed before the updates: in-memory databases have one connection.
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range found {
		logs, err := encodeJSON(append(r.logs, domain.AbandonedRunReason))
		if err != nil {
			return 0, fmt.Errorf("failed to encode run logs: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE billing_runs SET status = ?, logs_json = ?, completed_at = ? WHERE id = ? AND status = ?`,
			domain.RunFailed, logs, formatTime(now), r.id, domain.RunPending); err != nil {
			return 0, classify(fmt.Errorf("failed to fail stale billing run: %w", err))
		}
	}
	return len(found), nil
}

// logLines keeps an empty log as "[]" rather than "null".
func logLines(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}

// =============================================================================
// MONTHLY RUNS
// =============================================================================

const monthlyRunColumns = `id, run_type, period_key, scheduled_date, status, triggered_by, summary_json,
	started_at, completed_at`

func (s *Store) HasCompletedMonthlyRun(ctx context.Context, runType domain.RunType, periodKey string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM monthly_runs WHERE run_type = ? AND period_key = ? AND status = ?`,
		runType, periodKey, domain.RunCompleted)
}

func (s *Store) CreateMonthlyRun(ctx context.Context, run domain.MonthlyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := encodeJSON(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO monthly_runs (`+monthlyRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RunType, run.PeriodKey, formatTime(run.ScheduledDate), run.Status, run.TriggeredBy,
		summary, formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("monthly %s %s: %w", run.RunType, run.PeriodKey, domain.ErrRunInProgress)
		}
		return classify(fmt.Errorf("failed to create monthly run: %w", err))
	}
	return nil
}

func (s *Store) UpdateMonthlyRun(ctx context.Context, run domain.MonthlyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := encodeJSON(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE monthly_runs SET status = ?, summary_json = ?, completed_at = ? WHERE id = ?`,
		run.Status, summary, formatTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update monthly run: %w", err))
	}
	return requireRow(res, domain.ErrRunNotFound)
}

// FailStaleMonthlyRuns fails Processing runs for (type, period) started at or
// before cutoff, recording AbandonedRunReason as the summary error.
func (s *Store) FailStaleMonthlyRuns(ctx context.Context, runType domain.RunType, periodKey string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at FROM monthly_runs WHERE run_type = ? AND period_key = ? AND status = ?`,
		runType, periodKey, domain.RunProcessing)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to query processing monthly runs: %w", err))
	}
	var ids []domain.RunID
	for rows.Next() {
		var (
			id domain.RunID
			at string
		)
		if err := rows.Scan(&id, &at); err != nil {
			rows.Close()
			return 0, err
		}
		started, err := parseTime(at)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if !started.After(cutoff) {
			ids = append(ids, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	summary, err := encodeJSON(domain.RunSummary{Error: domain.AbandonedRunReason})
	if err != nil {
		return 0, fmt.Errorf("failed to encode run summary: %w", err)
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE monthly_runs SET status = ?, summary_json = ?, completed_at = ? WHERE id = ? AND status = ?`,
			domain.RunFailed, summary, formatTime(now), id, domain.RunProcessing); err != nil {
			return 0, classify(fmt.Errorf("failed to fail stale monthly run: %w", err))
		}
	}
	return len(ids), nil
}

// ListMonthlyRuns returns every run, newest first.
func (s *Store) ListMonthlyRuns(ctx context.Context) ([]domain.MonthlyRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+monthlyRunColumns+` FROM monthly_runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query monthly runs: %w", err))
	}
	defer rows.Close()

	var out []domain.MonthlyRun
	for rows.Next() {
		var (
			r                           domain.MonthlyRun
			scheduled, summary, started string
			completed                   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RunType, &r.PeriodKey, &scheduled, &r.Status, &r.TriggeredBy, &summary,
			&started, &completed); err != nil {
			return nil, err
		}
		if r.ScheduledDate, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if err := decodeJSON(summary, &r.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary of run %s: %w", r.ID, err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
