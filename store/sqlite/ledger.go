package sqlite

import (
	"context"
	"fmt"

	"github.com/warp/billing-engine/domain"
)

func (s *Store) AccountIDsByCode(ctx context.Context) (map[string]domain.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT code, id FROM accounts`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query accounts: %w", err))
	}
	defer rows.Close()

	out := make(map[string]domain.AccountID)
	for rows.Next() {
		var (
			code string
			id   domain.AccountID
		)
		if err := rows.Scan(&code, &id); err != nil {
			return nil, err
		}
		out[code] = id
	}
	return out, rows.Err()
}

func (s *Store) SaveAccount(ctx context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, code, name) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET id = excluded.id, name = excluded.name`,
		a.ID, a.Code, a.Name,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save account: %w", err))
	}
	return nil
}

// AppendJournal writes the header and its lines in one transaction.
func (s *Store) AppendJournal(ctx context.Context, entry domain.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := insertJournal(ctx, tx, entry); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit journal entry: %w", err))
	}
	return nil
}

func insertJournal(ctx context.Context, tx execer, entry domain.JournalEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO journal_entries (id, date, description, reference, source_module, status, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Date), entry.Description, entry.Reference, entry.SourceModule,
		entry.Status, entry.TotalAmount.String(), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}

	for i, l := range entry.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO journal_lines (id, entry_id, position, account_id, debit, credit, description)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.ID, entry.ID, i, l.AccountID, l.Debit.String(), l.Credit.String(), l.Description,
		)
		if err != nil {
			return fmt.Errorf("failed to insert journal line %d: %w", i, err)
		}
	}
	return nil
}

// JournalEntries returns entries with the given reference in posting order.
// An empty reference returns every entry.
func (s *Store) JournalEntries(ctx context.Context, reference string) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, date, description, reference, source_module, status, total_amount, created_at
		FROM journal_entries`
	var args []any
	if reference != "" {
		query += ` WHERE reference = ?`
		args = append(args, reference)
	}
	query += ` ORDER BY created_at, id`

	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[domain.JournalEntryID]int, len(entries))
	for i, e := range entries {
		byID[e.ID] = i
	}

	lineQuery := `SELECT l.id, l.entry_id, l.account_id, l.debit, l.credit, l.description
		FROM journal_lines l JOIN journal_entries e ON e.id = l.entry_id`
	if reference != "" {
		lineQuery += ` WHERE e.reference = ?`
	}
	lineQuery += ` ORDER BY l.entry_id, l.position`

	rows, err := s.db.QueryContext(ctx, lineQuery, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query journal lines: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l             domain.JournalLine
			debit, credit string
		)
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &debit, &credit, &l.Description); err != nil {
			return nil, err
		}
		if l.Debit, err = parseDecimal(debit); err != nil {
			return nil, err
		}
		if l.Credit, err = parseDecimal(credit); err != nil {
			return nil, err
		}
		if i, ok := byID[l.EntryID]; ok {
			entries[i].Lines = append(entries[i].Lines, l)
		}
	}
	return entries, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]domain.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query journal entries: %w", err))
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var (
			e                   domain.JournalEntry
			date, total, posted string
		)
		if err := rows.Scan(&e.ID, &date, &e.Description, &e.Reference, &e.SourceModule, &e.Status,
			&total, &posted); err != nil {
			return nil, err
		}
		if e.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		if e.TotalAmount, err = parseDecimal(total); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(posted); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
