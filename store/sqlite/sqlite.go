/*
Package sqlite provides a SQLite-backed implementation of domain.Store.

PURPOSE:
  Production persistence for the engine. Every idempotency rule the engine
  relies on is enforced by the schema, not only by lookups:

  Table          Constraint                                  Error
  -------------  ------------------------------------------  --------------------------
  commissions    UNIQUE(idempotency_key)                     ErrDuplicateIdempotencyKey
  invoices       UNIQUE(payer_id, period_key)                ErrDuplicateInvoice
  billing_runs   UNIQUE(period_key, strategy) WHERE Pending  ErrRunInProgress
  monthly_runs   UNIQUE(run_type, period_key) WHERE Process  ErrRunInProgress

SCHEMA:
  Versioned migrations live in migrations/*.sql and are embedded into the
  binary. New applies every pending migration with sql-migrate.

ENCODING:
  - Money and rates are TEXT holding decimal strings (no float rounding)
  - Dates and timestamps are RFC 3339 TEXT in UTC
  - Nested values (dependants, agent ids, run logs, run summaries) are
    JSON columns

AVAILABILITY:
  "no such table" and closed-connection failures are wrapped with
  domain.ErrStoreUnavailable so the billing engine can apply its fallback
  policy.

CONCURRENCY:
  Writes take s.mu. ":memory:" databases are pinned to a single connection
  because each SQLite connection would otherwise see its own empty database.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - domain/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements domain.Store using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log logger.Logger
}

var _ domain.Store = (*Store)(nil)

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	log := logger.New("sqlite").Function("New")

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, log.Err("failed to open database", err, "path", dbPath)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, log: logger.New("sqlite")}
	applied, err := store.Migrate()
	if err != nil {
		db.Close()
		return nil, log.Err("failed to migrate database", err, "path", dbPath)
	}

	log.Info("database ready", "path", dbPath, "migrationsApplied", applied)
	return store, nil
}

// Migrate applies every pending embedded migration and returns how many ran.
func (s *Store) Migrate() (int, error) {
	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations,
		Root:       "migrations",
	}
	return migrate.Exec(s.db, "sqlite3", source, migrate.Up)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset deletes every row. Used by the demo loader and tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"journal_lines", "journal_entries", "accounts",
		"monthly_runs", "invoices", "billing_runs", "commissions",
		"commission_rules", "members", "agents", "premium_payers", "policies",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return classify(fmt.Errorf("failed to reset %s: %w", t, err))
		}
	}
	return nil
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// classify wraps infrastructure failures with domain.ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "database is closed") {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}
