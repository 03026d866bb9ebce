/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Idempotency - duplicate keys, already-completed runs (no-op signals)
  2. Validation - unbalanced journals, illegal state transitions
  3. Configuration - unconfigured chart-of-accounts codes
  4. Infrastructure - store unreachable or schema missing

USAGE:
  if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
      // already processed, skip
  }

SEE ALSO:
  - ledger/poster.go: Returns UnbalancedJournalError
  - billing/engine.go: Downgrades ErrStoreUnavailable under the simulate policy
  - api/handlers.go: Maps errors to HTTP status codes
*/
package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a row with the same
	// idempotency key already exists. Callers treat it as "already done".
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateInvoice is returned when an invoice already exists for (payer, period).
	ErrDuplicateInvoice = errors.New("invoice already exists for payer and period")

	// ErrRunAlreadyCompleted is returned when a completed run exists for the period.
	ErrRunAlreadyCompleted = errors.New("run already completed for period")

	// ErrRunInProgress is returned when another run for the same key is still in flight.
	ErrRunInProgress = errors.New("run already in progress for period")

	// ErrUnbalancedJournal is returned when debits and credits differ beyond Tolerance.
	ErrUnbalancedJournal = errors.New("journal entry is not balanced")

	// ErrEmptyJournal is returned when a journal entry has no lines.
	ErrEmptyJournal = errors.New("journal entry has no lines")

	// ErrInvalidJournalLine is returned for negative amounts or lines that
	// carry both (or neither) a debit and a credit.
	ErrInvalidJournalLine = errors.New("invalid journal line")

	// ErrAccountsNotConfigured is returned when a required account code is missing.
	ErrAccountsNotConfigured = errors.New("account codes not configured")

	// ErrInvalidTransition is returned when a status change breaks the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidPeriod is returned for malformed period keys.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidPayment is returned for non-positive payments or overpayments.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrStaleUpdate is returned when a conditional update finds the row
	// changed since it was read.
	ErrStaleUpdate = errors.New("row changed since it was read")

	// ErrStoreUnavailable is returned when the persistence layer cannot be reached
	// or its schema is missing.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrCommissionNotFound = errors.New("commission not found")
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrRunNotFound        = errors.New("run not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnbalancedJournalError reports the totals of a rejected journal entry.
type UnbalancedJournalError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *UnbalancedJournalError) Error() string {
	return fmt.Sprintf("journal entry is not balanced: debit %s, credit %s",
		e.Debit.StringFixed(2), e.Credit.StringFixed(2))
}

func (e *UnbalancedJournalError) Unwrap() error { return ErrUnbalancedJournal }

// TransitionError reports an illegal status change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// MissingAccountsError lists the account codes that could not be resolved.
type MissingAccountsError struct {
	Codes []string
}

func (e *MissingAccountsError) Error() string {
	return fmt.Sprintf("account codes not configured: %v", e.Codes)
}

func (e *MissingAccountsError) Unwrap() error { return ErrAccountsNotConfigured }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCommissionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrRunNotFound)
}

// IsConflict returns true for idempotency and concurrency conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateInvoice) ||
		errors.Is(err, ErrRunAlreadyCompleted) ||
		errors.Is(err, ErrRunInProgress) ||
		errors.Is(err, ErrStaleUpdate)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnbalancedJournal) ||
		errors.Is(err, ErrEmptyJournal) ||
		errors.Is(err, ErrInvalidJournalLine) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidPayment)
}

// IsUnavailable returns true when the store could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
