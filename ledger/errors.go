/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Client errors - insufficient credits, invalid amounts
  2. Operational errors - ledger fragmentation (too many small grants)
  3. Store errors - duplicate keys, conditional-update conflicts

RETRY SEMANTICS:
  The engine never retries internally; a failed consumption rolled back
  cleanly and retrying is the caller's decision. IsRetryable distinguishes
  conflicts worth retrying from genuine shortfalls.

SEE ALSO:
  - engine.go: Produces these errors
  - store/sqlite: Maps database errors onto the sentinels
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a consumption exceeds the
	// user's spendable balance. The ledger is left unchanged.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrLedgerFragmentation is returned when a consumption would have to
	// page through more grants than the configured cap. Recoverable by
	// operator consolidation of small grants.
	ErrLedgerFragmentation = errors.New("ledger fragmentation limit exceeded")

	// ErrInvalidAmount is returned for non-positive consume amounts.
	// This is a programmer error, not a balance problem.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDuplicateTransactionNo is returned when an entry with the same
	// transaction number already exists. Expected behavior for retried
	// idempotent writes.
	ErrDuplicateTransactionNo = errors.New("duplicate transaction number")

	// ErrConcurrentModification is returned when a conditional decrement
	// finds the row changed underneath it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	UserID    string
	Available int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// FragmentationError reports that the consumption walk hit its work cap
// before the requested amount was fully drawn.
type FragmentationError struct {
	UserID         string
	Requested      int64
	EntriesTouched int
	MaxEntries     int
}

func (e *FragmentationError) Error() string {
	return fmt.Sprintf("ledger too fragmented for user %s: touched %d grants (cap %d) consuming %d",
		e.UserID, e.EntriesTouched, e.MaxEntries, e.Requested)
}

func (e *FragmentationError) Unwrap() error {
	return ErrLedgerFragmentation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's input or
// balance rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicateTransactionNo)
}
