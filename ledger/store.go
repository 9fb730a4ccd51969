/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   Entry persistence and the queries the engine needs
  TxStore: Adds WithTx for atomic multi-write units of work

WRITE DISCIPLINE:
  Entries are inserted once. The ONLY mutations afterwards are:
  - DecrementRemaining: a conditional relative decrement on a grant's
    remaining credits. Relative (decrement-by-delta) so it composes with
    unrelated concurrent decrements; conditional (remaining >= delta) so a
    lost update surfaces as ErrConcurrentModification instead of a negative
    balance.
  - MarkExpired / SoftDelete: status transitions.

UNIT OF WORK:
  WithTx(fn) runs fn against a Store handle whose writes commit or roll
  back together. The consumption engine runs its whole walk inside one
  WithTx; callers composing larger atomic operations ("charge credits and
  create the billed resource") open their own WithTx and use the engine's
  *With variants with the inner handle. The handle is explicit, never
  ambient state.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - ledger/store: In-memory for testing/dev

SEE ALSO:
  - engine.go: The only writer of ledger rows
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Entry persistence
// =============================================================================

// Store handles persistence of ledger entries.
type Store interface {
	// Insert persists a new entry. Returns ErrDuplicateTransactionNo if the
	// transaction number already exists.
	Insert(ctx context.Context, e Entry) error

	// GetByTransactionNo returns the entry with the given transaction
	// number, or nil if none exists.
	GetByTransactionNo(ctx context.Context, transactionNo string) (*Entry, error)

	// SumRemaining sums remaining credits over the user's spendable grants
	// (ACTIVE, remaining > 0, unexpired at now). Returns 0 if none.
	SumRemaining(ctx context.Context, userID string, now time.Time) (int64, error)

	// SelectActiveGrants returns up to limit spendable grants for the user,
	// soonest-expiring first with never-expiring grants last. Inside a unit
	// of work the returned rows are held exclusively until commit.
	SelectActiveGrants(ctx context.Context, userID string, now time.Time, limit int) ([]Entry, error)

	// DecrementRemaining applies remaining_credits -= delta to a grant,
	// only if remaining_credits >= delta still holds. Returns
	// ErrConcurrentModification when the predicate fails.
	DecrementRemaining(ctx context.Context, entryID string, delta int64) error

	// CountBonusGrants counts first-login bonus entries created at or after
	// since whose signup IP or claim IP matches the given values. An empty
	// string disables that arm of the match.
	CountBonusGrants(ctx context.Context, signupIP, claimIP string, since time.Time) (int, error)

	// MarkExpired flips ACTIVE entries whose expiry has passed to EXPIRED.
	// Returns the number of entries transitioned. Lazy query-time filtering
	// remains authoritative; this is housekeeping.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)

	// SoftDelete transitions an entry to DELETED. Irreversible.
	SoftDelete(ctx context.Context, entryID string) error

	// Entries returns the user's most recent entries, newest first.
	Entries(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic units of work
// =============================================================================

// TxStore wraps Store with unit-of-work support.
type TxStore interface {
	Store

	// WithTx executes fn within one atomic unit of work.
	// If fn returns an error, every write is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
