/*
Package ledger provides the prepaid credit ledger engine.

PURPOSE:
  This package contains the core accounting logic for per-user prepaid
  credits: granting spendable credits, computing balances, and atomically
  consuming credits FIFO-by-expiry to pay for metered operations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: A single ledger row, either a GRANT or a CONSUME
  - Draw: One line of the consumption audit trail (which grant funded it)
  - Scene: Informational purpose tag (payment, subscription, gift, ...)
  - Status: Soft lifecycle (active, expired, deleted)

DESIGN PRINCIPLES:
  1. All-or-nothing: A consumption either fully succeeds or writes nothing
  2. Auditability: Every CONSUME records exactly which grants funded it
  3. Idempotency: TransactionNo is globally unique and doubles as an
     idempotency token for deterministic keys (e.g. the signup bonus)
  4. Integer credits: Credits are a unitless int64 counter; the store
     decrements them with relative in-place updates, never overwrites

SEE ALSO:
  - engine.go: Grant issuer, FIFO consumption engine, balance calculator
  - store.go: Persistence interface
  - expiry.go: Expiration policy calculator
*/
package ledger

import "time"

// =============================================================================
// TRANSACTION TYPE / SCENE / STATUS
// =============================================================================

// TransactionType distinguishes credit additions from withdrawals.
type TransactionType string

const (
	TypeGrant   TransactionType = "GRANT"
	TypeConsume TransactionType = "CONSUME"
)

// Scene tags the business reason for an entry. It is informational only:
// consumption order never depends on the scene.
type Scene string

const (
	ScenePayment      Scene = "PAYMENT"
	SceneSubscription Scene = "SUBSCRIPTION"
	SceneRenewal      Scene = "RENEWAL"
	SceneGift         Scene = "GIFT"
	SceneReward       Scene = "REWARD"
)

// Status is the soft lifecycle of an entry. Non-ACTIVE entries are excluded
// from balance calculation and consumption.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusDeleted Status = "DELETED"
)

// =============================================================================
// USER
// =============================================================================

// User identifies the owning subject of ledger entries.
type User struct {
	ID    string
	Email string
}

// =============================================================================
// ENTRY - A single ledger row
// =============================================================================

// Entry is one row of the credit ledger.
//
// INVARIANTS:
//   - GRANT: Credits > 0 and 0 <= RemainingCredits <= Credits
//   - CONSUME: Credits < 0 and |Credits| == sum of ConsumedDetail amounts
//   - TransactionNo is unique across all entries
//
// After creation only RemainingCredits (on grants, via consumption) and
// Status mutate. CONSUME entries are immutable.
type Entry struct {
	ID            string
	TransactionNo string
	UserID        string
	UserEmail     string
	Type          TransactionType
	Scene         Scene

	// Signed amount: positive for GRANT, negative for CONSUME.
	Credits int64

	// Meaningful only on GRANT entries. Starts equal to Credits and
	// monotonically decreases toward zero as consumptions draw it down.
	RemainingCredits int64

	Status    Status
	ExpiresAt *time.Time // nil = never expires

	// On CONSUME entries only: ordered audit of every grant drawn from.
	ConsumedDetail []Draw

	// Present only on the first-login bonus entry; kept for audit and
	// IP-velocity queries.
	SignupIP     string
	ClaimIP      string
	ClaimCountry string

	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// IsExpired reports whether the entry's expiry has passed at the given time.
// Entries with no expiry never expire.
func (e Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Spendable reports whether a grant can still fund consumption at the given
// time. This is the single eligibility rule shared by the balance calculator
// and the consumption engine.
func (e Entry) Spendable(now time.Time) bool {
	return e.Type == TypeGrant &&
		e.Status == StatusActive &&
		e.RemainingCredits > 0 &&
		!e.IsExpired(now)
}

// =============================================================================
// BONUS TRANSACTION NUMBER
// =============================================================================

// BonusTransactionNoPrefix marks first-login bonus entries. Stores use it
// for IP-velocity counting; the bonus gate uses it for idempotency.
const BonusTransactionNoPrefix = "first_login:"

// BonusTransactionNo derives the deterministic idempotency token for a
// user's one-time signup bonus.
func BonusTransactionNo(userID string) string {
	return BonusTransactionNoPrefix + userID
}

// =============================================================================
// DRAW - One line of a consumption audit trail
// =============================================================================

// Draw records how much one consumption took from one grant.
type Draw struct {
	EntryID       string `json:"entry_id"`
	TransactionNo string `json:"transaction_no"`
	Amount        int64  `json:"amount"`
	Before        int64  `json:"before"`
	After         int64  `json:"after"`
}

// =============================================================================
// GRANT INPUT
// =============================================================================

// GrantInput describes a grant to issue. ValidDays and PeriodEnd feed the
// expiration policy calculator; TransactionNo may be supplied by callers
// that need a deterministic idempotency key, otherwise a fresh one is
// generated.
type GrantInput struct {
	User        User
	Credits     int64
	Scene       Scene
	Description string

	// Expiry inputs. PeriodEnd wins when set: subscription credits never
	// outlive the billing period.
	ValidDays int
	PeriodEnd *time.Time

	// Optional deterministic idempotency key.
	TransactionNo string

	// Audit fields for the first-login bonus.
	SignupIP     string
	ClaimIP      string
	ClaimCountry string

	Metadata map[string]string
}
