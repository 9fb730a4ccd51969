/*
engine.go - Grant issuer, FIFO consumption engine, balance calculator

PURPOSE:
  The only writer of ledger rows. Grants create new GRANT entries;
  consumption atomically draws credits down across a user's grants,
  soonest-expiring first, and records one CONSUME entry with a full
  audit of which grants funded it.

CONSUMPTION ALGORITHM (one atomic unit of work):
  1. Sum spendable grants; fail InsufficientCredits if short, no writes.
  2. Page through spendable grants, soonest-expiring first with
     never-expiring grants last, so credits likely to expire unused are
     spent before credits with no deadline.
  3. Draw min(still-needed, grant.RemainingCredits) from each via a
     conditional relative decrement; append a Draw to the audit list.
  4. Stop when fully drawn or no eligible grants remain.
  5. Cap total work at MaxPages pages; exceeding it fails
     FragmentationError instead of scanning unbounded rows.
  6. A residual shortfall after exhausting eligible grants (a race that
     slipped past step 1) fails InsufficientCredits; the unit of work
     rolls back every decrement.
  7. Insert one CONSUME entry with credits = -amount and the audit list.

CONCURRENCY:
  Two concurrent consumptions for the same user cannot both observe
  sufficient balance and overdraw it: the walk runs inside one WithTx with
  row exclusivity, and every decrement re-checks its predicate. The engine
  holds no in-process locks and never retries; retrying is the caller's
  policy, so a transient failure can never double-charge.

COMPOSABILITY:
  ConsumeWith/GrantWith take a caller-supplied Store handle already inside
  a unit of work, so "charge credits and create the billed resource" can
  commit or roll back together.

SEE ALSO:
  - store.go: The persistence contract the algorithm relies on
  - expiry.go: Grant expiry derivation
  - bonus/gate.go: Policy-gated wrapper for the signup bonus
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine issues grants and consumes credits against a TxStore.
type Engine struct {
	store    TxStore
	pageSize int
	maxPages int
	now      func() time.Time
}

const (
	// DefaultPageSize bounds how many grants one page fetch returns.
	DefaultPageSize = 100

	// DefaultMaxPages bounds how many pages one consumption may walk.
	DefaultMaxPages = 10
)

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the grant page size for the consumption walk.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithMaxPages sets the page cap for the consumption walk.
func WithMaxPages(n int) Option {
	return func(e *Engine) { e.maxPages = n }
}

// WithClock overrides the engine's time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine backed by the given store.
func New(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		pageSize: DefaultPageSize,
		maxPages: DefaultMaxPages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time. Exposed so wrappers like the
// bonus gate share the engine's clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// =============================================================================
// GRANT ISSUER
// =============================================================================

// Grant creates one GRANT entry. Non-positive credits are a no-op, not an
// error: the entry is nil and nothing is written. Grants never contend on
// existing rows, so plain insert atomicity suffices.
func (e *Engine) Grant(ctx context.Context, in GrantInput) (*Entry, error) {
	return e.grant(ctx, e.store, in)
}

// GrantWith is Grant inside a caller-supplied unit of work.
func (e *Engine) GrantWith(ctx context.Context, s Store, in GrantInput) (*Entry, error) {
	return e.grant(ctx, s, in)
}

func (e *Engine) grant(ctx context.Context, s Store, in GrantInput) (*Entry, error) {
	if in.Credits <= 0 {
		return nil, nil
	}

	now := e.now()
	transactionNo := in.TransactionNo
	if transactionNo == "" {
		transactionNo = uuid.NewString()
	}

	entry := Entry{
		ID:               uuid.NewString(),
		TransactionNo:    transactionNo,
		UserID:           in.User.ID,
		UserEmail:        in.User.Email,
		Type:             TypeGrant,
		Scene:            in.Scene,
		Credits:          in.Credits,
		RemainingCredits: in.Credits,
		Status:           StatusActive,
		ExpiresAt:        ExpiryAt(now, in.ValidDays, in.PeriodEnd),
		SignupIP:         in.SignupIP,
		ClaimIP:          in.ClaimIP,
		ClaimCountry:     in.ClaimCountry,
		Description:      in.Description,
		Metadata:         in.Metadata,
		CreatedAt:        now.UTC(),
	}

	if err := s.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

// Balance returns the user's spendable balance: the sum of remaining
// credits over ACTIVE, unexpired grants. Read-only, suitable for pre-flight
// checks; the authoritative check happens inside the consumption unit of
// work.
func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	return e.store.SumRemaining(ctx, userID, e.now())
}

// =============================================================================
// FIFO CONSUMPTION ENGINE
// =============================================================================

// Consume atomically withdraws amount credits from the user's grants and
// returns the CONSUME entry. On any failure the ledger is left exactly as
// before the call.
func (e *Engine) Consume(ctx context.Context, userID string, amount int64, scene Scene, description string, metadata map[string]string) (*Entry, error) {
	var entry *Entry
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		entry, err = e.consume(ctx, s, userID, amount, scene, description, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ConsumeWith is Consume inside a caller-supplied unit of work. The caller
// owns commit/rollback; on an error from ConsumeWith the caller must abort
// the unit of work to discard any partial decrements.
func (e *Engine) ConsumeWith(ctx context.Context, s Store, userID string, amount int64, scene Scene, description string, metadata map[string]string) (*Entry, error) {
	return e.consume(ctx, s, userID, amount, scene, description, metadata)
}

func (e *Engine) consume(ctx context.Context, s Store, userID string, amount int64, scene Scene, description string, metadata map[string]string) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("consume %d: %w", amount, ErrInvalidAmount)
	}
	now := e.now()

	total, err := s.SumRemaining(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if total < amount {
		return nil, &InsufficientCreditsError{UserID: userID, Available: total, Requested: amount}
	}

	need := amount
	touched := 0
	var draws []Draw

	for page := 0; need > 0; page++ {
		if page >= e.maxPages {
			return nil, &FragmentationError{
				UserID:         userID,
				Requested:      amount,
				EntriesTouched: touched,
				MaxEntries:     e.maxPages * e.pageSize,
			}
		}

		// Fully drained grants fall out of the spendable filter, so each
		// page fetch starts from the front again and still makes progress.
		grants, err := s.SelectActiveGrants(ctx, userID, now, e.pageSize)
		if err != nil {
			return nil, err
		}
		if len(grants) == 0 {
			break
		}

		for _, g := range grants {
			draw := g.RemainingCredits
			if draw > need {
				draw = need
			}
			if err := s.DecrementRemaining(ctx, g.ID, draw); err != nil {
				return nil, err
			}
			touched++
			draws = append(draws, Draw{
				EntryID:       g.ID,
				TransactionNo: g.TransactionNo,
				Amount:        draw,
				Before:        g.RemainingCredits,
				After:         g.RemainingCredits - draw,
			})
			need -= draw
			if need == 0 {
				break
			}
		}

		if len(grants) < e.pageSize {
			break
		}
	}

	if need > 0 {
		// A concurrent consumption raced past the pre-check. The unit of
		// work rolls back every decrement made above.
		return nil, &InsufficientCreditsError{UserID: userID, Available: amount - need, Requested: amount}
	}

	entry := Entry{
		ID:             uuid.NewString(),
		TransactionNo:  uuid.NewString(),
		UserID:         userID,
		Type:           TypeConsume,
		Scene:          scene,
		Credits:        -amount,
		Status:         StatusActive,
		ConsumedDetail: draws,
		Description:    description,
		Metadata:       metadata,
		CreatedAt:      now.UTC(),
	}
	if err := s.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// HOUSEKEEPING
// =============================================================================

// ExpireDue eagerly flips overdue ACTIVE entries to EXPIRED and returns how
// many were transitioned. Query-time expiry filtering stays authoritative;
// this keeps the table's status column honest for reporting.
func (e *Engine) ExpireDue(ctx context.Context) (int64, error) {
	return e.store.MarkExpired(ctx, e.now())
}

// Delete soft-deletes an entry. Irreversible; the entry stops counting
// toward balance and consumption.
func (e *Engine) Delete(ctx context.Context, entryID string) error {
	return e.store.SoftDelete(ctx, entryID)
}
