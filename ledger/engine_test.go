package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]ledger.Option{ledger.WithClock(func() time.Time { return testNow })}, opts...)
	return ledger.New(mem, opts...), mem
}

func alice() ledger.User {
	return ledger.User{ID: "user-alice", Email: "alice@example.com"}
}

func grantCredits(t *testing.T, e *ledger.Engine, user ledger.User, credits int64, validDays int) *ledger.Entry {
	t.Helper()
	entry, err := e.Grant(context.Background(), ledger.GrantInput{
		User:      user,
		Credits:   credits,
		Scene:     ledger.ScenePayment,
		ValidDays: validDays,
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry
}

// =============================================================================
// GRANT ISSUER
// =============================================================================

func TestGrant_NonPositiveCredits_NoOp(t *testing.T) {
	// GIVEN: A grant request for zero credits
	// WHEN: Granting
	// THEN: No entry is created and no error is returned

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	for _, credits := range []int64{0, -5} {
		entry, err := engine.Grant(ctx, ledger.GrantInput{
			User:    alice(),
			Credits: credits,
			Scene:   ledger.SceneGift,
		})
		assert.NoError(t, err)
		assert.Nil(t, entry)
	}

	entries, err := mem.Entries(ctx, alice().ID, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGrant_CreatesActiveEntry(t *testing.T) {
	engine, _ := newTestEngine(t)

	entry := grantCredits(t, engine, alice(), 50, 30)

	assert.Equal(t, ledger.TypeGrant, entry.Type)
	assert.Equal(t, ledger.StatusActive, entry.Status)
	assert.Equal(t, int64(50), entry.Credits)
	assert.Equal(t, int64(50), entry.RemainingCredits)
	assert.NotEmpty(t, entry.TransactionNo)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, testNow.AddDate(0, 0, 30), *entry.ExpiresAt)
}

func TestGrant_SubscriptionPeriodEndWins(t *testing.T) {
	// GIVEN: A grant with both a validity window and a billing-period end
	// WHEN: Granting
	// THEN: Expiry is exactly the period end - subscription credits never
	//       outlive the billing period

	engine, _ := newTestEngine(t)
	periodEnd := testNow.AddDate(0, 1, 0)

	entry, err := engine.Grant(context.Background(), ledger.GrantInput{
		User:      alice(),
		Credits:   100,
		Scene:     ledger.SceneSubscription,
		ValidDays: 365,
		PeriodEnd: &periodEnd,
	})
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(periodEnd))
}

func TestGrant_DeterministicTransactionNoRejectsDuplicate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	in := ledger.GrantInput{
		User:          alice(),
		Credits:       10,
		Scene:         ledger.SceneReward,
		TransactionNo: "promo-2025-06",
	}

	_, err := engine.Grant(ctx, in)
	require.NoError(t, err)

	_, err = engine.Grant(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrDuplicateTransactionNo)
}

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

func TestBalance_SumsSpendableGrantsOnly(t *testing.T) {
	// GIVEN: A spendable grant, an expired grant, and a consumed-out grant
	// WHEN: Computing balance
	// THEN: Only the spendable grant counts

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	// Expired: valid 1 day, issued dated in the past through a backdated
	// engine sharing the store.
	past := testNow.AddDate(0, 0, -10)
	backdated := ledger.New(mem, ledger.WithClock(func() time.Time { return past }))
	_, err := backdated.Grant(ctx, ledger.GrantInput{
		User: alice(), Credits: 99, Scene: ledger.ScenePayment, ValidDays: 1,
	})
	require.NoError(t, err)

	grantCredits(t, engine, alice(), 40, 0)
	consumed, err := engine.Consume(ctx, alice().ID, 15, ledger.ScenePayment, "", nil)
	require.NoError(t, err)
	require.NotNil(t, consumed)

	balance, err := engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance, "expired grant and consumed credits must not count")
}

func TestBalance_ZeroForUnknownUser(t *testing.T) {
	engine, _ := newTestEngine(t)

	balance, err := engine.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// =============================================================================
// FIFO CONSUMPTION ENGINE
// =============================================================================

func TestConsume_InvalidAmount(t *testing.T) {
	engine, _ := newTestEngine(t)

	for _, amount := range []int64{0, -3} {
		_, err := engine.Consume(context.Background(), alice().ID, amount, ledger.ScenePayment, "", nil)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}
}

func TestConsume_InsufficientLeavesLedgerUnchanged(t *testing.T) {
	// GIVEN: Balance of 10
	// WHEN: Consuming 11
	// THEN: InsufficientCredits, and the ledger is exactly as before

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	grant := grantCredits(t, engine, alice(), 10, 0)

	_, err := engine.Consume(ctx, alice().ID, 11, ledger.ScenePayment, "render", nil)
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	var detail *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, int64(10), detail.Available)
	assert.Equal(t, int64(11), detail.Requested)

	entries, err := mem.Entries(ctx, alice().ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no CONSUME entry may be written")
	assert.Equal(t, grant.ID, entries[0].ID)
	assert.Equal(t, int64(10), entries[0].RemainingCredits)

	balance, err := engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestConsume_ExactBalance_DrivesToZero(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	grantCredits(t, engine, alice(), 7, 0)
	grantCredits(t, engine, alice(), 3, 5)

	entry, err := engine.Consume(ctx, alice().ID, 10, ledger.ScenePayment, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), entry.Credits)

	balance, err := engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestConsume_PrefersSoonestExpiringGrant(t *testing.T) {
	// GIVEN: One grant expiring in 1 day with 10 credits, one never-expiring
	//        grant with 10 credits
	// WHEN: Consuming 5 credits
	// THEN: Only the expiring grant is drawn, leaving it at 5 and the
	//       never-expiring grant untouched at 10

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	never := grantCredits(t, engine, alice(), 10, 0)
	expiring := grantCredits(t, engine, alice(), 10, 1)

	entry, err := engine.Consume(ctx, alice().ID, 5, ledger.ScenePayment, "", nil)
	require.NoError(t, err)

	require.Len(t, entry.ConsumedDetail, 1)
	assert.Equal(t, expiring.ID, entry.ConsumedDetail[0].EntryID)
	assert.Equal(t, int64(5), entry.ConsumedDetail[0].Amount)

	grants, err := mem.SelectActiveGrants(ctx, alice().ID, testNow, 10)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, expiring.ID, grants[0].ID, "expiring grant sorts first")
	assert.Equal(t, int64(5), grants[0].RemainingCredits)
	assert.Equal(t, never.ID, grants[1].ID)
	assert.Equal(t, int64(10), grants[1].RemainingCredits)
}

func TestConsume_AuditDetailAccountsForEveryCredit(t *testing.T) {
	// GIVEN: Three grants of 4, 5, and 6 credits with staggered expiries
	// WHEN: Consuming 12
	// THEN: The CONSUME entry's detail sums to 12, the draws walk soonest
	//       expiry first, and each grant decreased by exactly its drawn
	//       amount

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	g1 := grantCredits(t, engine, alice(), 4, 1)
	g2 := grantCredits(t, engine, alice(), 5, 2)
	g3 := grantCredits(t, engine, alice(), 6, 3)

	entry, err := engine.Consume(ctx, alice().ID, 12, ledger.ScenePayment, "batch", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-12), entry.Credits)

	require.Len(t, entry.ConsumedDetail, 3)
	var total int64
	for _, d := range entry.ConsumedDetail {
		total += d.Amount
		assert.Equal(t, d.Before-d.Amount, d.After)
	}
	assert.Equal(t, int64(12), total)

	assert.Equal(t, []string{g1.ID, g2.ID, g3.ID}, []string{
		entry.ConsumedDetail[0].EntryID,
		entry.ConsumedDetail[1].EntryID,
		entry.ConsumedDetail[2].EntryID,
	})
	assert.Equal(t, []int64{4, 5, 3}, []int64{
		entry.ConsumedDetail[0].Amount,
		entry.ConsumedDetail[1].Amount,
		entry.ConsumedDetail[2].Amount,
	})

	grants, err := mem.SelectActiveGrants(ctx, alice().ID, testNow, 10)
	require.NoError(t, err)
	require.Len(t, grants, 1, "fully drained grants drop out of the spendable set")
	assert.Equal(t, g3.ID, grants[0].ID)
	assert.Equal(t, int64(3), grants[0].RemainingCredits)
}

func TestConsume_FragmentationCap(t *testing.T) {
	// GIVEN: Five 1-credit grants and a walk capped at 2 pages of 2
	// WHEN: Consuming 5
	// THEN: FragmentationError, and every grant still holds its credit

	engine, _ := newTestEngine(t, ledger.WithPageSize(2), ledger.WithMaxPages(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		grantCredits(t, engine, alice(), 1, i+1)
	}

	_, err := engine.Consume(ctx, alice().ID, 5, ledger.ScenePayment, "", nil)
	require.ErrorIs(t, err, ledger.ErrLedgerFragmentation)

	var frag *ledger.FragmentationError
	require.ErrorAs(t, err, &frag)
	assert.Equal(t, 4, frag.EntriesTouched)
	assert.Equal(t, 4, frag.MaxEntries)

	balance, err := engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "failed consumption must roll back")
}

func TestConsume_FitsWithinCap(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.WithPageSize(2), ledger.WithMaxPages(2))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		grantCredits(t, engine, alice(), 1, i+1)
	}

	entry, err := engine.Consume(ctx, alice().ID, 4, ledger.ScenePayment, "", nil)
	require.NoError(t, err)
	assert.Len(t, entry.ConsumedDetail, 4)
}

func TestConsumeWith_ComposesWithOuterUnitOfWork(t *testing.T) {
	// GIVEN: A caller-owned unit of work charging credits alongside its own
	//        failing step
	// WHEN: The outer unit of work aborts
	// THEN: The consumption is rolled back with it

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	grantCredits(t, engine, alice(), 10, 0)

	errBoom := errors.New("resource creation failed")
	err := mem.WithTx(ctx, func(s ledger.Store) error {
		if _, err := engine.ConsumeWith(ctx, s, alice().ID, 6, ledger.ScenePayment, "", nil); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	balance, err := engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	// The committed path sticks.
	err = mem.WithTx(ctx, func(s ledger.Store) error {
		_, err := engine.ConsumeWith(ctx, s, alice().ID, 6, ledger.ScenePayment, "", nil)
		return err
	})
	require.NoError(t, err)

	balance, err = engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestBalance_MatchesRemainingSumThroughSequence(t *testing.T) {
	// The core accounting invariant: at every step, balance equals the sum
	// of remaining credits over spendable grants and never goes negative.

	engine, mem := newTestEngine(t)
	ctx := context.Background()

	steps := []struct {
		grant   int64
		consume int64
	}{
		{grant: 20},
		{consume: 5},
		{grant: 3},
		{consume: 10},
		{consume: 8},
		{grant: 1},
	}

	for i, step := range steps {
		if step.grant > 0 {
			grantCredits(t, engine, alice(), step.grant, i)
		}
		if step.consume > 0 {
			_, err := engine.Consume(ctx, alice().ID, step.consume, ledger.ScenePayment, "", nil)
			require.NoError(t, err)
		}

		balance, err := engine.Balance(ctx, alice().ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, balance, int64(0))

		grants, err := mem.SelectActiveGrants(ctx, alice().ID, testNow, 100)
		require.NoError(t, err)
		var sum int64
		for _, g := range grants {
			sum += g.RemainingCredits
		}
		require.Equal(t, sum, balance, "step %d", i)
	}
}

// =============================================================================
// HOUSEKEEPING
// =============================================================================

func TestExpireDue_FlipsOverdueGrants(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	past := testNow.AddDate(0, 0, -10)
	backdated := ledger.New(mem, ledger.WithClock(func() time.Time { return past }))
	_, err := backdated.Grant(ctx, ledger.GrantInput{
		User: alice(), Credits: 5, Scene: ledger.ScenePayment, ValidDays: 1,
	})
	require.NoError(t, err)

	engine := ledger.New(mem, ledger.WithClock(func() time.Time { return testNow }))
	keeper := grantCredits(t, engine, alice(), 5, 30)

	n, err := engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := mem.Entries(ctx, alice().ID, 10)
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == keeper.ID {
			assert.Equal(t, ledger.StatusActive, e.Status)
		} else {
			assert.Equal(t, ledger.StatusExpired, e.Status)
		}
	}
}

func TestDelete_RemovesFromBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	entry := grantCredits(t, engine, alice(), 9, 0)
	require.NoError(t, engine.Delete(ctx, entry.ID))

	balance, err := engine.Balance(ctx, alice().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
