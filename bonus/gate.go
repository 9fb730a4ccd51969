/*
Package bonus implements the first-login bonus gate.

PURPOSE:
  A policy-gated, idempotent wrapper around the ledger's grant issuer for
  the one-time signup bonus. Safely callable on every login.

INVARIANT:
  At most one bonus entry per user, keyed by the deterministic
  transaction number "first_login:<userID>".

FAILURE SEMANTICS:
  Bonus logic must never block login. Policy rejections (disabled policy,
  country gate, IP velocity) are silent no-ops: (nil, nil), logged for
  observability. Only genuine store failures surface as errors, and even
  those should be logged-and-swallowed by the login handler.

RACE HANDLING:
  Two concurrent first logins can both pass the existence check. The
  unique constraint on the transaction number breaks the tie; the loser
  re-reads and returns the winner's entry instead of an error.

SEE ALSO:
  - policy.go: The gate's configuration
  - ledger/engine.go: The grant issuer this wraps
*/
package bonus

import (
	"context"
	"errors"
	"log"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// CLAIM CONTEXT
// =============================================================================

// Claim carries the request-derived audit fields for a bonus attempt.
// IP and country come from edge headers with no verification; treat them
// as a soft deterrent, not a guaranteed anti-abuse control.
type Claim struct {
	SignupIP string
	ClaimIP  string
	Country  string
}

// =============================================================================
// GATE
// =============================================================================

// Gate issues the one-time first-login bonus.
type Gate struct {
	engine *ledger.Engine
	store  ledger.TxStore
	policy Policy
}

// NewGate creates a bonus gate over the given engine and store.
func NewGate(engine *ledger.Engine, store ledger.TxStore, policy Policy) *Gate {
	return &Gate{engine: engine, store: store, policy: policy}
}

// Grant issues the signup bonus if the user hasn't received it and every
// policy gate passes. Returns the existing entry when called again, and
// (nil, nil) when a gate withholds the bonus.
func (g *Gate) Grant(ctx context.Context, user ledger.User, claim Claim) (*ledger.Entry, error) {
	transactionNo := ledger.BonusTransactionNo(user.ID)

	existing, err := g.store.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if !g.policy.Enabled || g.policy.Credits <= 0 {
		return nil, nil
	}

	if !g.policy.countryAllowed(claim.Country) {
		log.Printf("[Bonus] withheld for user %s: country %q blocked (%s mode)",
			user.ID, claim.Country, g.policy.CountryMode)
		return nil, nil
	}

	allowed, err := g.ipAllowed(ctx, claim)
	if err != nil {
		return nil, err
	}
	if !allowed {
		log.Printf("[Bonus] withheld for user %s: IP velocity limit reached (signup=%s claim=%s)",
			user.ID, claim.SignupIP, claim.ClaimIP)
		return nil, nil
	}

	entry, err := g.engine.Grant(ctx, ledger.GrantInput{
		User:          user,
		Credits:       g.policy.Credits,
		Scene:         ledger.SceneReward,
		Description:   g.policy.Description,
		ValidDays:     g.policy.ValidDays,
		TransactionNo: transactionNo,
		SignupIP:      claim.SignupIP,
		ClaimIP:       claim.ClaimIP,
		ClaimCountry:  claim.Country,
	})
	if errors.Is(err, ledger.ErrDuplicateTransactionNo) {
		// Lost a race with a concurrent first login; the bonus exists.
		return g.store.GetByTransactionNo(ctx, transactionNo)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[Bonus] granted %d credits to user %s", g.policy.Credits, user.ID)
	return entry, nil
}

// ipAllowed applies the IP-velocity gate: count prior bonus grants in the
// trailing window matching the configured IP source, block at Max.
func (g *Gate) ipAllowed(ctx context.Context, claim Claim) (bool, error) {
	limit := g.policy.IPLimit
	if !limit.Enabled || limit.Max <= 0 {
		return true, nil
	}

	var signupIP, claimIP string
	switch limit.Source {
	case IPSourceSignup:
		signupIP = claim.SignupIP
	case IPSourceClaim:
		claimIP = claim.ClaimIP
	default: // any
		signupIP = claim.SignupIP
		claimIP = claim.ClaimIP
	}
	if signupIP == "" && claimIP == "" {
		return true, nil
	}

	since := g.engine.Now().Add(-limit.Window.Duration)
	count, err := g.store.CountBonusGrants(ctx, signupIP, claimIP, since)
	if err != nil {
		return false, err
	}
	return count < limit.Max, nil
}
