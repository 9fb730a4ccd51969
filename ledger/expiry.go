/*
expiry.go - Expiration policy calculator

PURPOSE:
  Derives a grant's expiry from a validity window and/or a
  subscription-period end. Pure function, no failure modes.

RULES (in priority order):
  1. Period end supplied: expiry is exactly that instant. Subscription
     credits never outlive the billing period, regardless of ValidDays.
  2. ValidDays > 0: expiry = now + ValidDays.
  3. Otherwise: nil, the grant never expires.

SEE ALSO:
  - engine.go: Grant calls ExpiryAt when issuing entries
*/
package ledger

import "time"

// ExpiryAt computes the ExpiresAt for a new grant. A nil result means the
// grant never expires. All returned times are UTC.
func ExpiryAt(now time.Time, validDays int, periodEnd *time.Time) *time.Time {
	if periodEnd != nil {
		t := periodEnd.UTC()
		return &t
	}
	if validDays > 0 {
		t := now.UTC().AddDate(0, 0, validDays)
		return &t
	}
	return nil
}
