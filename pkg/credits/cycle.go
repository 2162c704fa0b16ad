package credits

import (
	"sort"
	"time"
)

// DefaultGraceWindow is how long past CycleExpiresAt the remaining
// subscription allotment still counts toward availability. It covers the
// gap between a cycle ending and the renewal landing, so users are not
// falsely rejected right at the cycle boundary.
const DefaultGraceWindow = 24 * time.Hour

// SubscriptionRemaining returns the usable subscription allotment at the
// given time. The allotment counts until CycleExpiresAt plus the grace
// window; after that it contributes zero until a renewal lands. An account
// with a zero CycleExpiresAt has no active subscription.
func SubscriptionRemaining(acct *Account, now time.Time, grace time.Duration) int {
	if acct.CycleExpiresAt.IsZero() {
		return 0
	}
	if now.After(acct.CycleExpiresAt.Add(grace)) {
		return 0
	}
	remaining := acct.CreditsLimit - acct.CreditsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AvailableCredits computes total availability from fresh account and
// bundle state: subscription contribution plus unexpired bundle remainders.
func AvailableCredits(acct *Account, bundles []*Bundle, now time.Time, grace time.Duration) int {
	total := SubscriptionRemaining(acct, now, grace)
	for _, b := range bundles {
		if b.Remaining <= 0 || b.Expired(now) {
			continue
		}
		total += b.Remaining
	}
	return total
}

// sortBundlesForConsumption orders bundles oldest-expiry-first.
// Never-expiring bundles sort last; ties break on creation time so
// consumption order is deterministic.
func sortBundlesForConsumption(bundles []*Bundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		a, b := bundles[i], bundles[j]
		if a.ValidUntil.IsZero() != b.ValidUntil.IsZero() {
			return !a.ValidUntil.IsZero()
		}
		if !a.ValidUntil.Equal(b.ValidUntil) {
			return a.ValidUntil.Before(b.ValidUntil)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// PlanDeduction allocates a deduction against fresh balances: subscription
// allotment first, then bundles oldest-expiry-first. It never mutates its
// inputs. Returns ErrInsufficientCredits when availability does not cover
// the amount.
//
// Storage implementations call this inside their transaction so memory and
// relational backends share one allocation policy.
func PlanDeduction(acct *Account, bundles []*Bundle, amount int, now time.Time, grace time.Duration) (*Allocation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	available := AvailableCredits(acct, bundles, now, grace)
	if amount > available {
		return nil, ErrInsufficientCredits
	}

	alloc := &Allocation{
		NewUsed:        acct.CreditsUsed,
		NewBalance:     acct.CreditsBalance,
		AvailableAfter: available - amount,
	}

	remaining := amount
	if sub := SubscriptionRemaining(acct, now, grace); sub > 0 {
		take := remaining
		if take > sub {
			take = sub
		}
		alloc.FromSubscription = take
		alloc.NewUsed += take
		remaining -= take
	}

	if remaining > 0 {
		ordered := make([]*Bundle, 0, len(bundles))
		for _, b := range bundles {
			if b.Remaining > 0 && !b.Expired(now) {
				ordered = append(ordered, b)
			}
		}
		sortBundlesForConsumption(ordered)

		for _, b := range ordered {
			if remaining == 0 {
				break
			}
			take := remaining
			if take > b.Remaining {
				take = b.Remaining
			}
			alloc.Draws = append(alloc.Draws, BundleDraw{BundleID: b.ID, Amount: take})
			alloc.NewBalance -= take
			remaining -= take
		}
	}

	if remaining != 0 {
		// Availability said yes but the rows could not cover it: the
		// account balance drifted from the bundle set.
		return nil, ErrInsufficientCredits
	}

	return alloc, nil
}
