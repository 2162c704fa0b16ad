package credits

import (
	"context"
	"time"
)

// Storage defines the interface for credit persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// DeductCredits and AddCredits are the only operations that mutate
// balances; both must write their ledger row inside the same atomic unit
// as the balance change. No implementation may change a balance without a
// row or write a row without a balance change.
type Storage interface {
	// GetAccount retrieves the user's credit account.
	// Returns ErrAccountNotFound if the user has never been provisioned.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// PutAccount creates or replaces an account (provisioning / admin).
	PutAccount(ctx context.Context, acct *Account) error

	// ListBundles returns all of the user's bundles, including expired
	// and drained ones, ordered oldest-expiry-first.
	ListBundles(ctx context.Context, userID string) ([]*Bundle, error)

	// DeductCredits atomically consumes credits: it re-reads balances
	// fresh under a per-user lock, verifies availability, allocates
	// subscription-first then bundles oldest-expiry-first, and writes
	// exactly one SPENT ledger row. Concurrent calls for the same user
	// serialize; an unaffordable request fails with
	// ErrInsufficientCredits and no partial change.
	DeductCredits(ctx context.Context, req *DeductRequest) (*Transaction, error)

	// AddCredits atomically grants credits according to req.Source:
	// a renewal resets the cycle (forfeiting any remainder as a paired
	// EXPIRED row), a purchase creates a bundle, a refund creates a
	// never-expiring bundle. Duplicate idempotency keys return
	// ErrIdempotencyKeyExists without side effects.
	AddCredits(ctx context.Context, req *CreditRequest) (*Transaction, error)

	// ExpireDueBundles zeroes lapsed bundle remainders and post-grace
	// subscription remainders, writing one EXPIRED ledger row per
	// forfeiture. Returns the number of rows written.
	ExpireDueBundles(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error)

	// ListTransactions returns the user's ledger history, newest first.
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]*Transaction, error)

	// GetTransactionByKey retrieves a transaction by idempotency key.
	// Returns nil if no record exists (not an error).
	GetTransactionByKey(ctx context.Context, userID, idempotencyKey string) (*Transaction, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage engine time keeps grace-window decisions consistent across
// workers and avoids clock skew between application servers.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// SystemTimeSource is a TimeSource backed by the local clock.
type SystemTimeSource struct{}

// Now implements TimeSource.
func (SystemTimeSource) Now(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}
