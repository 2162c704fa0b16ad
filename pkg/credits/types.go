package credits

import (
	"time"
)

// TxType classifies a ledger transaction by its effect on availability.
type TxType string

const (
	// TxTypeEarned records credits granted by a renewal or purchase.
	TxTypeEarned TxType = "EARNED"
	// TxTypeSpent records credits consumed by a deduction.
	TxTypeSpent TxType = "SPENT"
	// TxTypeExpired records credits forfeited when a bundle or cycle lapses.
	TxTypeExpired TxType = "EXPIRED"
	// TxTypeRefunded records credits returned after a failed operation.
	TxTypeRefunded TxType = "REFUNDED"
)

// TxSource identifies the origin of a ledger transaction.
type TxSource string

const (
	SourceSubscriptionRenewal TxSource = "subscription_renewal"
	SourceBundlePurchase      TxSource = "bundle_purchase"
	SourceGeneration          TxSource = "generation"
	SourceGenerationRefund    TxSource = "generation_refund"
	SourceExpirySweep         TxSource = "expiry_sweep"
	SourceAdminAdjustment     TxSource = "admin_adjustment"
)

// Account holds a user's credit balances.
//
// The subscription allotment is CreditsLimit with CreditsUsed consumed
// this cycle; CreditsBalance is the sum of unexpired bundle remainders.
// Availability is always max(0, CreditsLimit-CreditsUsed) + CreditsBalance.
type Account struct {
	UserID         string
	CreditsLimit   int
	CreditsUsed    int
	CreditsBalance int
	CycleExpiresAt time.Time
	LastRenewalAt  time.Time
	UpdatedAt      time.Time
}

// Bundle is a purchased credit batch with its own expiration.
// A zero ValidUntil means the bundle never expires.
type Bundle struct {
	ID         string
	UserID     string
	Amount     int
	Remaining  int
	ValidUntil time.Time
	CreatedAt  time.Time
}

// Expired reports whether the bundle has lapsed at the given time.
func (b *Bundle) Expired(now time.Time) bool {
	return !b.ValidUntil.IsZero() && !b.ValidUntil.After(now)
}

// Transaction is one immutable row of the credit ledger.
//
// Amount is signed: positive for EARNED/REFUNDED, negative for
// SPENT/EXPIRED. BalanceAfter snapshots availability immediately after the
// mutation, computed inside the same atomic unit as the balance change.
type Transaction struct {
	ID             string
	UserID         string
	Type           TxType
	Source         TxSource
	Amount         int
	BalanceAfter   int
	ReferenceID    string
	IdempotencyKey string
	Metadata       *TxMetadata
	CreatedAt      time.Time
}

// TransactionFilter narrows ledger history queries.
type TransactionFilter struct {
	Type   TxType
	Source TxSource
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// BundleDraw records how much of a deduction was taken from one bundle.
type BundleDraw struct {
	BundleID string
	Amount   int
}

// Allocation is the result of planning a deduction against fresh balances.
type Allocation struct {
	FromSubscription int
	Draws            []BundleDraw
	NewUsed          int
	NewBalance       int
	AvailableAfter   int
}

// DeductRequest is the atomic deduction unit handed to storage.
// GraceWindow and Now are populated by the Manager.
type DeductRequest struct {
	UserID         string
	Amount         int
	Source         TxSource
	ReferenceID    string
	IdempotencyKey string
	Metadata       *TxMetadata
	GraceWindow    time.Duration
	Now            time.Time
}

// CreditRequest adds credits to an account: a subscription renewal, a
// bundle purchase, a refund, or an admin adjustment, selected by Source.
type CreditRequest struct {
	UserID         string
	Amount         int
	Source         TxSource
	ReferenceID    string
	IdempotencyKey string
	Metadata       *TxMetadata

	// CycleExpiresAt applies to subscription renewals only: the end of
	// the new cycle. The renewal's Amount becomes the new allotment.
	CycleExpiresAt time.Time

	// ValidUntil applies to bundle purchases; zero means the bundle
	// never expires. Refund bundles always use a zero ValidUntil.
	ValidUntil time.Time

	// GraceWindow and Now are populated by the Manager.
	GraceWindow time.Duration
	Now         time.Time
}
