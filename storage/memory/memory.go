// Package memory provides an in-memory implementation of the credits and
// generation storage interfaces. It is primarily intended for testing and
// development; the single mutex gives it the same serialization guarantees
// the PostgreSQL backend gets from row locks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

// Storage implements credits.Storage and generation.Storage using in-memory maps.
type Storage struct {
	mu sync.Mutex

	accounts     map[string]*credits.Account
	bundles      map[string][]*credits.Bundle
	transactions map[string][]*credits.Transaction
	txByKey      map[string]*credits.Transaction

	jobs           map[string]*generation.Job
	jobsByExternal map[string]string
	packages       map[string]*generation.Package
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		accounts:       make(map[string]*credits.Account),
		bundles:        make(map[string][]*credits.Bundle),
		transactions:   make(map[string][]*credits.Transaction),
		txByKey:        make(map[string]*credits.Transaction),
		jobs:           make(map[string]*generation.Job),
		jobsByExternal: make(map[string]string),
		packages:       make(map[string]*generation.Package),
	}
}

func keyFor(userID, idempotencyKey string) string {
	return userID + "\x00" + idempotencyKey
}

func copyAccount(a *credits.Account) *credits.Account {
	c := *a
	return &c
}

func copyBundle(b *credits.Bundle) *credits.Bundle {
	c := *b
	return &c
}

func copyTransaction(t *credits.Transaction) *credits.Transaction {
	c := *t
	return &c
}

func copyJob(j *generation.Job) *generation.Job {
	c := *j
	c.ResultRefs = append([]string(nil), j.ResultRefs...)
	if j.CompletedAt != nil {
		done := *j.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}

func copyPackage(p *generation.Package) *generation.Package {
	c := *p
	if p.CompletedAt != nil {
		done := *p.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}

// sortBundles orders bundles oldest-expiry-first, never-expiring last.
func sortBundles(bundles []*credits.Bundle) {
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

// GetAccount implements credits.Storage.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*credits.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// PutAccount implements credits.Storage.
func (s *Storage) PutAccount(ctx context.Context, acct *credits.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyAccount(acct)
	c.UpdatedAt = time.Now().UTC()
	s.accounts[acct.UserID] = c
	return nil
}

// ListBundles implements credits.Storage.
func (s *Storage) ListBundles(ctx context.Context, userID string) ([]*credits.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*credits.Bundle, 0, len(s.bundles[userID]))
	for _, b := range s.bundles[userID] {
		out = append(out, copyBundle(b))
	}
	sortBundles(out)
	return out, nil
}

// appendTransactionLocked writes a ledger row and indexes its idempotency key.
func (s *Storage) appendTransactionLocked(tx *credits.Transaction) {
	s.transactions[tx.UserID] = append(s.transactions[tx.UserID], tx)
	if tx.IdempotencyKey != "" {
		s.txByKey[keyFor(tx.UserID, tx.IdempotencyKey)] = tx
	}
}

func (s *Storage) availableLocked(acct *credits.Account, now time.Time, grace time.Duration) int {
	return credits.AvailableCredits(acct, s.bundles[acct.UserID], now, grace)
}

// DeductCredits implements credits.Storage. The mutex serializes
// concurrent deductions for the same user; balances are read fresh and the
// ledger row lands in the same critical section as the balance change.
func (s *Storage) DeductCredits(ctx context.Context, req *credits.DeductRequest) (*credits.Transaction, error) {
	if req.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if _, exists := s.txByKey[keyFor(req.UserID, req.IdempotencyKey)]; exists {
			return nil, credits.ErrIdempotencyKeyExists
		}
	}

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}

	alloc, err := credits.PlanDeduction(acct, s.bundles[req.UserID], req.Amount, req.Now, req.GraceWindow)
	if err != nil {
		return nil, err
	}

	acct.CreditsUsed = alloc.NewUsed
	acct.CreditsBalance = alloc.NewBalance
	acct.UpdatedAt = req.Now
	for _, draw := range alloc.Draws {
		for _, b := range s.bundles[req.UserID] {
			if b.ID == draw.BundleID {
				b.Remaining -= draw.Amount
				break
			}
		}
	}

	tx := &credits.Transaction{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Type:           credits.TxTypeSpent,
		Source:         req.Source,
		Amount:         -req.Amount,
		BalanceAfter:   alloc.AvailableAfter,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      req.Now,
	}
	s.appendTransactionLocked(tx)
	return copyTransaction(tx), nil
}

// AddCredits implements credits.Storage.
func (s *Storage) AddCredits(ctx context.Context, req *credits.CreditRequest) (*credits.Transaction, error) {
	if req.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if _, exists := s.txByKey[keyFor(req.UserID, req.IdempotencyKey)]; exists {
			return nil, credits.ErrIdempotencyKeyExists
		}
	}

	acct, ok := s.accounts[req.UserID]
	if !ok {
		// Purchases and refunds may land for users without a
		// subscription; provision an empty account on the fly.
		acct = &credits.Account{UserID: req.UserID}
		s.accounts[req.UserID] = acct
	}

	switch req.Source {
	case credits.SourceSubscriptionRenewal:
		return s.renewLocked(acct, req), nil
	case credits.SourceBundlePurchase, credits.SourceAdminAdjustment:
		return s.grantBundleLocked(acct, req, credits.TxTypeEarned), nil
	case credits.SourceGenerationRefund:
		refundReq := *req
		refundReq.ValidUntil = time.Time{} // refund bundles never expire
		return s.grantBundleLocked(acct, &refundReq, credits.TxTypeRefunded), nil
	default:
		return nil, fmt.Errorf("%w: %s", credits.ErrInvalidSource, req.Source)
	}
}

// renewLocked resets the cycle. Any unconsumed allotment is forfeited as a
// paired EXPIRED row so the ledger sum keeps tracking availability.
func (s *Storage) renewLocked(acct *credits.Account, req *credits.CreditRequest) *credits.Transaction {
	// Raw remainder, not grace-gated: a renewal landing after the grace
	// window still has to materialize the forfeiture the sweep missed.
	if forfeit := acct.CreditsLimit - acct.CreditsUsed; forfeit > 0 {
		acct.CreditsUsed = acct.CreditsLimit
		s.appendTransactionLocked(&credits.Transaction{
			ID:           uuid.NewString(),
			UserID:       acct.UserID,
			Type:         credits.TxTypeExpired,
			Source:       credits.SourceSubscriptionRenewal,
			Amount:       -forfeit,
			BalanceAfter: s.availableLocked(acct, req.Now, req.GraceWindow),
			ReferenceID:  req.ReferenceID,
			Metadata: &credits.TxMetadata{
				Kind:   credits.MetadataKindExpiry,
				Expiry: &credits.ExpiryMetadata{Cycle: true},
			},
			CreatedAt: req.Now,
		})
	}

	acct.CreditsLimit = req.Amount
	acct.CreditsUsed = 0
	acct.CycleExpiresAt = req.CycleExpiresAt
	acct.LastRenewalAt = req.Now
	acct.UpdatedAt = req.Now

	tx := &credits.Transaction{
		ID:             uuid.NewString(),
		UserID:         acct.UserID,
		Type:           credits.TxTypeEarned,
		Source:         req.Source,
		Amount:         req.Amount,
		BalanceAfter:   s.availableLocked(acct, req.Now, req.GraceWindow),
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      req.Now,
	}
	s.appendTransactionLocked(tx)
	return copyTransaction(tx)
}

func (s *Storage) grantBundleLocked(acct *credits.Account, req *credits.CreditRequest, txType credits.TxType) *credits.Transaction {
	bundle := &credits.Bundle{
		ID:         uuid.NewString(),
		UserID:     acct.UserID,
		Amount:     req.Amount,
		Remaining:  req.Amount,
		ValidUntil: req.ValidUntil,
		CreatedAt:  req.Now,
	}
	s.bundles[acct.UserID] = append(s.bundles[acct.UserID], bundle)
	acct.CreditsBalance += req.Amount
	acct.UpdatedAt = req.Now

	if req.Metadata != nil && req.Metadata.Purchase != nil && req.Metadata.Purchase.BundleID == "" {
		req.Metadata.Purchase.BundleID = bundle.ID
	}

	tx := &credits.Transaction{
		ID:             uuid.NewString(),
		UserID:         acct.UserID,
		Type:           txType,
		Source:         req.Source,
		Amount:         req.Amount,
		BalanceAfter:   s.availableLocked(acct, req.Now, req.GraceWindow),
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      req.Now,
	}
	s.appendTransactionLocked(tx)
	return copyTransaction(tx)
}

// ExpireDueBundles implements credits.Storage.
func (s *Storage) ExpireDueBundles(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userIDs := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	written := 0
	for _, userID := range userIDs {
		if written >= limit {
			break
		}
		acct := s.accounts[userID]

		for _, b := range s.bundles[userID] {
			if written >= limit {
				break
			}
			if b.Remaining <= 0 || !b.Expired(now) {
				continue
			}
			forfeit := b.Remaining
			b.Remaining = 0
			acct.CreditsBalance -= forfeit
			acct.UpdatedAt = now
			s.appendTransactionLocked(&credits.Transaction{
				ID:           uuid.NewString(),
				UserID:       userID,
				Type:         credits.TxTypeExpired,
				Source:       credits.SourceExpirySweep,
				Amount:       -forfeit,
				BalanceAfter: s.availableLocked(acct, now, grace),
				ReferenceID:  b.ID,
				Metadata: &credits.TxMetadata{
					Kind:   credits.MetadataKindExpiry,
					Expiry: &credits.ExpiryMetadata{BundleID: b.ID},
				},
				CreatedAt: now,
			})
			written++
		}

		if written >= limit {
			break
		}
		// Subscription allotments past the grace window are forfeited
		// the same way; a later renewal starts a clean cycle.
		if !acct.CycleExpiresAt.IsZero() && now.After(acct.CycleExpiresAt.Add(grace)) && acct.CreditsUsed < acct.CreditsLimit {
			forfeit := acct.CreditsLimit - acct.CreditsUsed
			acct.CreditsUsed = acct.CreditsLimit
			acct.UpdatedAt = now
			s.appendTransactionLocked(&credits.Transaction{
				ID:           uuid.NewString(),
				UserID:       userID,
				Type:         credits.TxTypeExpired,
				Source:       credits.SourceExpirySweep,
				Amount:       -forfeit,
				BalanceAfter: s.availableLocked(acct, now, grace),
				Metadata: &credits.TxMetadata{
					Kind:   credits.MetadataKindExpiry,
					Expiry: &credits.ExpiryMetadata{Cycle: true},
				},
				CreatedAt: now,
			})
			written++
		}
	}
	return written, nil
}

// ListTransactions implements credits.Storage.
func (s *Storage) ListTransactions(ctx context.Context, userID string, filter credits.TransactionFilter) ([]*credits.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.transactions[userID]
	matched := make([]*credits.Transaction, 0, len(all))
	// Newest first.
	for i := len(all) - 1; i >= 0; i-- {
		tx := all[i]
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Source != "" && tx.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && tx.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && tx.CreatedAt.After(filter.Until) {
			continue
		}
		matched = append(matched, copyTransaction(tx))
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// GetTransactionByKey implements credits.Storage.
func (s *Storage) GetTransactionByKey(ctx context.Context, userID, idempotencyKey string) (*credits.Transaction, error) {
	if idempotencyKey == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txByKey[keyFor(userID, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	return copyTransaction(tx), nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*credits.Account)
	s.bundles = make(map[string][]*credits.Bundle)
	s.transactions = make(map[string][]*credits.Transaction)
	s.txByKey = make(map[string]*credits.Transaction)
	s.jobs = make(map[string]*generation.Job)
	s.jobsByExternal = make(map[string]string)
	s.packages = make(map[string]*generation.Package)
}
