package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds credit manager configuration.
type Config struct {
	// GraceWindow is how long past cycle expiry the subscription
	// allotment still counts (default: 24 hours).
	GraceWindow time.Duration

	// SnapshotTTL is the TTL for cached balance snapshots used by
	// CanAfford (default: 10 seconds). Deductions never use the cache.
	SnapshotTTL time.Duration

	// Cache is the snapshot cache (default: NoopCache).
	Cache Cache

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking credit operations (default: NoopMetrics).
	Metrics Metrics

	// TimeSource supplies the current time (default: SystemTimeSource).
	TimeSource TimeSource
}

// Manager orchestrates atomic credit deduction and crediting across the
// account and the ledger. It is the single writer for both.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new credit manager with the given storage and configuration.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.GraceWindow == 0 {
		config.GraceWindow = DefaultGraceWindow
	}
	if config.SnapshotTTL == 0 {
		config.SnapshotTTL = 10 * time.Second
	}
	if config.Cache == nil {
		config.Cache = &NoopCache{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemTimeSource{}
	}

	return &Manager{
		storage: storage,
		config:  config,
	}, nil
}

// DeductOption customizes a Deduct call.
type DeductOption func(*DeductRequest)

// WithIdempotencyKey sets the idempotency key for a deduction.
func WithIdempotencyKey(key string) DeductOption {
	return func(req *DeductRequest) {
		req.IdempotencyKey = key
	}
}

// WithReference sets the reference ID (typically a job ID) for a deduction.
func WithReference(referenceID string) DeductOption {
	return func(req *DeductRequest) {
		req.ReferenceID = referenceID
	}
}

// WithSource overrides the deduction source (default: generation).
func WithSource(source TxSource) DeductOption {
	return func(req *DeductRequest) {
		req.Source = source
	}
}

// now returns the current time from the configured TimeSource, falling
// back to the local clock when the storage engine cannot answer.
func (m *Manager) now(ctx context.Context) time.Time {
	t, err := m.config.TimeSource.Now(ctx)
	if err != nil {
		m.config.Logger.Warn("time source unavailable, using local clock",
			Field{Key: "error", Value: err.Error()})
		return time.Now().UTC()
	}
	return t
}

// ComputeAvailable computes availability from the given state using the
// configured grace window.
func (m *Manager) ComputeAvailable(acct *Account, bundles []*Bundle, now time.Time) int {
	return AvailableCredits(acct, bundles, now, m.config.GraceWindow)
}

// loadBalances returns the user's account and bundles, serving CanAfford
// reads from the snapshot cache when fresh.
func (m *Manager) loadBalances(ctx context.Context, userID string, allowCached bool) (*Account, []*Bundle, error) {
	if allowCached {
		if snap, ok := m.config.Cache.GetSnapshot(userID); ok {
			m.config.Metrics.RecordCacheHit()
			return snap.account, snap.bundles, nil
		}
		m.config.Metrics.RecordCacheMiss()
	}

	start := time.Now()
	acct, err := m.storage.GetAccount(ctx, userID)
	m.config.Metrics.RecordStorageOperation("get_account", time.Since(start), err)
	if err != nil {
		return nil, nil, err
	}

	start = time.Now()
	bundles, err := m.storage.ListBundles(ctx, userID)
	m.config.Metrics.RecordStorageOperation("list_bundles", time.Since(start), err)
	if err != nil {
		return nil, nil, err
	}

	if allowCached {
		m.config.Cache.SetSnapshot(userID, &snapshot{account: acct, bundles: bundles}, m.config.SnapshotTTL)
	}
	return acct, bundles, nil
}

// Available returns the user's current credit availability.
func (m *Manager) Available(ctx context.Context, userID string) (int, error) {
	start := time.Now()
	defer func() { m.config.Metrics.RecordBalanceCheck(time.Since(start)) }()

	acct, bundles, err := m.loadBalances(ctx, userID, true)
	if err != nil {
		return 0, err
	}
	return m.ComputeAvailable(acct, bundles, m.now(ctx)), nil
}

// BalanceBreakdown splits availability into its sources.
type BalanceBreakdown struct {
	Available             int
	SubscriptionRemaining int
	BundleBalance         int
	CycleExpiresAt        time.Time
}

// Breakdown returns the user's availability split into the subscription
// remainder and the bundle pool, computed with the configured time source
// and grace window so it always agrees with Available.
func (m *Manager) Breakdown(ctx context.Context, userID string) (*BalanceBreakdown, error) {
	acct, bundles, err := m.loadBalances(ctx, userID, false)
	if err != nil {
		return nil, err
	}

	now := m.now(ctx)
	available := m.ComputeAvailable(acct, bundles, now)
	sub := SubscriptionRemaining(acct, now, m.config.GraceWindow)
	return &BalanceBreakdown{
		Available:             available,
		SubscriptionRemaining: sub,
		BundleBalance:         available - sub,
		CycleExpiresAt:        acct.CycleExpiresAt,
	}, nil
}

// CanAfford reports whether the user can cover the given amount.
// It is advisory and side-effect-free: Deduct re-verifies under its own
// lock, so a true result here does not reserve anything.
func (m *Manager) CanAfford(ctx context.Context, userID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	available, err := m.Available(ctx, userID)
	if err != nil {
		return false, err
	}
	return available >= amount, nil
}

// Deduct atomically consumes credits. The whole operation succeeds or
// fails: balances are re-read fresh inside the storage transaction,
// verified against the amount, allocated subscription-first then bundles
// oldest-expiry-first, and recorded as exactly one SPENT ledger row.
func (m *Manager) Deduct(ctx context.Context, userID string, amount int, meta *TxMetadata, opts ...DeductOption) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	req := &DeductRequest{
		UserID:      userID,
		Amount:      amount,
		Source:      SourceGeneration,
		Metadata:    meta,
		GraceWindow: m.config.GraceWindow,
		Now:         m.now(ctx),
	}
	for _, opt := range opts {
		opt(req)
	}

	start := time.Now()
	tx, err := m.storage.DeductCredits(ctx, req)
	m.config.Metrics.RecordStorageOperation("deduct_credits", time.Since(start), err)
	m.config.Metrics.RecordDeduction(string(req.Source), amount, err == nil)

	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			m.config.Logger.Info("deduction rejected, insufficient credits",
				Field{Key: "user_id", Value: userID},
				Field{Key: "amount", Value: amount})
			return nil, err
		}
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}

	m.config.Cache.Invalidate(userID)
	m.config.Logger.Debug("credits deducted",
		Field{Key: "user_id", Value: userID},
		Field{Key: "amount", Value: amount},
		Field{Key: "tx_id", Value: tx.ID},
		Field{Key: "balance_after", Value: tx.BalanceAfter})
	return tx, nil
}

// Credit grants credits: a subscription renewal, a bundle purchase, or an
// admin adjustment, selected by req.Source. Refunds go through Refund.
func (m *Manager) Credit(ctx context.Context, req *CreditRequest) (*Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, err
	}

	switch req.Source {
	case SourceSubscriptionRenewal:
		if req.CycleExpiresAt.IsZero() {
			return nil, fmt.Errorf("%w: renewal requires a cycle expiry", ErrInvalidSource)
		}
	case SourceBundlePurchase, SourceAdminAdjustment:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSource, req.Source)
	}

	req.GraceWindow = m.config.GraceWindow
	req.Now = m.now(ctx)

	start := time.Now()
	tx, err := m.storage.AddCredits(ctx, req)
	m.config.Metrics.RecordStorageOperation("add_credits", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}

	m.config.Cache.Invalidate(req.UserID)
	m.config.Metrics.RecordCredit(string(req.Source), req.Amount)
	m.config.Logger.Info("credits added",
		Field{Key: "user_id", Value: req.UserID},
		Field{Key: "source", Value: string(req.Source)},
		Field{Key: "amount", Value: req.Amount},
		Field{Key: "balance_after", Value: tx.BalanceAfter})
	return tx, nil
}

// RefundRequest describes a refund of a prior deduction.
type RefundRequest struct {
	UserID         string
	Amount         int
	ReferenceID    string
	IdempotencyKey string
	Metadata       *TxMetadata
}

// Refund reverses a prior deduction for the exact original amount,
// returning the credits to the purchased pool as a never-expiring bundle.
// A duplicate idempotency key is a logged no-op that returns the original
// transaction, never an error: the compare-and-set on the job record is
// the first guard against double refunds and this key is the second.
func (m *Manager) Refund(ctx context.Context, req *RefundRequest) (*Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, err
	}

	creditReq := &CreditRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Source:         SourceGenerationRefund,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		GraceWindow:    m.config.GraceWindow,
		Now:            m.now(ctx),
	}

	start := time.Now()
	tx, err := m.storage.AddCredits(ctx, creditReq)
	m.config.Metrics.RecordStorageOperation("add_credits", time.Since(start), err)

	if errors.Is(err, ErrIdempotencyKeyExists) {
		m.config.Metrics.RecordRefund(req.Amount, true)
		m.config.Logger.Info("duplicate refund suppressed",
			Field{Key: "user_id", Value: req.UserID},
			Field{Key: "reference_id", Value: req.ReferenceID},
			Field{Key: "idempotency_key", Value: req.IdempotencyKey})
		return m.storage.GetTransactionByKey(ctx, req.UserID, req.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refund credits: %w", err)
	}

	m.config.Cache.Invalidate(req.UserID)
	m.config.Metrics.RecordRefund(req.Amount, false)
	m.config.Logger.Info("credits refunded",
		Field{Key: "user_id", Value: req.UserID},
		Field{Key: "amount", Value: req.Amount},
		Field{Key: "reference_id", Value: req.ReferenceID},
		Field{Key: "balance_after", Value: tx.BalanceAfter})
	return tx, nil
}

// History returns the user's ledger history, newest first.
func (m *Manager) History(ctx context.Context, userID string, filter TransactionFilter) ([]*Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return m.storage.ListTransactions(ctx, userID, filter)
}

// GetAccount retrieves the user's credit account.
func (m *Manager) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return m.storage.GetAccount(ctx, userID)
}

// ListBundles returns the user's bundles, oldest-expiry-first.
func (m *Manager) ListBundles(ctx context.Context, userID string) ([]*Bundle, error) {
	return m.storage.ListBundles(ctx, userID)
}

// Provision creates or replaces an account.
func (m *Manager) Provision(ctx context.Context, acct *Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	if err := m.storage.PutAccount(ctx, acct); err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	m.config.Cache.Invalidate(acct.UserID)
	return nil
}

// ExpireDueBundles forfeits lapsed bundle remainders and post-grace
// subscription remainders, writing one EXPIRED ledger row per forfeiture
// so the ledger sum keeps tracking availability.
func (m *Manager) ExpireDueBundles(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	n, err := m.storage.ExpireDueBundles(ctx, m.now(ctx), m.config.GraceWindow, limit)
	m.config.Metrics.RecordStorageOperation("expire_bundles", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to expire bundles: %w", err)
	}
	if n > 0 {
		m.config.Cache.Clear()
		m.config.Logger.Info("expired credit remainders", Field{Key: "count", Value: n})
	}
	return n, nil
}
