// Package postgres provides a PostgreSQL implementation of the credits and
// generation storage interfaces. Balance mutations run inside SQL
// transactions with SELECT FOR UPDATE on the account row, so concurrent
// deductions for one user serialize at the database and each reads the
// balance the previous one wrote. Terminal job transitions use a
// conditional UPDATE as the compare-and-set.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

// Storage implements credits.Storage and generation.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetAccount implements credits.Storage.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*credits.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, credits_limit, credits_used, credits_balance,
				cycle_expires_at, last_renewal_at, updated_at
			FROM credit_accounts WHERE user_id = $1`,
		userID))
	if err == pgx.ErrNoRows {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// PutAccount implements credits.Storage.
func (s *Storage) PutAccount(ctx context.Context, acct *credits.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts
				(user_id, credits_limit, credits_used, credits_balance,
				cycle_expires_at, last_renewal_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				credits_limit = EXCLUDED.credits_limit,
				credits_used = EXCLUDED.credits_used,
				credits_balance = EXCLUDED.credits_balance,
				cycle_expires_at = EXCLUDED.cycle_expires_at,
				last_renewal_at = EXCLUDED.last_renewal_at,
				updated_at = EXCLUDED.updated_at`,
		acct.UserID, acct.CreditsLimit, acct.CreditsUsed, acct.CreditsBalance,
		nullTime(acct.CycleExpiresAt), nullTime(acct.LastRenewalAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// ListBundles implements credits.Storage.
func (s *Storage) ListBundles(ctx context.Context, userID string) ([]*credits.Bundle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount, remaining, valid_until, created_at
			FROM credit_bundles WHERE user_id = $1
			ORDER BY valid_until ASC NULLS LAST, created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*credits.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// DeductCredits implements credits.Storage. The account row lock serializes
// concurrent balance mutations for the same user; balances are read after
// the lock is held, and the ledger row commits with the balance change.
func (s *Storage) DeductCredits(ctx context.Context, req *credits.DeductRequest) (*credits.Transaction, error) {
	if req.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := s.checkIdempotency(ctx, tx, req.UserID, req.IdempotencyKey); err != nil {
		return nil, err
	}

	acct, err := lockAccount(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	bundles, err := lockBundles(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	alloc, err := credits.PlanDeduction(acct, bundles, req.Amount, req.Now, req.GraceWindow)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_accounts
			SET credits_used = $1, credits_balance = $2, updated_at = $3
			WHERE user_id = $4`,
		alloc.NewUsed, alloc.NewBalance, req.Now, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	for _, draw := range alloc.Draws {
		_, err = tx.Exec(ctx,
			`UPDATE credit_bundles SET remaining = remaining - $1 WHERE id = $2`,
			draw.Amount, draw.BundleID)
		if err != nil {
			return nil, fmt.Errorf("failed to update bundle: %w", err)
		}
	}

	ledger := &credits.Transaction{
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
	if err := insertTransaction(ctx, tx, ledger); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ledger, nil
}

// AddCredits implements credits.Storage.
func (s *Storage) AddCredits(ctx context.Context, req *credits.CreditRequest) (*credits.Transaction, error) {
	if req.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := s.checkIdempotency(ctx, tx, req.UserID, req.IdempotencyKey); err != nil {
		return nil, err
	}

	// Ensure the account row exists so the lock below always lands.
	// Purchases and refunds may arrive before any subscription does.
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_accounts
				(user_id, credits_limit, credits_used, credits_balance, updated_at)
			VALUES ($1, 0, 0, 0, $2)
			ON CONFLICT (user_id) DO NOTHING`,
		req.UserID, req.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account exists: %w", err)
	}

	acct, err := lockAccount(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	bundles, err := lockBundles(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	var ledger *credits.Transaction
	switch req.Source {
	case credits.SourceSubscriptionRenewal:
		ledger, err = renewCycle(ctx, tx, acct, bundles, req)
	case credits.SourceBundlePurchase, credits.SourceAdminAdjustment:
		ledger, err = grantBundle(ctx, tx, acct, bundles, req, credits.TxTypeEarned)
	case credits.SourceGenerationRefund:
		refundReq := *req
		refundReq.ValidUntil = time.Time{} // refund bundles never expire
		ledger, err = grantBundle(ctx, tx, acct, bundles, &refundReq, credits.TxTypeRefunded)
	default:
		return nil, fmt.Errorf("%w: %s", credits.ErrInvalidSource, req.Source)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ledger, nil
}

// renewCycle resets the subscription cycle under the account lock. Any
// unconsumed allotment is forfeited as a paired EXPIRED row first, so the
// ledger keeps tracking availability across the boundary.
func renewCycle(ctx context.Context, tx pgx.Tx, acct *credits.Account, bundles []*credits.Bundle, req *credits.CreditRequest) (*credits.Transaction, error) {
	// Raw remainder, not grace-gated: a renewal landing after the grace
	// window still has to materialize the forfeiture the sweep missed.
	if forfeit := acct.CreditsLimit - acct.CreditsUsed; forfeit > 0 {
		acct.CreditsUsed = acct.CreditsLimit
		expired := &credits.Transaction{
			ID:           uuid.NewString(),
			UserID:       acct.UserID,
			Type:         credits.TxTypeExpired,
			Source:       credits.SourceSubscriptionRenewal,
			Amount:       -forfeit,
			BalanceAfter: credits.AvailableCredits(acct, bundles, req.Now, req.GraceWindow),
			ReferenceID:  req.ReferenceID,
			Metadata: &credits.TxMetadata{
				Kind:   credits.MetadataKindExpiry,
				Expiry: &credits.ExpiryMetadata{Cycle: true},
			},
			CreatedAt: req.Now,
		}
		if err := insertTransaction(ctx, tx, expired); err != nil {
			return nil, err
		}
	}

	acct.CreditsLimit = req.Amount
	acct.CreditsUsed = 0
	acct.CycleExpiresAt = req.CycleExpiresAt
	acct.LastRenewalAt = req.Now

	_, err := tx.Exec(ctx,
		`UPDATE credit_accounts
			SET credits_limit = $1, credits_used = 0,
				cycle_expires_at = $2, last_renewal_at = $3, updated_at = $3
			WHERE user_id = $4`,
		acct.CreditsLimit, nullTime(acct.CycleExpiresAt), req.Now, acct.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to renew account: %w", err)
	}

	ledger := &credits.Transaction{
		ID:             uuid.NewString(),
		UserID:         acct.UserID,
		Type:           credits.TxTypeEarned,
		Source:         req.Source,
		Amount:         req.Amount,
		BalanceAfter:   credits.AvailableCredits(acct, bundles, req.Now, req.GraceWindow),
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      req.Now,
	}
	if err := insertTransaction(ctx, tx, ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

func grantBundle(ctx context.Context, tx pgx.Tx, acct *credits.Account, bundles []*credits.Bundle, req *credits.CreditRequest, txType credits.TxType) (*credits.Transaction, error) {
	bundle := &credits.Bundle{
		ID:         uuid.NewString(),
		UserID:     acct.UserID,
		Amount:     req.Amount,
		Remaining:  req.Amount,
		ValidUntil: req.ValidUntil,
		CreatedAt:  req.Now,
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO credit_bundles (id, user_id, amount, remaining, valid_until, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		bundle.ID, bundle.UserID, bundle.Amount, bundle.Remaining,
		nullTime(bundle.ValidUntil), bundle.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bundle: %w", err)
	}

	acct.CreditsBalance += req.Amount
	_, err = tx.Exec(ctx,
		`UPDATE credit_accounts SET credits_balance = $1, updated_at = $2 WHERE user_id = $3`,
		acct.CreditsBalance, req.Now, acct.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if req.Metadata != nil && req.Metadata.Purchase != nil && req.Metadata.Purchase.BundleID == "" {
		req.Metadata.Purchase.BundleID = bundle.ID
	}

	bundles = append(bundles, bundle)
	ledger := &credits.Transaction{
		ID:             uuid.NewString(),
		UserID:         acct.UserID,
		Type:           txType,
		Source:         req.Source,
		Amount:         req.Amount,
		BalanceAfter:   credits.AvailableCredits(acct, bundles, req.Now, req.GraceWindow),
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      req.Now,
	}
	if err := insertTransaction(ctx, tx, ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// ExpireDueBundles implements credits.Storage. Each forfeiture locks its
// account row before writing, keeping the same lock order as deductions.
func (s *Storage) ExpireDueBundles(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	written, err := s.expireBundles(ctx, now, grace, limit)
	if err != nil {
		return written, err
	}
	if written >= limit {
		return written, nil
	}

	lapsed, err := s.expireCycles(ctx, now, grace, limit-written)
	return written + lapsed, err
}

func (s *Storage) expireBundles(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id FROM credit_bundles
			WHERE remaining > 0 AND valid_until IS NOT NULL AND valid_until <= $1
			ORDER BY valid_until ASC
			LIMIT $2`,
		now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due bundles: %w", err)
	}
	type due struct{ id, userID string }
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.userID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan due bundle: %w", err)
		}
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	written := 0
	for _, d := range dues {
		if err := s.expireOneBundle(ctx, d.id, d.userID, now, grace); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *Storage) expireOneBundle(ctx context.Context, bundleID, userID string, now time.Time, grace time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}

	// Re-check under the lock; a concurrent deduction may have drained it.
	var forfeit int
	err = tx.QueryRow(ctx,
		`SELECT remaining FROM credit_bundles
			WHERE id = $1 AND remaining > 0 AND valid_until <= $2
			FOR UPDATE`,
		bundleID, now).Scan(&forfeit)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to lock bundle: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE credit_bundles SET remaining = 0 WHERE id = $1`, bundleID)
	if err != nil {
		return fmt.Errorf("failed to expire bundle: %w", err)
	}

	acct.CreditsBalance -= forfeit
	_, err = tx.Exec(ctx,
		`UPDATE credit_accounts SET credits_balance = $1, updated_at = $2 WHERE user_id = $3`,
		acct.CreditsBalance, now, userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	bundles, err := lockBundles(ctx, tx, userID)
	if err != nil {
		return err
	}
	ledger := &credits.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         credits.TxTypeExpired,
		Source:       credits.SourceExpirySweep,
		Amount:       -forfeit,
		BalanceAfter: credits.AvailableCredits(acct, bundles, now, grace),
		ReferenceID:  bundleID,
		Metadata: &credits.TxMetadata{
			Kind:   credits.MetadataKindExpiry,
			Expiry: &credits.ExpiryMetadata{BundleID: bundleID},
		},
		CreatedAt: now,
	}
	if err := insertTransaction(ctx, tx, ledger); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Storage) expireCycles(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM credit_accounts
			WHERE cycle_expires_at IS NOT NULL
				AND cycle_expires_at < $1
				AND credits_used < credits_limit
			LIMIT $2`,
		now.Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed cycles: %w", err)
	}
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan lapsed cycle: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	written := 0
	for _, userID := range userIDs {
		if err := s.expireOneCycle(ctx, userID, now, grace); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *Storage) expireOneCycle(ctx context.Context, userID string, now time.Time, grace time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}

	// Re-check under the lock.
	if acct.CycleExpiresAt.IsZero() || !now.After(acct.CycleExpiresAt.Add(grace)) ||
		acct.CreditsUsed >= acct.CreditsLimit {
		return nil
	}

	forfeit := acct.CreditsLimit - acct.CreditsUsed
	acct.CreditsUsed = acct.CreditsLimit
	_, err = tx.Exec(ctx,
		`UPDATE credit_accounts SET credits_used = credits_limit, updated_at = $1 WHERE user_id = $2`,
		now, userID)
	if err != nil {
		return fmt.Errorf("failed to expire cycle: %w", err)
	}

	bundles, err := lockBundles(ctx, tx, userID)
	if err != nil {
		return err
	}
	ledger := &credits.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         credits.TxTypeExpired,
		Source:       credits.SourceExpirySweep,
		Amount:       -forfeit,
		BalanceAfter: credits.AvailableCredits(acct, bundles, now, grace),
		Metadata: &credits.TxMetadata{
			Kind:   credits.MetadataKindExpiry,
			Expiry: &credits.ExpiryMetadata{Cycle: true},
		},
		CreatedAt: now,
	}
	if err := insertTransaction(ctx, tx, ledger); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListTransactions implements credits.Storage.
func (s *Storage) ListTransactions(ctx context.Context, userID string, filter credits.TransactionFilter) ([]*credits.Transaction, error) {
	query := `SELECT id, user_id, tx_type, source, amount, balance_after,
			reference_id, idempotency_key, metadata, created_at
		FROM credit_transactions WHERE user_id = $1`
	args := []interface{}{userID}

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND tx_type = $%d", len(args))
	}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*credits.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// GetTransactionByKey implements credits.Storage.
func (s *Storage) GetTransactionByKey(ctx context.Context, userID, idempotencyKey string) (*credits.Transaction, error) {
	if idempotencyKey == "" {
		return nil, nil
	}

	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT id, user_id, tx_type, source, amount, balance_after,
				reference_id, idempotency_key, metadata, created_at
			FROM credit_transactions
			WHERE user_id = $1 AND idempotency_key = $2`,
		userID, idempotencyKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by key: %w", err)
	}
	return t, nil
}

// checkIdempotency rejects a mutation whose key already has a ledger row.
// The row-level lock closes the window where two transactions both pass the
// check; the loser then fails the unique constraint on insert.
func (s *Storage) checkIdempotency(ctx context.Context, tx pgx.Tx, userID, idempotencyKey string) error {
	if idempotencyKey == "" {
		return nil
	}

	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM credit_transactions
			WHERE user_id = $1 AND idempotency_key = $2
			FOR UPDATE`,
		userID, idempotencyKey).Scan(&id)
	if err == nil {
		return credits.ErrIdempotencyKeyExists
	}
	if err != pgx.ErrNoRows {
		return fmt.Errorf("failed to check idempotency: %w", err)
	}
	return nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*credits.Account, error) {
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT user_id, credits_limit, credits_used, credits_balance,
				cycle_expires_at, last_renewal_at, updated_at
			FROM credit_accounts WHERE user_id = $1
			FOR UPDATE`,
		userID))
	if err == pgx.ErrNoRows {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return acct, nil
}

func lockBundles(ctx context.Context, tx pgx.Tx, userID string) ([]*credits.Bundle, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, user_id, amount, remaining, valid_until, created_at
			FROM credit_bundles WHERE user_id = $1 AND remaining > 0
			ORDER BY valid_until ASC NULLS LAST, created_at ASC
			FOR UPDATE`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*credits.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *credits.Transaction) error {
	metadata, err := credits.MarshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	// pgx requires string or NULL for JSONB, not []byte
	var metadataVal interface{}
	if len(metadata) > 0 {
		metadataVal = string(metadata)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions
				(id, user_id, tx_type, source, amount, balance_after,
				reference_id, idempotency_key, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, string(t.Type), string(t.Source), t.Amount, t.BalanceAfter,
		nullString(t.ReferenceID), nullString(t.IdempotencyKey), metadataVal, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*credits.Account, error) {
	var acct credits.Account
	var cycleExpiresAt, lastRenewalAt *time.Time

	err := row.Scan(
		&acct.UserID,
		&acct.CreditsLimit,
		&acct.CreditsUsed,
		&acct.CreditsBalance,
		&cycleExpiresAt,
		&lastRenewalAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cycleExpiresAt != nil {
		acct.CycleExpiresAt = *cycleExpiresAt
	}
	if lastRenewalAt != nil {
		acct.LastRenewalAt = *lastRenewalAt
	}
	return &acct, nil
}

func scanBundle(row rowScanner) (*credits.Bundle, error) {
	var b credits.Bundle
	var validUntil *time.Time

	err := row.Scan(&b.ID, &b.UserID, &b.Amount, &b.Remaining, &validUntil, &b.CreatedAt)
	if err != nil {
		return nil, err
	}

	if validUntil != nil {
		b.ValidUntil = *validUntil
	}
	return &b, nil
}

func scanTransaction(row rowScanner) (*credits.Transaction, error) {
	var t credits.Transaction
	var txType, source string
	var referenceID, idempotencyKey *string
	var metadata []byte

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&txType,
		&source,
		&t.Amount,
		&t.BalanceAfter,
		&referenceID,
		&idempotencyKey,
		&metadata,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = credits.TxType(txType)
	t.Source = credits.TxSource(source)
	if referenceID != nil {
		t.ReferenceID = *referenceID
	}
	if idempotencyKey != nil {
		t.IdempotencyKey = *idempotencyKey
	}
	t.Metadata, err = credits.UnmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
