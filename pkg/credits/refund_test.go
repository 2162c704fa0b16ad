package credits_test

import (
	"context"
	"testing"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

func refundReq(userID, jobID string, amount int) *credits.RefundRequest {
	return &credits.RefundRequest{
		UserID:         userID,
		Amount:         amount,
		ReferenceID:    jobID,
		IdempotencyKey: "refund:" + jobID,
		Metadata: &credits.TxMetadata{
			Kind:   credits.MetadataKindRefund,
			Refund: &credits.RefundMetadata{JobID: jobID, FailureReason: "provider error"},
		},
	}
}

func TestManager_RefundCreatesForeverBundle(t *testing.T) {
	clock := &fakeTime{t: testEpoch}
	manager, _ := newTestManager(t, clock)
	ctx := context.Background()
	userID := "user_refund"

	renew(t, manager, userID, 100, testEpoch.AddDate(0, 1, 0))
	if _, err := manager.Deduct(ctx, userID, 30, deductMeta("job-1"),
		credits.WithIdempotencyKey("deduct:job-1")); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	tx, err := manager.Refund(ctx, refundReq(userID, "job-1", 30))
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if tx.Type != credits.TxTypeRefunded {
		t.Errorf("expected REFUNDED row, got %s", tx.Type)
	}
	if tx.Amount != 30 {
		t.Errorf("expected refund amount 30, got %d", tx.Amount)
	}
	if tx.BalanceAfter != 100 {
		t.Errorf("expected balance_after 100, got %d", tx.BalanceAfter)
	}

	// Refunded credits live in the purchased pool and never expire.
	bundles, err := manager.ListBundles(ctx, userID)
	if err != nil {
		t.Fatalf("ListBundles failed: %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("expected 1 refund bundle, got %d", len(bundles))
	}
	if !bundles[0].ValidUntil.IsZero() {
		t.Errorf("expected refund bundle to never expire, got %v", bundles[0].ValidUntil)
	}
	if bundles[0].Remaining != 30 {
		t.Errorf("expected remaining 30, got %d", bundles[0].Remaining)
	}

	available, _ := manager.Available(ctx, userID)
	if available != 100 {
		t.Errorf("expected 100 available after refund, got %d", available)
	}
	if sum := ledgerSum(t, manager, userID); sum != available {
		t.Errorf("ledger sum %d does not match availability %d", sum, available)
	}
}

func TestManager_RefundDuplicateIsNoOp(t *testing.T) {
	clock := &fakeTime{t: testEpoch}
	manager, _ := newTestManager(t, clock)
	ctx := context.Background()
	userID := "user_refund_dup"

	renew(t, manager, userID, 100, testEpoch.AddDate(0, 1, 0))
	if _, err := manager.Deduct(ctx, userID, 25, deductMeta("job-1")); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	first, err := manager.Refund(ctx, refundReq(userID, "job-1", 25))
	if err != nil {
		t.Fatalf("first refund failed: %v", err)
	}

	// Duplicate key: no error, no new money, original transaction back.
	second, err := manager.Refund(ctx, refundReq(userID, "job-1", 25))
	if err != nil {
		t.Fatalf("duplicate refund must not error: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Errorf("expected original transaction back, got %+v", second)
	}

	available, _ := manager.Available(ctx, userID)
	if available != 100 {
		t.Errorf("expected 100 available after duplicate refund, got %d", available)
	}

	refunds, err := manager.History(ctx, userID, credits.TransactionFilter{Type: credits.TxTypeRefunded})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(refunds) != 1 {
		t.Errorf("expected exactly one REFUNDED row, got %d", len(refunds))
	}
}

func TestManager_RefundValidation(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := manager.Refund(ctx, &credits.RefundRequest{UserID: "u1", Amount: 0}); err != credits.ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	_, err := manager.Refund(ctx, &credits.RefundRequest{
		UserID: "u1",
		Amount: 10,
		Metadata: &credits.TxMetadata{
			Kind:      credits.MetadataKindRefund,
			Deduction: &credits.DeductionMetadata{JobID: "job-1"},
		},
	})
	if err == nil {
		t.Error("expected mismatched metadata to fail validation")
	}
}
