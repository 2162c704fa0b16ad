package credits_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

// With N credits available and N+1 concurrent unit deductions, exactly N
// succeed and the balance lands at zero: no double-spend, no lost update.
func TestManager_ConcurrentDeductions(t *testing.T) {
	clock := &fakeTime{t: testEpoch}
	manager, _ := newTestManager(t, clock)
	ctx := context.Background()
	userID := "user_concurrent"

	const available = 50
	renew(t, manager, userID, available, testEpoch.AddDate(0, 1, 0))

	const goroutines = available + 1
	errChan := make(chan error, goroutines)

	var start sync.WaitGroup
	start.Add(1)
	var done sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			_, err := manager.Deduct(ctx, userID, 1, deductMeta(fmt.Sprintf("job-%d", i)))
			errChan <- err
		}(i)
	}
	start.Done()
	done.Wait()
	close(errChan)

	succeeded, rejected := 0, 0
	for err := range errChan {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, credits.ErrInsufficientCredits):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if succeeded != available {
		t.Errorf("expected %d successful deductions, got %d", available, succeeded)
	}
	if rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", rejected)
	}

	final, err := manager.Available(ctx, userID)
	if err != nil {
		t.Fatalf("Available failed: %v", err)
	}
	if final != 0 {
		t.Errorf("expected 0 available, got %d", final)
	}
	if sum := ledgerSum(t, manager, userID); sum != 0 {
		t.Errorf("expected ledger sum 0, got %d", sum)
	}
}

// Mixed concurrent deductions and bundle purchases must keep every ledger
// row's BalanceAfter consistent with a serial ordering of the operations.
func TestManager_ConcurrentDeductAndCredit(t *testing.T) {
	clock := &fakeTime{t: testEpoch}
	manager, _ := newTestManager(t, clock)
	ctx := context.Background()
	userID := "user_mixed"

	renew(t, manager, userID, 100, testEpoch.AddDate(0, 1, 0))

	const deductions = 40
	const purchases = 10
	errChan := make(chan error, deductions+purchases)

	var wg sync.WaitGroup
	for i := 0; i < deductions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := manager.Deduct(ctx, userID, 2, deductMeta(fmt.Sprintf("job-%d", i)))
			errChan <- err
		}(i)
	}
	for i := 0; i < purchases; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Credit(ctx, &credits.CreditRequest{
				UserID: userID,
				Amount: 5,
				Source: credits.SourceBundlePurchase,
				Metadata: &credits.TxMetadata{
					Kind:     credits.MetadataKindPurchase,
					Purchase: &credits.PurchaseMetadata{},
				},
			})
			errChan <- err
		}()
	}
	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil && !errors.Is(err, credits.ErrInsufficientCredits) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	// 100 granted + 50 purchased - 80 deducted.
	available, err := manager.Available(ctx, userID)
	if err != nil {
		t.Fatalf("Available failed: %v", err)
	}
	if available != 70 {
		t.Errorf("expected 70 available, got %d", available)
	}
	if sum := ledgerSum(t, manager, userID); sum != available {
		t.Errorf("ledger sum %d does not match availability %d", sum, available)
	}
}
