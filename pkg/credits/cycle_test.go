package credits_test

import (
	"testing"
	"time"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

func TestSubscriptionRemaining_GraceWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	acct := &credits.Account{
		UserID:         "u1",
		CreditsLimit:   100,
		CreditsUsed:    30,
		CycleExpiresAt: now.Add(-time.Hour),
	}

	// Within the grace window the allotment still counts.
	if got := credits.SubscriptionRemaining(acct, now, 24*time.Hour); got != 70 {
		t.Errorf("expected 70 within grace, got %d", got)
	}

	// Past the grace window it contributes zero.
	if got := credits.SubscriptionRemaining(acct, now.Add(25*time.Hour), 24*time.Hour); got != 0 {
		t.Errorf("expected 0 past grace, got %d", got)
	}

	// No subscription at all.
	if got := credits.SubscriptionRemaining(&credits.Account{UserID: "u2"}, now, 24*time.Hour); got != 0 {
		t.Errorf("expected 0 without subscription, got %d", got)
	}

	// Overconsumed accounts never report negative.
	over := &credits.Account{UserID: "u3", CreditsLimit: 10, CreditsUsed: 15, CycleExpiresAt: now.Add(time.Hour)}
	if got := credits.SubscriptionRemaining(over, now, 0); got != 0 {
		t.Errorf("expected 0 for overconsumed, got %d", got)
	}
}

func TestAvailableCredits_SkipsExpiredBundles(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	acct := &credits.Account{
		UserID:         "u1",
		CreditsLimit:   100,
		CreditsUsed:    100,
		CycleExpiresAt: now.Add(time.Hour),
	}
	bundles := []*credits.Bundle{
		{ID: "live", Remaining: 40, ValidUntil: now.Add(time.Hour)},
		{ID: "lapsed", Remaining: 25, ValidUntil: now.Add(-time.Minute)},
		{ID: "forever", Remaining: 10},
		{ID: "drained", Remaining: 0},
	}

	if got := credits.AvailableCredits(acct, bundles, now, 0); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestPlanDeduction_SubscriptionFirst(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	acct := &credits.Account{
		UserID:         "u1",
		CreditsLimit:   100,
		CreditsUsed:    90,
		CreditsBalance: 50,
		CycleExpiresAt: now.Add(time.Hour),
	}
	bundles := []*credits.Bundle{
		{ID: "b1", Remaining: 50, ValidUntil: now.Add(48 * time.Hour), CreatedAt: now},
	}

	alloc, err := credits.PlanDeduction(acct, bundles, 25, now, 0)
	if err != nil {
		t.Fatalf("PlanDeduction failed: %v", err)
	}

	if alloc.FromSubscription != 10 {
		t.Errorf("expected 10 from subscription, got %d", alloc.FromSubscription)
	}
	if len(alloc.Draws) != 1 || alloc.Draws[0].Amount != 15 {
		t.Errorf("expected one draw of 15, got %+v", alloc.Draws)
	}
	if alloc.NewUsed != 100 {
		t.Errorf("expected NewUsed 100, got %d", alloc.NewUsed)
	}
	if alloc.NewBalance != 35 {
		t.Errorf("expected NewBalance 35, got %d", alloc.NewBalance)
	}
	if alloc.AvailableAfter != 35 {
		t.Errorf("expected AvailableAfter 35, got %d", alloc.AvailableAfter)
	}

	// Inputs are never mutated.
	if acct.CreditsUsed != 90 || bundles[0].Remaining != 50 {
		t.Error("PlanDeduction mutated its inputs")
	}
}

func TestPlanDeduction_BundleOrdering(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	acct := &credits.Account{UserID: "u1"} // no subscription
	bundles := []*credits.Bundle{
		{ID: "forever", Remaining: 30, CreatedAt: now},
		{ID: "late", Remaining: 30, ValidUntil: now.Add(72 * time.Hour), CreatedAt: now},
		{ID: "soon", Remaining: 30, ValidUntil: now.Add(2 * time.Hour), CreatedAt: now},
	}

	alloc, err := credits.PlanDeduction(acct, bundles, 70, now, 0)
	if err != nil {
		t.Fatalf("PlanDeduction failed: %v", err)
	}

	// Oldest expiry drains first; never-expiring bundles go last.
	want := []credits.BundleDraw{
		{BundleID: "soon", Amount: 30},
		{BundleID: "late", Amount: 30},
		{BundleID: "forever", Amount: 10},
	}
	if len(alloc.Draws) != len(want) {
		t.Fatalf("expected %d draws, got %d", len(want), len(alloc.Draws))
	}
	for i, draw := range alloc.Draws {
		if draw != want[i] {
			t.Errorf("draw %d: expected %+v, got %+v", i, want[i], draw)
		}
	}
}

func TestPlanDeduction_Insufficient(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	acct := &credits.Account{
		UserID:         "u1",
		CreditsLimit:   10,
		CreditsUsed:    5,
		CycleExpiresAt: now.Add(time.Hour),
	}

	_, err := credits.PlanDeduction(acct, nil, 6, now, 0)
	if err != credits.ErrInsufficientCredits {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}

	// Exactly the available amount succeeds.
	if _, err := credits.PlanDeduction(acct, nil, 5, now, 0); err != nil {
		t.Errorf("expected full-balance deduction to succeed, got %v", err)
	}

	if _, err := credits.PlanDeduction(acct, nil, 0, now, 0); err != credits.ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
}
