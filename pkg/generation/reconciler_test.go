package generation_test

import (
	"context"
	"testing"
	"time"

	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

func TestDeriveStatus(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	grace := 5 * time.Minute

	tests := []struct {
		name   string
		counts generation.JobCounts
		now    time.Time
		want   generation.PackageStatus
	}{
		{
			name:   "zero jobs within grace stays active",
			counts: generation.JobCounts{},
			now:    createdAt.Add(2 * time.Minute),
			want:   generation.PackageStatusActive,
		},
		{
			name:   "zero jobs past grace fails",
			counts: generation.JobCounts{},
			now:    createdAt.Add(6 * time.Minute),
			want:   generation.PackageStatusFailed,
		},
		{
			name:   "pending job means generating",
			counts: generation.JobCounts{Pending: 1, Completed: 2},
			now:    createdAt.Add(time.Minute),
			want:   generation.PackageStatusGenerating,
		},
		{
			name:   "processing job means generating",
			counts: generation.JobCounts{Processing: 1, Failed: 2},
			now:    createdAt.Add(time.Minute),
			want:   generation.PackageStatusGenerating,
		},
		{
			name:   "all failed means failed",
			counts: generation.JobCounts{Failed: 3},
			now:    createdAt.Add(time.Minute),
			want:   generation.PackageStatusFailed,
		},
		{
			name:   "partial success counts as completed",
			counts: generation.JobCounts{Completed: 1, Failed: 2},
			now:    createdAt.Add(time.Minute),
			want:   generation.PackageStatusCompleted,
		},
		{
			name:   "all completed",
			counts: generation.JobCounts{Completed: 3},
			now:    createdAt.Add(time.Minute),
			want:   generation.PackageStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := generation.DeriveStatus(tt.counts, createdAt, tt.now, grace)
			if got != tt.want {
				t.Errorf("DeriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReconciler_PartialSuccessCompletes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	userID := "user_partial"

	rig.fund(t, userID, 100)
	pkg, err := rig.service.CreatePackage(ctx, userID, 3)
	if err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}

	jobs := make([]*generation.Job, 3)
	for i := range jobs {
		jobs[i], err = rig.service.Submit(ctx, &generation.SubmitRequest{
			UserID:    userID,
			PackageID: pkg.ID,
			UnitCost:  10,
			Prompt:    "portrait",
		})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	// Two succeed, one fails.
	for i := 0; i < 2; i++ {
		if err := rig.service.ApplyOutcome(ctx, generation.SourceCallback, &generation.Outcome{
			ExternalJobID: jobs[i].ExternalJobID,
			Succeeded:     true,
			ResultRefs:    []string{"https://cdn.example.com/out.png"},
		}); err != nil {
			t.Fatalf("ApplyOutcome %d failed: %v", i, err)
		}
	}
	if err := rig.service.ApplyOutcome(ctx, generation.SourceCallback, &generation.Outcome{
		ExternalJobID: jobs[2].ExternalJobID,
		Succeeded:     false,
		Error:         "content policy rejection",
	}); err != nil {
		t.Fatalf("ApplyOutcome failure failed: %v", err)
	}

	got, err := rig.service.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("GetPackage failed: %v", err)
	}
	if got.Status != generation.PackageStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if got.GeneratedCount != 2 || got.FailedCount != 1 {
		t.Errorf("expected counts 2/1, got %d/%d", got.GeneratedCount, got.FailedCount)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// The failed job was refunded; the two successes were not.
	if avail := rig.available(t, userID); avail != 80 {
		t.Errorf("expected 80 available, got %d", avail)
	}

	note := rig.notifier.last()
	if note == nil {
		t.Fatal("expected a status notification")
	}
	if note.Status != string(generation.PackageStatusCompleted) || note.GeneratedCount != 2 || note.TotalCount != 3 {
		t.Errorf("unexpected final notification: %+v", note)
	}
}

func TestReconciler_AllFailedFails(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	userID := "user_allfail"

	rig.fund(t, userID, 100)
	pkg, err := rig.service.CreatePackage(ctx, userID, 2)
	if err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		job, err := rig.service.Submit(ctx, &generation.SubmitRequest{
			UserID:    userID,
			PackageID: pkg.ID,
			UnitCost:  10,
			Prompt:    "portrait",
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if err := rig.service.ApplyOutcome(ctx, generation.SourcePoll, &generation.Outcome{
			ExternalJobID: job.ExternalJobID,
			Succeeded:     false,
			Error:         "provider error",
		}); err != nil {
			t.Fatalf("ApplyOutcome failed: %v", err)
		}
	}

	got, _ := rig.service.GetPackage(ctx, pkg.ID)
	if got.Status != generation.PackageStatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if got.GeneratedCount != 0 || got.FailedCount != 2 {
		t.Errorf("expected counts 0/2, got %d/%d", got.GeneratedCount, got.FailedCount)
	}

	// Every job refunded: balance is whole again.
	if avail := rig.available(t, userID); avail != 100 {
		t.Errorf("expected 100 available, got %d", avail)
	}
}

func TestReconciler_GeneratingWhileJobsLive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	userID := "user_live"

	rig.fund(t, userID, 100)
	pkg, err := rig.service.CreatePackage(ctx, userID, 2)
	if err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}

	job, err := rig.service.Submit(ctx, &generation.SubmitRequest{
		UserID:    userID,
		PackageID: pkg.ID,
		UnitCost:  10,
		Prompt:    "portrait",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := rig.reconciler.Reconcile(ctx, pkg.ID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	got, _ := rig.service.GetPackage(ctx, pkg.ID)
	if got.Status != generation.PackageStatusGenerating {
		t.Errorf("expected GENERATING with a live job, got %s", got.Status)
	}

	// Finishing the only job completes the package even though fewer jobs
	// than TotalExpected ever existed: status derives from records, not
	// from the expected count.
	if err := rig.service.ApplyOutcome(ctx, generation.SourceCallback, &generation.Outcome{
		ExternalJobID: job.ExternalJobID,
		Succeeded:     true,
	}); err != nil {
		t.Fatalf("ApplyOutcome failed: %v", err)
	}
	got, _ = rig.service.GetPackage(ctx, pkg.ID)
	if got.Status != generation.PackageStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
}

func TestReconciler_IdempotentAndNotifiesOnlyOnChange(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	userID := "user_idempotent"

	rig.fund(t, userID, 100)
	pkg, err := rig.service.CreatePackage(ctx, userID, 1)
	if err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}

	job, err := rig.service.Submit(ctx, &generation.SubmitRequest{
		UserID:    userID,
		PackageID: pkg.ID,
		UnitCost:  10,
		Prompt:    "portrait",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := rig.service.ApplyOutcome(ctx, generation.SourceCallback, &generation.Outcome{
		ExternalJobID: job.ExternalJobID,
		Succeeded:     true,
	}); err != nil {
		t.Fatalf("ApplyOutcome failed: %v", err)
	}

	before := rig.notifier.count()
	if before == 0 {
		t.Fatal("expected at least one notification after completion")
	}

	// Re-running reconciliation converges on the same state silently.
	for i := 0; i < 3; i++ {
		if err := rig.reconciler.Reconcile(ctx, pkg.ID); err != nil {
			t.Fatalf("Reconcile %d failed: %v", i, err)
		}
	}
	if after := rig.notifier.count(); after != before {
		t.Errorf("expected no new notifications, got %d -> %d", before, after)
	}
}

func TestReconciler_ZeroJobGrace(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	userID := "user_empty"

	pkg, err := rig.service.CreatePackage(ctx, userID, 3)
	if err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}

	// Within the grace window an empty package stays ACTIVE.
	if err := rig.reconciler.Reconcile(ctx, pkg.ID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	got, _ := rig.service.GetPackage(ctx, pkg.ID)
	if got.Status != generation.PackageStatusActive {
		t.Errorf("expected ACTIVE within grace, got %s", got.Status)
	}
	if rig.notifier.count() != 0 {
		t.Errorf("expected no notification for unchanged package")
	}

	// Past the grace window with still no job records it fails.
	rig.clock.Advance(generation.DefaultZeroJobGrace + time.Minute)
	if err := rig.reconciler.Reconcile(ctx, pkg.ID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	got, _ = rig.service.GetPackage(ctx, pkg.ID)
	if got.Status != generation.PackageStatusFailed {
		t.Errorf("expected FAILED past grace, got %s", got.Status)
	}
	if rig.notifier.count() != 1 {
		t.Errorf("expected exactly one notification, got %d", rig.notifier.count())
	}
}

func TestReconciler_UnknownPackage(t *testing.T) {
	rig := newTestRig(t)

	err := rig.reconciler.Reconcile(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown package")
	}
}
