package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

// DefaultZeroJobGrace is how long a package may sit with zero job records
// before reconciliation concludes the submission never happened.
const DefaultZeroJobGrace = 5 * time.Minute

// ReconcilerConfig holds reconciliation engine configuration.
type ReconcilerConfig struct {
	// ZeroJobGrace overrides the zero-jobs grace window (default: 5 minutes).
	ZeroJobGrace time.Duration

	// Notifier receives package status change events (default: NoopNotifier).
	Notifier Notifier

	// Logger is used for structured logging (default: NoopLogger).
	Logger credits.Logger

	// Metrics is used for tracking reconciler runs (default: NoopMetrics).
	Metrics Metrics

	// TimeSource supplies the current time (default: SystemTimeSource).
	TimeSource credits.TimeSource
}

// Reconciler derives a package's aggregate status purely from its live job
// records. It is the single writer of package status; it recomputes from
// scratch every run and never applies a delta against its own previous
// output, so concurrent or duplicate invocations for the same package are
// harmless. It never touches credits: refunds belong to the job lifecycle.
type Reconciler struct {
	storage Storage
	config  ReconcilerConfig
}

// NewReconciler creates a new reconciliation engine.
func NewReconciler(storage Storage, config ReconcilerConfig) (*Reconciler, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.ZeroJobGrace == 0 {
		config.ZeroJobGrace = DefaultZeroJobGrace
	}
	if config.Notifier == nil {
		config.Notifier = NoopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = &credits.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if config.TimeSource == nil {
		config.TimeSource = credits.SystemTimeSource{}
	}

	return &Reconciler{
		storage: storage,
		config:  config,
	}, nil
}

// DeriveStatus computes the package status from a job census. It is pure
// so the decision table is testable in isolation.
//
// Rules, in order:
//  1. zero jobs, within the grace window since creation: stay ACTIVE;
//  2. zero jobs, past the grace window: FAILED (submission never happened);
//  3. any live job: GENERATING;
//  4. all terminal, all failed: FAILED;
//  5. all terminal, at least one completed: COMPLETED (partial success
//     counts as completed).
func DeriveStatus(counts JobCounts, createdAt, now time.Time, grace time.Duration) PackageStatus {
	if counts.Total() == 0 {
		if now.Sub(createdAt) < grace {
			return PackageStatusActive
		}
		return PackageStatusFailed
	}
	if !counts.AllTerminal() {
		return PackageStatusGenerating
	}
	if counts.Completed == 0 {
		return PackageStatusFailed
	}
	return PackageStatusCompleted
}

func (r *Reconciler) now(ctx context.Context) time.Time {
	t, err := r.config.TimeSource.Now(ctx)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// Reconcile recomputes one package's status and counts from its job
// records and persists the result. Side effects (the status write and the
// notification) fire only when something actually changed, which makes
// re-invocation idempotent: this runs both on a timer and after every
// terminal transition for the same package.
func (r *Reconciler) Reconcile(ctx context.Context, packageID string) error {
	start := time.Now()

	pkg, err := r.storage.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}

	counts, err := r.storage.CountPackageJobs(ctx, packageID)
	if err != nil {
		return fmt.Errorf("failed to count package jobs: %w", err)
	}

	now := r.now(ctx)
	status := DeriveStatus(counts, pkg.CreatedAt, now, r.config.ZeroJobGrace)

	update := &PackageUpdate{
		PackageID:      packageID,
		Status:         status,
		GeneratedCount: counts.Completed,
		FailedCount:    counts.Failed,
	}
	if status == PackageStatusCompleted || status == PackageStatusFailed {
		update.CompletedAt = &now
	}

	changed, err := r.storage.UpdatePackageStatus(ctx, update)
	if err != nil {
		return fmt.Errorf("failed to update package status: %w", err)
	}
	r.config.Metrics.RecordReconciliation(changed, time.Since(start))

	if !changed {
		return nil
	}

	r.config.Logger.Info("package status reconciled",
		credits.Field{Key: "package_id", Value: packageID},
		credits.Field{Key: "status", Value: string(status)},
		credits.Field{Key: "generated", Value: counts.Completed},
		credits.Field{Key: "failed", Value: counts.Failed})

	if err := r.config.Notifier.PublishPackageStatus(ctx, &Notification{
		PackageID:      packageID,
		UserID:         pkg.UserID,
		Status:         string(status),
		GeneratedCount: counts.Completed,
		TotalCount:     pkg.TotalExpected,
	}); err != nil {
		// Notification delivery is best-effort; the durable state is
		// already correct.
		r.config.Logger.Warn("package notification failed",
			credits.Field{Key: "package_id", Value: packageID},
			credits.Field{Key: "error", Value: err.Error()})
	}
	return nil
}
