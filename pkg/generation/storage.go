package generation

import (
	"context"
	"time"
)

// TerminalUpdate is the compare-and-set payload for finishing a job.
type TerminalUpdate struct {
	JobID        string
	Status       JobStatus // COMPLETED or FAILED
	ResultRefs   []string
	ErrorMessage string
	CompletedAt  time.Time
}

// PackageUpdate carries the reconciler's freshly derived package state.
type PackageUpdate struct {
	PackageID      string
	Status         PackageStatus
	GeneratedCount int
	FailedCount    int
	CompletedAt    *time.Time
}

// Storage defines the interface for job and package persistence.
//
// FinishJob is the single mutation point for terminal transitions: it must
// update the row only while the current status is still non-terminal and
// report whether this caller won, so that the callback, the recovery poll,
// and the timeout sweep can race safely.
type Storage interface {
	// CreateJob persists a new PENDING job.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// GetJobByExternalID retrieves a job by the provider's job ID.
	// Returns ErrJobNotFound if absent.
	GetJobByExternalID(ctx context.Context, externalJobID string) (*Job, error)

	// MarkJobDispatched records the provider job ID and moves the job
	// from PENDING to PROCESSING.
	MarkJobDispatched(ctx context.Context, jobID, externalJobID string) error

	// FinishJob applies a terminal outcome iff the job is still
	// non-terminal. Returns true when this call performed the
	// transition, false when the job was already terminal.
	FinishJob(ctx context.Context, update *TerminalUpdate) (bool, error)

	// ListAwaitingPoll returns PROCESSING jobs dispatched before the
	// cutoff that have not heard back from the provider.
	ListAwaitingPoll(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// ListTimedOut returns non-terminal jobs created before the cutoff.
	ListTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// ListJobsByPackage returns all jobs linked to a package.
	ListJobsByPackage(ctx context.Context, packageID string) ([]*Job, error)

	// CreatePackage persists a new ACTIVE package.
	CreatePackage(ctx context.Context, pkg *Package) error

	// GetPackage retrieves a package by ID. Returns ErrPackageNotFound
	// if absent.
	GetPackage(ctx context.Context, packageID string) (*Package, error)

	// CountPackageJobs returns the per-status census of a package's jobs.
	CountPackageJobs(ctx context.Context, packageID string) (JobCounts, error)

	// UpdatePackageStatus writes derived package state and reports
	// whether status or counts actually changed. It must overwrite from
	// the derived values, never apply a delta.
	UpdatePackageStatus(ctx context.Context, update *PackageUpdate) (bool, error)

	// ListReconcilablePackages returns IDs of packages in a live state
	// (ACTIVE or GENERATING) for the periodic reconcile sweep.
	ListReconcilablePackages(ctx context.Context, limit int) ([]string, error)
}
