package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

// Config holds generation service configuration.
type Config struct {
	// Logger is used for structured logging (default: NoopLogger).
	Logger credits.Logger

	// Metrics is used for tracking lifecycle events (default: NoopMetrics).
	Metrics Metrics

	// TimeSource supplies the current time (default: SystemTimeSource).
	TimeSource credits.TimeSource
}

// Service owns the job record lifecycle: submission with pre-deduction,
// and the single ApplyOutcome entry point that the push callback, the
// recovery poll, and the timeout sweep all converge on.
type Service struct {
	storage    Storage
	credits    *credits.Manager
	provider   Provider
	reconciler *Reconciler
	config     Config
}

// NewService creates a new generation service.
func NewService(storage Storage, creditManager *credits.Manager, provider Provider, reconciler *Reconciler, config Config) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if creditManager == nil {
		return nil, fmt.Errorf("credit manager is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
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

	return &Service{
		storage:    storage,
		credits:    creditManager,
		provider:   provider,
		reconciler: reconciler,
		config:     config,
	}, nil
}

func (s *Service) now(ctx context.Context) time.Time {
	t, err := s.config.TimeSource.Now(ctx)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// Submit deducts the unit cost, persists a PENDING job, and dispatches it
// to the provider. The provider call happens strictly after the atomic
// balance section; no lock is held across it.
//
// A provider rejection funnels through the same terminal path as every
// other failure: the job is marked FAILED and the pre-deducted credits are
// refunded exactly once.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	if req == nil || req.UserID == "" || req.UnitCost <= 0 {
		return nil, ErrInvalidSubmission
	}

	jobID := uuid.NewString()
	now := s.now(ctx)

	tx, err := s.credits.Deduct(ctx, req.UserID, req.UnitCost,
		&credits.TxMetadata{
			Kind: credits.MetadataKindDeduction,
			Deduction: &credits.DeductionMetadata{
				JobID:     jobID,
				PackageID: req.PackageID,
				Feature:   "generation",
			},
		},
		credits.WithReference(jobID),
		credits.WithIdempotencyKey("deduct:"+jobID),
	)
	if err != nil {
		s.config.Metrics.RecordSubmission(false)
		return nil, err
	}

	job := &Job{
		ID:            jobID,
		UserID:        req.UserID,
		PackageID:     req.PackageID,
		Status:        JobStatusPending,
		UnitCost:      req.UnitCost,
		Prompt:        req.Prompt,
		DeductionTxID: tx.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.storage.CreateJob(ctx, job); err != nil {
		// No job row exists for the CAS path, so reverse the deduction
		// directly. The idempotency key still guards against replays.
		s.refund(ctx, job, "job persistence failed")
		s.config.Metrics.RecordSubmission(false)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	externalID, err := s.provider.CreateJob(ctx, &ProviderRequest{
		JobID:  jobID,
		UserID: req.UserID,
		Prompt: req.Prompt,
	})
	if err != nil {
		s.config.Logger.Warn("provider rejected job creation",
			credits.Field{Key: "job_id", Value: jobID},
			credits.Field{Key: "error", Value: err.Error()})
		if applyErr := s.applyTerminal(ctx, SourceSubmit, job, &Outcome{
			Succeeded: false,
			Error:     fmt.Sprintf("submission failed: %v", err),
		}); applyErr != nil {
			s.config.Logger.Error("failed to fail undispatched job",
				credits.Field{Key: "job_id", Value: jobID},
				credits.Field{Key: "error", Value: applyErr.Error()})
		}
		s.config.Metrics.RecordSubmission(false)
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	if err := s.storage.MarkJobDispatched(ctx, jobID, externalID); err != nil {
		// The provider job exists but we cannot link it; fail the record
		// so the credits come back rather than leaving it stuck PENDING.
		if applyErr := s.applyTerminal(ctx, SourceSubmit, job, &Outcome{
			Succeeded: false,
			Error:     "failed to record dispatch",
		}); applyErr != nil {
			s.config.Logger.Error("failed to fail unlinked job",
				credits.Field{Key: "job_id", Value: jobID},
				credits.Field{Key: "error", Value: applyErr.Error()})
		}
		s.config.Metrics.RecordSubmission(false)
		return nil, fmt.Errorf("failed to mark job dispatched: %w", err)
	}

	job.ExternalJobID = externalID
	job.Status = JobStatusProcessing

	s.config.Metrics.RecordSubmission(true)
	s.config.Logger.Info("job submitted",
		credits.Field{Key: "job_id", Value: jobID},
		credits.Field{Key: "external_job_id", Value: externalID},
		credits.Field{Key: "user_id", Value: req.UserID},
		credits.Field{Key: "unit_cost", Value: req.UnitCost})
	return job, nil
}

// ApplyOutcome applies a terminal outcome identified by the provider's job
// ID. It is the single entry point for the push callback and the recovery
// poll; the timeout sweep enters through ApplyTimeout with the same guard.
func (s *Service) ApplyOutcome(ctx context.Context, source string, out *Outcome) error {
	if out == nil || out.ExternalJobID == "" {
		return fmt.Errorf("%w: outcome missing external job id", ErrJobNotFound)
	}

	job, err := s.storage.GetJobByExternalID(ctx, out.ExternalJobID)
	if err != nil {
		return err
	}
	return s.applyTerminal(ctx, source, job, out)
}

// ApplyTimeout force-fails a stuck job through the same terminal path.
func (s *Service) ApplyTimeout(ctx context.Context, job *Job) error {
	return s.applyTerminal(ctx, SourceTimeout, job, &Outcome{
		Succeeded: false,
		Error:     ErrJobTimedOut.Error(),
	})
}

// applyTerminal is the compare-and-set core. Whichever trigger gets here
// first applies the transition and its side effects; every later arrival
// observes an already-terminal record and no-ops.
func (s *Service) applyTerminal(ctx context.Context, source string, job *Job, out *Outcome) error {
	status := JobStatusFailed
	if out.Succeeded {
		status = JobStatusCompleted
	}

	won, err := s.storage.FinishJob(ctx, &TerminalUpdate{
		JobID:        job.ID,
		Status:       status,
		ResultRefs:   out.ResultRefs,
		ErrorMessage: out.Error,
		CompletedAt:  s.now(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	s.config.Metrics.RecordOutcome(source, string(status), won)

	if !won {
		// Expected race outcome: another path already finished the job.
		s.config.Logger.Info("duplicate terminal write ignored",
			credits.Field{Key: "job_id", Value: job.ID},
			credits.Field{Key: "source", Value: source})
		return nil
	}

	s.config.Logger.Info("job finished",
		credits.Field{Key: "job_id", Value: job.ID},
		credits.Field{Key: "status", Value: string(status)},
		credits.Field{Key: "source", Value: source})

	if status == JobStatusFailed {
		s.refund(ctx, job, out.Error)
	}

	if job.PackageID != "" {
		if err := s.reconciler.Reconcile(ctx, job.PackageID); err != nil {
			// The periodic sweep will converge the package later.
			s.config.Logger.Warn("post-transition reconcile failed",
				credits.Field{Key: "package_id", Value: job.PackageID},
				credits.Field{Key: "error", Value: err.Error()})
		}
	}
	return nil
}

// refund reverses the job's pre-deduction. The job-scoped idempotency key
// makes this safe to reach at most once per trigger path.
func (s *Service) refund(ctx context.Context, job *Job, reason string) {
	if job.UnitCost <= 0 {
		return
	}
	_, err := s.credits.Refund(ctx, &credits.RefundRequest{
		UserID:         job.UserID,
		Amount:         job.UnitCost,
		ReferenceID:    job.ID,
		IdempotencyKey: "refund:" + job.ID,
		Metadata: &credits.TxMetadata{
			Kind: credits.MetadataKindRefund,
			Refund: &credits.RefundMetadata{
				JobID:         job.ID,
				PackageID:     job.PackageID,
				DeductionTxID: job.DeductionTxID,
				FailureReason: reason,
			},
		},
	})
	if err != nil {
		s.config.Logger.Error("refund failed",
			credits.Field{Key: "job_id", Value: job.ID},
			credits.Field{Key: "user_id", Value: job.UserID},
			credits.Field{Key: "amount", Value: job.UnitCost},
			credits.Field{Key: "error", Value: err.Error()})
	}
}

// CreatePackage creates a new batch in its initial ACTIVE state.
func (s *Service) CreatePackage(ctx context.Context, userID string, totalExpected int) (*Package, error) {
	if userID == "" || totalExpected <= 0 {
		return nil, ErrInvalidSubmission
	}

	now := s.now(ctx)
	pkg := &Package{
		ID:            uuid.NewString(),
		UserID:        userID,
		TotalExpected: totalExpected,
		Status:        PackageStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.storage.CreatePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("failed to create package: %w", err)
	}
	return pkg, nil
}

// GetJob retrieves a job for progress display.
func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.storage.GetJob(ctx, jobID)
}

// GetPackage retrieves a package for progress display.
func (s *Service) GetPackage(ctx context.Context, packageID string) (*Package, error) {
	return s.storage.GetPackage(ctx, packageID)
}
