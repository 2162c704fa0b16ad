package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

// CreateJob implements generation.Storage.
func (s *Storage) CreateJob(ctx context.Context, job *generation.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid job")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO generation_jobs
				(id, user_id, package_id, external_job_id, status, unit_cost,
				prompt, result_refs, error_message, deduction_tx_id,
				created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.UserID, nullString(job.PackageID), nullString(job.ExternalJobID),
		string(job.Status), job.UnitCost, job.Prompt, job.ResultRefs,
		nullString(job.ErrorMessage), nullString(job.DeductionTxID),
		job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob implements generation.Storage.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*generation.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, jobID))
	if err == pgx.ErrNoRows {
		return nil, generation.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetJobByExternalID implements generation.Storage.
func (s *Storage) GetJobByExternalID(ctx context.Context, externalJobID string) (*generation.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE external_job_id = $1`, externalJobID))
	if err == pgx.ErrNoRows {
		return nil, generation.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job by external id: %w", err)
	}
	return job, nil
}

// MarkJobDispatched implements generation.Storage.
func (s *Storage) MarkJobDispatched(ctx context.Context, jobID, externalJobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs
			SET external_job_id = $1, status = $2, updated_at = $3
			WHERE id = $4 AND status = $5`,
		externalJobID, string(generation.JobStatusProcessing), time.Now().UTC(),
		jobID, string(generation.JobStatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generation.ErrJobNotFound
	}
	return nil
}

// FinishJob implements generation.Storage. The WHERE clause is the
// compare-and-set: only a still-live row matches, so exactly one of the
// racing writers sees RowsAffected == 1.
func (s *Storage) FinishJob(ctx context.Context, update *generation.TerminalUpdate) (bool, error) {
	if update == nil || !update.Status.Terminal() {
		return false, fmt.Errorf("invalid terminal update")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs
			SET status = $1, result_refs = $2, error_message = $3,
				completed_at = $4, updated_at = $4
			WHERE id = $5 AND status IN ($6, $7)`,
		string(update.Status), update.ResultRefs, nullString(update.ErrorMessage),
		update.CompletedAt, update.JobID,
		string(generation.JobStatusPending), string(generation.JobStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAwaitingPoll implements generation.Storage.
func (s *Storage) ListAwaitingPoll(ctx context.Context, cutoff time.Time, limit int) ([]*generation.Job, error) {
	rows, err := s.pool.Query(ctx,
		selectJob+` WHERE status = $1 AND external_job_id IS NOT NULL AND updated_at <= $2
			ORDER BY updated_at ASC
			LIMIT $3`,
		string(generation.JobStatusProcessing), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs awaiting poll: %w", err)
	}
	return collectJobs(rows)
}

// ListTimedOut implements generation.Storage.
func (s *Storage) ListTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]*generation.Job, error) {
	rows, err := s.pool.Query(ctx,
		selectJob+` WHERE status IN ($1, $2) AND created_at <= $3
			ORDER BY created_at ASC
			LIMIT $4`,
		string(generation.JobStatusPending), string(generation.JobStatusProcessing),
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed out jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsByPackage implements generation.Storage.
func (s *Storage) ListJobsByPackage(ctx context.Context, packageID string) ([]*generation.Job, error) {
	rows, err := s.pool.Query(ctx,
		selectJob+` WHERE package_id = $1 ORDER BY created_at ASC, id ASC`,
		packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by package: %w", err)
	}
	return collectJobs(rows)
}

// CreatePackage implements generation.Storage.
func (s *Storage) CreatePackage(ctx context.Context, pkg *generation.Package) error {
	if pkg == nil || pkg.ID == "" {
		return fmt.Errorf("invalid package")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO generation_packages
				(id, user_id, total_expected, generated_count, failed_count,
				status, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pkg.ID, pkg.UserID, pkg.TotalExpected, pkg.GeneratedCount, pkg.FailedCount,
		string(pkg.Status), pkg.CreatedAt, pkg.UpdatedAt, pkg.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	return nil
}

// GetPackage implements generation.Storage.
func (s *Storage) GetPackage(ctx context.Context, packageID string) (*generation.Package, error) {
	pkg, err := scanPackage(s.pool.QueryRow(ctx,
		`SELECT id, user_id, total_expected, generated_count, failed_count,
				status, created_at, updated_at, completed_at
			FROM generation_packages WHERE id = $1`,
		packageID))
	if err == pgx.ErrNoRows {
		return nil, generation.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return pkg, nil
}

// CountPackageJobs implements generation.Storage.
func (s *Storage) CountPackageJobs(ctx context.Context, packageID string) (generation.JobCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM generation_jobs
			WHERE package_id = $1 GROUP BY status`,
		packageID)
	if err != nil {
		return generation.JobCounts{}, fmt.Errorf("failed to count package jobs: %w", err)
	}
	defer rows.Close()

	var counts generation.JobCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return generation.JobCounts{}, fmt.Errorf("failed to scan job counts: %w", err)
		}
		switch generation.JobStatus(status) {
		case generation.JobStatusPending:
			counts.Pending = n
		case generation.JobStatusProcessing:
			counts.Processing = n
		case generation.JobStatusCompleted:
			counts.Completed = n
		case generation.JobStatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// UpdatePackageStatus implements generation.Storage. The WHERE clause skips
// rows already holding the derived values, so RowsAffected doubles as the
// changed report and no-op reconciliations stay silent.
func (s *Storage) UpdatePackageStatus(ctx context.Context, update *generation.PackageUpdate) (bool, error) {
	if update == nil || update.PackageID == "" {
		return false, fmt.Errorf("invalid package update")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_packages
			SET status = $1, generated_count = $2, failed_count = $3,
				completed_at = COALESCE($4, completed_at), updated_at = $5
			WHERE id = $6
				AND (status <> $1 OR generated_count <> $2 OR failed_count <> $3)`,
		string(update.Status), update.GeneratedCount, update.FailedCount,
		update.CompletedAt, time.Now().UTC(), update.PackageID)
	if err != nil {
		return false, fmt.Errorf("failed to update package status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish no-change from not-found.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM generation_packages WHERE id = $1)`,
			update.PackageID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check package: %w", err)
		}
		if !exists {
			return false, generation.ErrPackageNotFound
		}
		return false, nil
	}
	return true, nil
}

// ListReconcilablePackages implements generation.Storage.
func (s *Storage) ListReconcilablePackages(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM generation_packages
			WHERE status IN ($1, $2)
			ORDER BY updated_at ASC
			LIMIT $3`,
		string(generation.PackageStatusActive), string(generation.PackageStatusGenerating), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable packages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan package id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const selectJob = `SELECT id, user_id, package_id, external_job_id, status, unit_cost,
		prompt, result_refs, error_message, deduction_tx_id,
		created_at, updated_at, completed_at
	FROM generation_jobs`

func scanJob(row rowScanner) (*generation.Job, error) {
	var job generation.Job
	var packageID, externalJobID, errorMessage, deductionTxID *string
	var status string

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&packageID,
		&externalJobID,
		&status,
		&job.UnitCost,
		&job.Prompt,
		&job.ResultRefs,
		&errorMessage,
		&deductionTxID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = generation.JobStatus(status)
	if packageID != nil {
		job.PackageID = *packageID
	}
	if externalJobID != nil {
		job.ExternalJobID = *externalJobID
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	if deductionTxID != nil {
		job.DeductionTxID = *deductionTxID
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*generation.Job, error) {
	defer rows.Close()

	var jobs []*generation.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanPackage(row rowScanner) (*generation.Package, error) {
	var pkg generation.Package
	var status string

	err := row.Scan(
		&pkg.ID,
		&pkg.UserID,
		&pkg.TotalExpected,
		&pkg.GeneratedCount,
		&pkg.FailedCount,
		&status,
		&pkg.CreatedAt,
		&pkg.UpdatedAt,
		&pkg.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	pkg.Status = generation.PackageStatus(status)
	return &pkg, nil
}
