package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

// CreateJob implements generation.Storage.
func (s *Storage) CreateJob(ctx context.Context, job *generation.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob implements generation.Storage.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*generation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, generation.ErrJobNotFound
	}
	return copyJob(job), nil
}

// GetJobByExternalID implements generation.Storage.
func (s *Storage) GetJobByExternalID(ctx context.Context, externalJobID string) (*generation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobID, ok := s.jobsByExternal[externalJobID]
	if !ok {
		return nil, generation.ErrJobNotFound
	}
	return copyJob(s.jobs[jobID]), nil
}

// MarkJobDispatched implements generation.Storage.
func (s *Storage) MarkJobDispatched(ctx context.Context, jobID, externalJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return generation.ErrJobNotFound
	}
	if job.Status != generation.JobStatusPending {
		return fmt.Errorf("job %s is %s, not PENDING", jobID, job.Status)
	}
	job.ExternalJobID = externalJobID
	job.Status = generation.JobStatusProcessing
	job.UpdatedAt = time.Now().UTC()
	s.jobsByExternal[externalJobID] = jobID
	return nil
}

// FinishJob implements generation.Storage. The transition applies only
// while the job is still non-terminal; a second caller gets false back.
func (s *Storage) FinishJob(ctx context.Context, update *generation.TerminalUpdate) (bool, error) {
	if update == nil || !update.Status.Terminal() {
		return false, fmt.Errorf("invalid terminal update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[update.JobID]
	if !ok {
		return false, generation.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}

	job.Status = update.Status
	job.ResultRefs = append([]string(nil), update.ResultRefs...)
	job.ErrorMessage = update.ErrorMessage
	done := update.CompletedAt
	job.CompletedAt = &done
	job.UpdatedAt = update.CompletedAt
	return true, nil
}

// ListAwaitingPoll implements generation.Storage.
func (s *Storage) ListAwaitingPoll(ctx context.Context, cutoff time.Time, limit int) ([]*generation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*generation.Job
	for _, job := range s.jobs {
		if job.Status != generation.JobStatusProcessing || job.ExternalJobID == "" {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, copyJob(job))
	}
	sortJobsOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTimedOut implements generation.Storage.
func (s *Storage) ListTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]*generation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*generation.Job
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			continue
		}
		if job.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, copyJob(job))
	}
	sortJobsOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListJobsByPackage implements generation.Storage.
func (s *Storage) ListJobsByPackage(ctx context.Context, packageID string) ([]*generation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*generation.Job
	for _, job := range s.jobs {
		if job.PackageID == packageID {
			out = append(out, copyJob(job))
		}
	}
	sortJobsOldestFirst(out)
	return out, nil
}

func sortJobsOldestFirst(jobs []*generation.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// CreatePackage implements generation.Storage.
func (s *Storage) CreatePackage(ctx context.Context, pkg *generation.Package) error {
	if pkg == nil || pkg.ID == "" {
		return fmt.Errorf("invalid package")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.packages[pkg.ID]; exists {
		return fmt.Errorf("package %s already exists", pkg.ID)
	}
	s.packages[pkg.ID] = copyPackage(pkg)
	return nil
}

// GetPackage implements generation.Storage.
func (s *Storage) GetPackage(ctx context.Context, packageID string) (*generation.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, ok := s.packages[packageID]
	if !ok {
		return nil, generation.ErrPackageNotFound
	}
	return copyPackage(pkg), nil
}

// CountPackageJobs implements generation.Storage.
func (s *Storage) CountPackageJobs(ctx context.Context, packageID string) (generation.JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts generation.JobCounts
	for _, job := range s.jobs {
		if job.PackageID != packageID {
			continue
		}
		switch job.Status {
		case generation.JobStatusPending:
			counts.Pending++
		case generation.JobStatusProcessing:
			counts.Processing++
		case generation.JobStatusCompleted:
			counts.Completed++
		case generation.JobStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// UpdatePackageStatus implements generation.Storage. The write overwrites
// from the derived values and reports whether anything actually changed,
// so callers can skip notifications for no-op reconciliations.
func (s *Storage) UpdatePackageStatus(ctx context.Context, update *generation.PackageUpdate) (bool, error) {
	if update == nil || update.PackageID == "" {
		return false, fmt.Errorf("invalid package update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, ok := s.packages[update.PackageID]
	if !ok {
		return false, generation.ErrPackageNotFound
	}

	if pkg.Status == update.Status &&
		pkg.GeneratedCount == update.GeneratedCount &&
		pkg.FailedCount == update.FailedCount {
		return false, nil
	}

	pkg.Status = update.Status
	pkg.GeneratedCount = update.GeneratedCount
	pkg.FailedCount = update.FailedCount
	pkg.UpdatedAt = time.Now().UTC()
	if update.CompletedAt != nil {
		done := *update.CompletedAt
		pkg.CompletedAt = &done
	}
	return true, nil
}

// ListReconcilablePackages implements generation.Storage.
func (s *Storage) ListReconcilablePackages(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, pkg := range s.packages {
		if pkg.Status == generation.PackageStatusActive || pkg.Status == generation.PackageStatusGenerating {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
