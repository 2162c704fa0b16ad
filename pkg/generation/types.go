package generation

import "time"

// JobStatus enumerates the job lifecycle states.
// PENDING and PROCESSING are live; COMPLETED and FAILED are terminal and
// immutable once reached.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of externally-computed generation work.
type Job struct {
	ID            string
	UserID        string
	PackageID     string
	ExternalJobID string
	Status        JobStatus
	UnitCost      int
	Prompt        string
	ResultRefs    []string
	ErrorMessage  string
	DeductionTxID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Outcome is the one semantic payload shared by every terminal trigger:
// the provider's push callback, the recovery poll, and the timeout sweep
// all reduce to this shape before entering ApplyOutcome.
type Outcome struct {
	ExternalJobID string
	Succeeded     bool
	ResultRefs    []string
	Error         string
}

// Terminal transition sources, used for logging and metrics only.
const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
	SourceTimeout  = "timeout"
	SourceSubmit   = "submit"
)

// PackageStatus enumerates the derived batch states.
type PackageStatus string

const (
	PackageStatusActive     PackageStatus = "ACTIVE"
	PackageStatusGenerating PackageStatus = "GENERATING"
	PackageStatusCompleted  PackageStatus = "COMPLETED"
	PackageStatusFailed     PackageStatus = "FAILED"
)

// Package groups jobs into a batch whose status is derived entirely from
// its job records by the reconciler; nothing else writes it.
type Package struct {
	ID             string
	UserID         string
	TotalExpected  int
	GeneratedCount int
	FailedCount    int
	Status         PackageStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// JobCounts is the per-status census of a package's job records.
type JobCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the number of linked job records.
func (c JobCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// AllTerminal reports whether every linked job has finished.
func (c JobCounts) AllTerminal() bool {
	return c.Pending == 0 && c.Processing == 0
}

// SubmitRequest describes one generation submission.
type SubmitRequest struct {
	UserID    string
	PackageID string
	UnitCost  int
	Prompt    string
}

// Notification is emitted whenever a package's derived status or counts
// actually change.
type Notification struct {
	PackageID      string `json:"package_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	GeneratedCount int    `json:"generated_count"`
	TotalCount     int    `json:"total_count"`
}
