package generation

import "errors"

var (
	// ErrJobNotFound is returned when no job matches the given ID
	ErrJobNotFound = errors.New("job not found")

	// ErrPackageNotFound is returned when no package matches the given ID
	ErrPackageNotFound = errors.New("package not found")

	// ErrInvalidSubmission is returned for malformed submit requests
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrSubmissionFailed is returned when the provider rejects job creation;
	// pre-deducted credits have already been refunded when this surfaces
	ErrSubmissionFailed = errors.New("external submission failed")

	// ErrJobTimedOut is surfaced to callers whose job was force-failed by
	// the timeout sweep; the operation is retryable
	ErrJobTimedOut = errors.New("generation timed out")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
