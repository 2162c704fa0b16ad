package credits

import "errors"

var (
	// ErrInsufficientCredits is returned when a deduction exceeds availability
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAccountNotFound is returned when the user has no credit account
	ErrAccountNotFound = errors.New("credit account not found")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidSource is returned when a request's source does not match the operation
	ErrInvalidSource = errors.New("invalid transaction source")

	// ErrInvalidMetadata is returned when transaction metadata fails validation
	ErrInvalidMetadata = errors.New("invalid transaction metadata")

	// ErrIdempotencyKeyExists is returned when an idempotency key was already used
	ErrIdempotencyKeyExists = errors.New("idempotency key already exists")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
