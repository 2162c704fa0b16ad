package generation

import "time"

// Metrics defines the interface for tracking generation lifecycle events.
type Metrics interface {
	// RecordSubmission records a submission attempt.
	RecordSubmission(success bool)

	// RecordOutcome records a terminal outcome application attempt.
	// won is false for duplicate terminal writes (the expected race loser).
	RecordOutcome(source string, status string, won bool)

	// RecordReconciliation records a reconciler run for one package.
	RecordReconciliation(changed bool, duration time.Duration)

	// RecordSweep records one sweep pass and how many records it touched.
	RecordSweep(kind string, touched int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (NoopMetrics) RecordSubmission(success bool)                                {}
func (NoopMetrics) RecordOutcome(source string, status string, won bool)         {}
func (NoopMetrics) RecordReconciliation(changed bool, duration time.Duration)    {}
func (NoopMetrics) RecordSweep(kind string, touched int)                         {}
