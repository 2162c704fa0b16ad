package credits

import "time"

// Metrics defines the interface for tracking credit operations.
type Metrics interface {
	// RecordDeduction records a deduction attempt.
	RecordDeduction(source string, amount int, success bool)

	// RecordCredit records a credit grant by source.
	RecordCredit(source string, amount int)

	// RecordRefund records a refund, including suppressed duplicates.
	RecordRefund(amount int, duplicate bool)

	// RecordBalanceCheck records the duration of an availability check.
	RecordBalanceCheck(duration time.Duration)

	// RecordCacheHit records a snapshot cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a snapshot cache miss.
	RecordCacheMiss()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDeduction(source string, amount int, success bool)                 {}
func (n *NoopMetrics) RecordCredit(source string, amount int)                                 {}
func (n *NoopMetrics) RecordRefund(amount int, duplicate bool)                                {}
func (n *NoopMetrics) RecordBalanceCheck(duration time.Duration)                              {}
func (n *NoopMetrics) RecordCacheHit()                                                        {}
func (n *NoopMetrics) RecordCacheMiss()                                                       {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
