package planmeter

import "time"

// Metrics defines the interface for tracking entitlement and quota operations.
type Metrics interface {
	// RecordLimitCheck records the outcome and duration of a quota check.
	RecordLimitCheck(category, plan string, allowed bool, duration time.Duration)

	// RecordUsage records an entry appended to the usage ledger.
	RecordUsage(action string, reserved bool)

	// RecordResolveFallback records a plan resolution that degraded to free
	// because the record could not be read.
	RecordResolveFallback(reason string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordLimitCheck(_, _ string, _ bool, _ time.Duration)     {}
func (n *NoopMetrics) RecordUsage(_ string, _ bool)                              {}
func (n *NoopMetrics) RecordResolveFallback(_ string)                            {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
