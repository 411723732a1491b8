package planmeter

import "errors"

var (
	// ErrQuotaExceeded is returned when a free-tier pool is exhausted for the month
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrQuotaStore is returned when usage could not be counted. Callers must deny.
	ErrQuotaStore = errors.New("quota store unavailable")

	// ErrRecordNotFound is returned when a user has no subscription record
	ErrRecordNotFound = errors.New("subscription record not found")

	// ErrStorageUnavailable is returned when storage is not configured or unreachable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidAction is returned for an unknown action type or category
	ErrInvalidAction = errors.New("invalid action type")

	// ErrInvalidUserID is returned when an operation is called without a user
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidRecord is returned when a subscription record fails validation
	ErrInvalidRecord = errors.New("invalid subscription record")

	// ErrStaleEvent is returned by stores when a write carries an event time
	// older than the one already applied to the record
	ErrStaleEvent = errors.New("stale event")
)
