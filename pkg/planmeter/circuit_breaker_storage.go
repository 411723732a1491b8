package planmeter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker
// protection. Rejected calls fail with an error wrapping both
// ErrStorageUnavailable and ErrCircuitOpen, so callers fail closed at once
// instead of waiting out the store timeout.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) execute(ctx context.Context, fn func() error) error {
	err := s.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func (s *CircuitBreakerStorage) GetRecord(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	var rec *SubscriptionRecord
	err := s.execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetRecord(ctx, userID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) GetRecordByCustomerID(ctx context.Context, customerID string) (*SubscriptionRecord, error) {
	var rec *SubscriptionRecord
	err := s.execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetRecordByCustomerID(ctx, customerID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) UpsertRecord(ctx context.Context, rec *SubscriptionRecord) error {
	return s.execute(ctx, func() error {
		return s.storage.UpsertRecord(ctx, rec)
	})
}

func (s *CircuitBreakerStorage) AppendUsage(ctx context.Context, entry *UsageEntry) error {
	return s.execute(ctx, func() error {
		return s.storage.AppendUsage(ctx, entry)
	})
}

func (s *CircuitBreakerStorage) CountUsage(
	ctx context.Context, userID string, actions []ActionType, start, end time.Time,
) (int, error) {
	var count int
	err := s.execute(ctx, func() error {
		var e error
		count, e = s.storage.CountUsage(ctx, userID, actions, start, end)
		return e
	})
	return count, err
}

func (s *CircuitBreakerStorage) ReserveUsage(
	ctx context.Context, entry *UsageEntry, actions []ActionType, start, end time.Time, limit int,
) (int, error) {
	var count int
	err := s.execute(ctx, func() error {
		var e error
		count, e = s.storage.ReserveUsage(ctx, entry, actions, start, end, limit)
		return e
	})
	return count, err
}

// Now delegates to the wrapped storage's clock when it has one. Store clock
// reads go through the breaker, so an open circuit answers at once and the
// manager falls back to local time.
func (s *CircuitBreakerStorage) Now(ctx context.Context) (time.Time, error) {
	ts, ok := s.storage.(TimeSource)
	if !ok {
		return SystemClock{}.Now(ctx)
	}
	var now time.Time
	err := s.execute(ctx, func() error {
		var e error
		now, e = ts.Now(ctx)
		return e
	})
	return now, err
}

// State reports the breaker state
func (s *CircuitBreakerStorage) State() CircuitBreakerState {
	return s.cb.State()
}

var (
	_ Storage    = (*CircuitBreakerStorage)(nil)
	_ TimeSource = (*CircuitBreakerStorage)(nil)
)
