package planmeter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, timeout time.Duration) (*DefaultCircuitBreaker, *time.Time, *[]CircuitBreakerState) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var transitions []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		transitions = append(transitions, state)
	})
	cb.now = func() time.Time { return now }
	return cb, &now, &transitions
}

func TestDefaultCircuitBreaker(t *testing.T) {
	cb, now, transitions := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	fail := func() error { return errors.New("connection refused") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Third consecutive failure opens the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")

	*now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, *transitions)
}

func TestDefaultCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	fail := func() error { return errors.New("timeout") }

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(ctx, fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State(), "one failure in half-open reopens")

	// The reset timeout restarts from the reopening
	*now = now.Add(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State(), "failures must be consecutive")
}

func TestDefaultCircuitBreaker_DomainErrorsAreNotFailures(t *testing.T) {
	cb, _, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	for _, domainErr := range []error{
		ErrRecordNotFound,
		ErrStaleEvent,
		fmt.Errorf("%w: 5 of 5 used", ErrQuotaExceeded),
	} {
		err := cb.Execute(ctx, func() error { return domainErr })
		assert.ErrorIs(t, err, domainErr)
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}

func TestDefaultCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1000, time.Minute, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
			_ = cb.State()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}
