// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold) using
// different data strategies for subscription records and the usage ledger.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) for gate checks
	Hot planmeter.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold planmeter.Storage

	// AsyncUsageSync mirrors ledger entries to Cold from a background worker.
	// If false, mirroring happens inline (slower but safer).
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold mirror write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered planmeter.Storage.
// - Read-Through: subscription records (Hot → Cold → populate Hot)
// - Write-Through: subscription records (Cold → Hot)
// - Hot-Primary/Async-Audit: usage ledger (Hot atomic + Cold mirror)
type Storage struct {
	hot  planmeter.Storage
	cold planmeter.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncUsageSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending mirror writes and stops the worker.
func (s *Storage) Close() error {
	if s.conf.AsyncUsageSync {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker processes mirror writes sequentially so Cold sees entries in
// the order Hot accepted them.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetRecord implements planmeter.RecordStore with read-through strategy.
func (s *Storage) GetRecord(ctx context.Context, userID string) (*planmeter.SubscriptionRecord, error) {
	rec, err := s.hot.GetRecord(ctx, userID)
	if err == nil {
		return rec, nil
	}

	rec, err = s.cold.GetRecord(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Cache fill; the ordering guard in Hot rejects it if a newer write landed
	_ = s.hot.UpsertRecord(ctx, rec) //nolint:errcheck // Cache fill - errors are non-critical
	return rec, nil
}

// GetRecordByCustomerID implements planmeter.RecordStore with read-through strategy.
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*planmeter.SubscriptionRecord, error) {
	rec, err := s.hot.GetRecordByCustomerID(ctx, customerID)
	if err == nil {
		return rec, nil
	}

	rec, err = s.cold.GetRecordByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	_ = s.hot.UpsertRecord(ctx, rec) //nolint:errcheck // Cache fill - errors are non-critical
	return rec, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// UpsertRecord implements planmeter.RecordStore with write-through strategy.
// Cold decides staleness; Hot is refreshed only after Cold accepted the write.
// A failed Hot refresh is returned: reads are served from Hot, so a stale
// entitled record there would outlive the change. The caller retries, and
// the equal event time is accepted again by Cold.
func (s *Storage) UpsertRecord(ctx context.Context, rec *planmeter.SubscriptionRecord) error {
	if err := s.cold.UpsertRecord(ctx, rec); err != nil {
		return err
	}
	if err := s.hot.UpsertRecord(ctx, rec); err != nil && !errors.Is(err, planmeter.ErrStaleEvent) {
		return fmt.Errorf("failed to refresh hot record: %w", err)
	}
	return nil
}

// --- Strategy: Hot-Primary / Async Audit ---

// CountUsage implements planmeter.Ledger from Hot.
func (s *Storage) CountUsage(
	ctx context.Context,
	userID string,
	actions []planmeter.ActionType,
	start, end time.Time,
) (int, error) {
	return s.hot.CountUsage(ctx, userID, actions, start, end)
}

// AppendUsage implements planmeter.Ledger: Hot first, then mirrored to Cold.
func (s *Storage) AppendUsage(ctx context.Context, entry *planmeter.UsageEntry) error {
	if err := s.hot.AppendUsage(ctx, entry); err != nil {
		return err
	}
	s.mirror(ctx, entry)
	return nil
}

// ReserveUsage implements planmeter.Ledger. The limit is enforced atomically
// on Hot; granted entries are mirrored to Cold.
func (s *Storage) ReserveUsage(
	ctx context.Context,
	entry *planmeter.UsageEntry,
	actions []planmeter.ActionType,
	start, end time.Time,
	limit int,
) (int, error) {
	used, err := s.hot.ReserveUsage(ctx, entry, actions, start, end, limit)
	if err != nil {
		return used, err
	}
	s.mirror(ctx, entry)
	return used, nil
}

// mirror writes entry to Cold. A failed mirror never fails the caller since
// Hot already recorded the entry.
func (s *Storage) mirror(ctx context.Context, entry *planmeter.UsageEntry) {
	if !s.conf.AsyncUsageSync {
		if err := s.cold.AppendUsage(ctx, entry); err != nil {
			s.report(err)
		}
		return
	}

	clone := *entry
	select {
	case s.syncQueue <- func() error {
		// Background context so the write completes after the request ends
		return s.cold.AppendUsage(context.Background(), &clone)
	}:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: sync queue full, dropping cold write"))
		}
	}
}

// --- TimeSource Support ---

// Now uses Hot store time since Hot governs quota windows.
// Falls back to Cold, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(planmeter.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(planmeter.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}

var (
	_ planmeter.Storage    = (*Storage)(nil)
	_ planmeter.TimeSource = (*Storage)(nil)
)
