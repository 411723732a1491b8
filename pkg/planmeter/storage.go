package planmeter

import (
	"context"
	"time"
)

// RecordStore persists subscription records keyed by user ID
type RecordStore interface {
	// GetRecord returns the user's record or ErrRecordNotFound
	GetRecord(ctx context.Context, userID string) (*SubscriptionRecord, error)

	// GetRecordByCustomerID returns the record carrying the processor customer ID
	// or ErrRecordNotFound
	GetRecordByCustomerID(ctx context.Context, customerID string) (*SubscriptionRecord, error)

	// UpsertRecord inserts or replaces the record for rec.UserID in one atomic
	// operation. CreatedAt is preserved on update. When the stored LastEventAt is
	// after rec.LastEventAt the write is skipped and ErrStaleEvent returned.
	UpsertRecord(ctx context.Context, rec *SubscriptionRecord) error
}

// Ledger is the append-only usage log
type Ledger interface {
	// AppendUsage inserts one entry. Entries are never updated or deleted.
	AppendUsage(ctx context.Context, entry *UsageEntry) error

	// CountUsage counts the user's entries with an action in actions and
	// OccurredAt in [start, end)
	CountUsage(ctx context.Context, userID string, actions []ActionType, start, end time.Time) (int, error)

	// ReserveUsage counts like CountUsage and, only if the count is below limit,
	// appends entry, all in one atomic store operation. It returns the count
	// including the new entry, or ErrQuotaExceeded with the current count.
	ReserveUsage(ctx context.Context, entry *UsageEntry, actions []ActionType, start, end time.Time, limit int) (int, error)
}

// Storage combines both stores. Backends under storage/ implement it.
type Storage interface {
	RecordStore
	Ledger
}

// TimeSource supplies the current time. Backends may use their own clock to
// stay consistent across application servers.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// SystemClock is a TimeSource backed by time.Now
type SystemClock struct{}

func (SystemClock) Now(_ context.Context) (time.Time, error) {
	return time.Now(), nil
}
