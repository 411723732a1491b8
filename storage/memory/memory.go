// Package memory provides an in-memory implementation of planmeter.Storage.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// Storage implements planmeter.Storage, billing.DeadLetterStore and
// billing.AccountDirectory using in-memory maps
type Storage struct {
	mu          sync.RWMutex
	records     map[string]*planmeter.SubscriptionRecord
	ledger      map[string][]planmeter.UsageEntry // userID -> entries in append order
	deadLetters map[string]*billing.UnresolvedEvent
	accounts    map[string]billing.Account
	accountIDs  []string // insertion order for ListAccounts
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records:     make(map[string]*planmeter.SubscriptionRecord),
		ledger:      make(map[string][]planmeter.UsageEntry),
		deadLetters: make(map[string]*billing.UnresolvedEvent),
		accounts:    make(map[string]billing.Account),
	}
}

// GetRecord implements planmeter.RecordStore
func (s *Storage) GetRecord(_ context.Context, userID string) (*planmeter.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, planmeter.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	return copyRecord(rec), nil
}

// GetRecordByCustomerID implements planmeter.RecordStore
func (s *Storage) GetRecordByCustomerID(_ context.Context, customerID string) (*planmeter.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, planmeter.ErrRecordNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *planmeter.SubscriptionRecord
	for _, rec := range s.records {
		if rec.ProcessorCustomerID != customerID {
			continue
		}
		if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, planmeter.ErrRecordNotFound
	}
	return copyRecord(found), nil
}

// UpsertRecord implements planmeter.RecordStore
func (s *Storage) UpsertRecord(_ context.Context, rec *planmeter.SubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return planmeter.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyRecord(rec)
	if existing, ok := s.records[rec.UserID]; ok {
		if rec.LastEventAt.Before(existing.LastEventAt) {
			return planmeter.ErrStaleEvent
		}
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}

	s.records[rec.UserID] = stored
	return nil
}

// AppendUsage implements planmeter.Ledger
func (s *Storage) AppendUsage(_ context.Context, entry *planmeter.UsageEntry) error {
	if entry == nil || entry.UserID == "" {
		return planmeter.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger[entry.UserID] = append(s.ledger[entry.UserID], *entry)
	return nil
}

// CountUsage implements planmeter.Ledger
func (s *Storage) CountUsage(
	_ context.Context, userID string, actions []planmeter.ActionType, start, end time.Time,
) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countLocked(userID, actions, start, end), nil
}

// ReserveUsage implements planmeter.Ledger. The count and the append happen
// under one write lock.
func (s *Storage) ReserveUsage(
	_ context.Context, entry *planmeter.UsageEntry, actions []planmeter.ActionType, start, end time.Time, limit int,
) (int, error) {
	if entry == nil || entry.UserID == "" {
		return 0, planmeter.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.countLocked(entry.UserID, actions, start, end)
	if used >= limit {
		return used, planmeter.ErrQuotaExceeded
	}

	s.ledger[entry.UserID] = append(s.ledger[entry.UserID], *entry)
	return used + 1, nil
}

// Entries returns a copy of the user's ledger in append order
func (s *Storage) Entries(userID string) []planmeter.UsageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]planmeter.UsageEntry, len(s.ledger[userID]))
	copy(out, s.ledger[userID])
	return out
}

// RecordCount returns the number of stored subscription records
func (s *Storage) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Storage) countLocked(userID string, actions []planmeter.ActionType, start, end time.Time) int {
	window := planmeter.Window{Start: start, End: end}
	count := 0
	for i := range s.ledger[userID] {
		entry := &s.ledger[userID][i]
		if !window.Contains(entry.OccurredAt) {
			continue
		}
		for _, a := range actions {
			if entry.Action == a {
				count++
				break
			}
		}
	}
	return count
}

// SaveUnresolved implements billing.DeadLetterStore
func (s *Storage) SaveUnresolved(_ context.Context, event *billing.UnresolvedEvent) error {
	if event == nil || event.ID == "" {
		return billing.ErrInvalidWebhookPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deadLetters {
		if existing.Provider == event.Provider && existing.EventID == event.EventID {
			return nil
		}
	}

	eventCopy := *event
	eventCopy.Payload = append([]byte(nil), event.Payload...)
	s.deadLetters[event.ID] = &eventCopy
	return nil
}

// ListUnresolved implements billing.DeadLetterStore
func (s *Storage) ListUnresolved(_ context.Context, limit int) ([]billing.UnresolvedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]billing.UnresolvedEvent, 0, len(s.deadLetters))
	for _, event := range s.deadLetters {
		events = append(events, *event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// DeleteUnresolved implements billing.DeadLetterStore
func (s *Storage) DeleteUnresolved(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deadLetters, id)
	return nil
}

// AddAccount registers an application account for user resolution
func (s *Storage) AddAccount(acct billing.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; !ok {
		s.accountIDs = append(s.accountIDs, acct.ID)
	}
	s.accounts[acct.ID] = acct
}

// AccountExists implements billing.AccountDirectory
func (s *Storage) AccountExists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.accounts[userID]
	return ok, nil
}

// ListAccounts implements billing.AccountDirectory
func (s *Storage) ListAccounts(_ context.Context, page, perPage int) ([]billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page < 1 || perPage <= 0 {
		return nil, nil
	}
	from := (page - 1) * perPage
	if from >= len(s.accountIDs) {
		return nil, nil
	}
	to := from + perPage
	if to > len(s.accountIDs) {
		to = len(s.accountIDs)
	}

	out := make([]billing.Account, 0, to-from)
	for _, id := range s.accountIDs[from:to] {
		out = append(out, s.accounts[id])
	}
	return out, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*planmeter.SubscriptionRecord)
	s.ledger = make(map[string][]planmeter.UsageEntry)
	s.deadLetters = make(map[string]*billing.UnresolvedEvent)
	s.accounts = make(map[string]billing.Account)
	s.accountIDs = nil
}

func copyRecord(rec *planmeter.SubscriptionRecord) *planmeter.SubscriptionRecord {
	recCopy := *rec
	if rec.CurrentPeriodStart != nil {
		t := *rec.CurrentPeriodStart
		recCopy.CurrentPeriodStart = &t
	}
	if rec.CurrentPeriodEnd != nil {
		t := *rec.CurrentPeriodEnd
		recCopy.CurrentPeriodEnd = &t
	}
	return &recCopy
}

// emailKey normalizes an email for comparison
func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindAccountByEmail implements billing.EmailFinder
func (s *Storage) FindAccountByEmail(_ context.Context, email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := emailKey(email)
	for _, id := range s.accountIDs {
		if emailKey(s.accounts[id].Email) == want {
			return id, nil
		}
	}
	return "", billing.ErrAccountNotFound
}
