// Package firestore provides a Firestore implementation of planmeter.Storage
// and billing.DeadLetterStore. Records are written in transactions so the
// event-ordering guard and the reserve check cannot race.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// errQuotaExceeded aborts a reserve transaction without retry
var errQuotaExceeded = errors.New("reserve limit reached")

// Storage implements planmeter.Storage using Google Cloud Firestore
type Storage struct {
	client                *firestore.Client
	recordsCollection     string
	usageCollection       string
	deadLettersCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// RecordsCollection holds one subscription record per user
	// Default: "billing_subscriptions"
	RecordsCollection string

	// UsageCollection holds a document per user with an "entries" subcollection
	// Default: "billing_usage"
	UsageCollection string

	// DeadLettersCollection holds unresolved webhook events
	// Default: "billing_unresolved_events"
	DeadLettersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.RecordsCollection == "" {
		config.RecordsCollection = "billing_subscriptions"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "billing_usage"
	}
	if config.DeadLettersCollection == "" {
		config.DeadLettersCollection = "billing_unresolved_events"
	}

	return &Storage{
		client:                client,
		recordsCollection:     config.RecordsCollection,
		usageCollection:       config.UsageCollection,
		deadLettersCollection: config.DeadLettersCollection,
	}, nil
}

// GetRecord implements planmeter.RecordStore
func (s *Storage) GetRecord(ctx context.Context, userID string) (*planmeter.SubscriptionRecord, error) {
	snap, err := s.client.Collection(s.recordsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, planmeter.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if !snap.Exists() {
		return nil, planmeter.ErrRecordNotFound
	}
	return recordFromData(userID, snap.Data()), nil
}

// GetRecordByCustomerID implements planmeter.RecordStore
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*planmeter.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, planmeter.ErrRecordNotFound
	}

	docs, err := s.client.Collection(s.recordsCollection).
		Where("processorCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query record by customer: %w", err)
	}
	if len(docs) == 0 {
		return nil, planmeter.ErrRecordNotFound
	}
	return recordFromData(docs[0].Ref.ID, docs[0].Data()), nil
}

// UpsertRecord implements planmeter.RecordStore
func (s *Storage) UpsertRecord(ctx context.Context, rec *planmeter.SubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return planmeter.ErrInvalidRecord
	}

	doc := s.client.Collection(s.recordsCollection).Doc(rec.UserID)
	stale := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		stale = false
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = rec.UpdatedAt
		}

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			if rec.LastEventAt.Before(getTime(data, "lastEventAt")) {
				stale = true
				return nil
			}
			if stored := getTime(data, "createdAt"); !stored.IsZero() {
				createdAt = stored
			}
		}

		return tx.Set(doc, recordToData(rec, createdAt))
	})
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	if stale {
		return planmeter.ErrStaleEvent
	}
	return nil
}

// AppendUsage implements planmeter.Ledger
func (s *Storage) AppendUsage(ctx context.Context, entry *planmeter.UsageEntry) error {
	if entry == nil || entry.UserID == "" {
		return planmeter.ErrInvalidUserID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if _, err := s.entryDoc(entry).Create(ctx, entryToData(entry)); err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// CountUsage implements planmeter.Ledger with a server-side count aggregation
func (s *Storage) CountUsage(
	ctx context.Context, userID string, actions []planmeter.ActionType, start, end time.Time,
) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}

	q := s.windowQuery(userID, actions, start, end)
	result, err := q.
		NewAggregationQuery().
		WithCount("count").
		Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}

	v, ok := result["count"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result: %T", result["count"])
	}
	return int(v.GetIntegerValue()), nil
}

// ReserveUsage implements planmeter.Ledger. Every reservation also writes the
// user's usage document, so concurrent reservations of one user conflict and
// Firestore retries all but one.
func (s *Storage) ReserveUsage(
	ctx context.Context, entry *planmeter.UsageEntry, actions []planmeter.ActionType, start, end time.Time, limit int,
) (int, error) {
	if entry == nil || entry.UserID == "" {
		return 0, planmeter.ErrInvalidUserID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	userDoc := s.client.Collection(s.usageCollection).Doc(entry.UserID)
	var used int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(userDoc); err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		docs, err := tx.Documents(s.windowQuery(entry.UserID, actions, start, end)).GetAll()
		if err != nil {
			return err
		}
		used = len(docs)
		if used >= limit {
			return errQuotaExceeded
		}

		if err := tx.Set(userDoc, map[string]interface{}{
			"lastReservedAt": entry.OccurredAt,
		}, firestore.MergeAll); err != nil {
			return err
		}
		return tx.Create(s.entryDoc(entry), entryToData(entry))
	})
	if errors.Is(err, errQuotaExceeded) {
		return used, planmeter.ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve usage: %w", err)
	}
	return used + 1, nil
}

// Now implements planmeter.TimeSource with the local UTC clock. Firestore has
// no server-time read, and a round-trip write to one clock document would
// exceed its per-document write rate under load.
func (s *Storage) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// SaveUnresolved implements billing.DeadLetterStore. The document id is derived
// from the provider event id, so a redelivered event keeps one entry.
func (s *Storage) SaveUnresolved(ctx context.Context, event *billing.UnresolvedEvent) error {
	if event == nil || event.ID == "" {
		return billing.ErrInvalidWebhookPayload
	}

	doc := s.client.Collection(s.deadLettersCollection).Doc(fmt.Sprintf("%s_%s", event.Provider, event.EventID))
	_, err := doc.Create(ctx, map[string]interface{}{
		"id":         event.ID,
		"provider":   event.Provider,
		"eventId":    event.EventID,
		"eventType":  event.EventType,
		"customerId": event.CustomerID,
		"email":      event.Email,
		"payload":    event.Payload,
		"receivedAt": event.ReceivedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save unresolved event: %w", err)
	}
	return nil
}

// ListUnresolved implements billing.DeadLetterStore
func (s *Storage) ListUnresolved(ctx context.Context, limit int) ([]billing.UnresolvedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.client.Collection(s.deadLettersCollection).
		OrderBy("receivedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var events []billing.UnresolvedEvent
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list unresolved events: %w", err)
		}
		data := snap.Data()
		payload, _ := data["payload"].([]byte)
		events = append(events, billing.UnresolvedEvent{
			ID:         getString(data, "id"),
			Provider:   getString(data, "provider"),
			EventID:    getString(data, "eventId"),
			EventType:  getString(data, "eventType"),
			CustomerID: getString(data, "customerId"),
			Email:      getString(data, "email"),
			Payload:    payload,
			ReceivedAt: getTime(data, "receivedAt"),
		})
	}
	return events, nil
}

// DeleteUnresolved implements billing.DeadLetterStore
func (s *Storage) DeleteUnresolved(ctx context.Context, id string) error {
	docs, err := s.client.Collection(s.deadLettersCollection).
		Where("id", "==", id).
		Documents(ctx).
		GetAll()
	if err != nil {
		return fmt.Errorf("failed to find unresolved event: %w", err)
	}
	for _, doc := range docs {
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete unresolved event: %w", err)
		}
	}
	return nil
}

// entryDoc returns the ledger entry reference
// Structure: billing_usage/{userID}/entries/{entryID}
func (s *Storage) entryDoc(entry *planmeter.UsageEntry) *firestore.DocumentRef {
	return s.client.Collection(s.usageCollection).
		Doc(entry.UserID).
		Collection("entries").
		Doc(entry.ID)
}

func (s *Storage) windowQuery(userID string, actions []planmeter.ActionType, start, end time.Time) firestore.Query {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("entries").
		Where("action", "in", names).
		Where("occurredAt", ">=", start).
		Where("occurredAt", "<", end)
}

func entryToData(entry *planmeter.UsageEntry) map[string]interface{} {
	return map[string]interface{}{
		"id":         entry.ID,
		"userId":     entry.UserID,
		"action":     string(entry.Action),
		"occurredAt": entry.OccurredAt,
	}
}

func recordToData(rec *planmeter.SubscriptionRecord, createdAt time.Time) map[string]interface{} {
	data := map[string]interface{}{
		"plan":                    string(rec.Plan),
		"status":                  string(rec.Status),
		"processorCustomerId":     rec.ProcessorCustomerID,
		"processorSubscriptionId": rec.ProcessorSubscriptionID,
		"cancelAtPeriodEnd":       rec.CancelAtPeriodEnd,
		"lastEventAt":             rec.LastEventAt,
		"createdAt":               createdAt,
		"updatedAt":               rec.UpdatedAt,
	}
	if rec.CurrentPeriodStart != nil {
		data["currentPeriodStart"] = *rec.CurrentPeriodStart
	}
	if rec.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *rec.CurrentPeriodEnd
	}
	return data
}

func recordFromData(userID string, data map[string]interface{}) *planmeter.SubscriptionRecord {
	rec := &planmeter.SubscriptionRecord{
		UserID:                  userID,
		Plan:                    planmeter.Plan(getString(data, "plan")),
		Status:                  planmeter.Status(getString(data, "status")),
		ProcessorCustomerID:     getString(data, "processorCustomerId"),
		ProcessorSubscriptionID: getString(data, "processorSubscriptionId"),
		CancelAtPeriodEnd:       getBool(data, "cancelAtPeriodEnd"),
		LastEventAt:             getTime(data, "lastEventAt"),
		CreatedAt:               getTime(data, "createdAt"),
		UpdatedAt:               getTime(data, "updatedAt"),
	}
	if t, ok := data["currentPeriodStart"].(time.Time); ok && !t.IsZero() {
		rec.CurrentPeriodStart = &t
	}
	if t, ok := data["currentPeriodEnd"].(time.Time); ok && !t.IsZero() {
		rec.CurrentPeriodEnd = &t
	}
	return rec
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

var (
	_ planmeter.Storage       = (*Storage)(nil)
	_ planmeter.TimeSource    = (*Storage)(nil)
	_ billing.DeadLetterStore = (*Storage)(nil)
)
