//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

// setupTestStorage connects to the Firestore emulator with collections unique
// to the test
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	conn, err := net.DialTimeout("tcp", emulatorHost, time.Second)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	_ = conn.Close()

	os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	storage, err := New(client, Config{
		RecordsCollection:     "test_records_" + suffix,
		UsageCollection:       "test_usage_" + suffix,
		DeadLettersCollection: "test_dead_" + suffix,
	})
	require.NoError(t, err)
	return storage
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestFirestore_Records(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := storage.GetRecord(ctx, "user1")
	assert.ErrorIs(t, err, planmeter.ErrRecordNotFound)

	end := base.AddDate(0, 1, 0)
	rec := &planmeter.SubscriptionRecord{
		UserID:              "user1",
		Plan:                planmeter.PlanPremium,
		Status:              planmeter.StatusTrialing,
		ProcessorCustomerID: "cus_1",
		CurrentPeriodEnd:    &end,
		LastEventAt:         base,
		CreatedAt:           base,
		UpdatedAt:           base,
	}
	require.NoError(t, storage.UpsertRecord(ctx, rec))

	got, err := storage.GetRecord(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, planmeter.PlanPremium, got.Plan)
	assert.Equal(t, planmeter.StatusTrialing, got.Status)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(end))
	assert.Nil(t, got.CurrentPeriodStart)

	byCustomer, err := storage.GetRecordByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user1", byCustomer.UserID)

	older := *rec
	older.Status = planmeter.StatusCanceled
	older.LastEventAt = base.Add(-time.Second)
	assert.ErrorIs(t, storage.UpsertRecord(ctx, &older), planmeter.ErrStaleEvent)

	newer := *rec
	newer.Status = planmeter.StatusActive
	newer.LastEventAt = base.Add(time.Second)
	newer.CreatedAt = base.Add(time.Second)
	require.NoError(t, storage.UpsertRecord(ctx, &newer))

	got, err = storage.GetRecord(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, planmeter.StatusActive, got.Status)
	assert.True(t, got.CreatedAt.Equal(base), "CreatedAt is preserved")
}

func TestFirestore_Ledger(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	ai := []planmeter.ActionType{planmeter.ActionAIGeneration}

	for _, at := range []time.Time{start.Add(-time.Second), start, start.Add(time.Hour), end} {
		require.NoError(t, storage.AppendUsage(ctx, &planmeter.UsageEntry{
			UserID: "user1", Action: planmeter.ActionAIGeneration, OccurredAt: at,
		}))
	}

	count, err := storage.CountUsage(ctx, "user1", ai, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.ReserveUsage(ctx, &planmeter.UsageEntry{
				ID: uuid.NewString(), UserID: "user1", Action: planmeter.ActionAIGeneration, OccurredAt: start.Add(2 * time.Hour),
			}, ai, start, end, 5)
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	count, err = storage.CountUsage(ctx, "user1", ai, start, end)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestFirestore_DeadLetters(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	event := &billing.UnresolvedEvent{
		ID:         uuid.NewString(),
		Provider:   "stripe",
		EventID:    "evt_1",
		EventType:  "checkout.session.completed",
		Payload:    []byte(`{"id":"evt_1"}`),
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, storage.SaveUnresolved(ctx, event))
	require.NoError(t, storage.SaveUnresolved(ctx, event), "redelivery keeps one entry")

	events, err := storage.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, event.Payload, events[0].Payload)

	require.NoError(t, storage.DeleteUnresolved(ctx, event.ID))
	events, err = storage.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

