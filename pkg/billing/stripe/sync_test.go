package stripe

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

func listJSON(t *testing.T, url string, items ...map[string]interface{}) string {
	t.Helper()
	if items == nil {
		items = []map[string]interface{}{}
	}
	return mustJSON(t, map[string]interface{}{
		"object":   "list",
		"url":      url,
		"has_more": false,
		"data":     items,
	})
}

func TestSyncUser_FromStoredCustomer(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	env.provider.now = func() time.Time { return now }

	require.NoError(t, env.storage.UpsertRecord(context.Background(), &planmeter.SubscriptionRecord{
		UserID:              testUserID,
		Plan:                planmeter.PlanFree,
		Status:              planmeter.StatusFree,
		ProcessorCustomerID: testCustomerID,
	}))

	older := subscriptionObject("sub_old", "canceled", "pro_monthly", testPriceIDPro, now.AddDate(0, -3, 0), now.AddDate(0, -2, 0))
	older["created"] = now.AddDate(0, -3, 0).Unix()
	current := subscriptionObject(testSubscriptionID, "active", "premium_monthly", testPriceIDPremium, now.AddDate(0, 0, -5), now.AddDate(0, 0, 25))
	current["created"] = now.AddDate(0, -1, 0).Unix()
	env.stripe.on(http.MethodGet, "/v1/subscriptions", listJSON(t, "/v1/subscriptions", older, current))

	plan, err := env.provider.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "premium", plan)

	got := env.record(t, testUserID)
	assert.Equal(t, planmeter.PlanPremium, got.Plan)
	assert.Equal(t, planmeter.StatusActive, got.Status)
	assert.Equal(t, testSubscriptionID, got.ProcessorSubscriptionID)
	assert.True(t, got.LastEventAt.Equal(now))
	require.Len(t, env.changes, 1)
	assert.Equal(t, "sync", env.changes[0].EventType)
}

func TestSyncUser_SearchesCustomerByMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.stripe.on(http.MethodGet, "/v1/customers/search", mustJSON(t, map[string]interface{}{
		"object":   "search_result",
		"url":      "/v1/customers/search",
		"has_more": false,
		"data": []map[string]interface{}{
			{"id": "cus_other", "object": "customer", "metadata": map[string]string{"user_id": testUserID + "-2"}},
			{"id": testCustomerID, "object": "customer", "metadata": map[string]string{"user_id": testUserID}},
		},
	}))
	env.stripe.on(http.MethodGet, "/v1/subscriptions", listJSON(t, "/v1/subscriptions"))

	plan, err := env.provider.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "free", plan)

	got := env.record(t, testUserID)
	assert.Equal(t, testCustomerID, got.ProcessorCustomerID)
	assert.Equal(t, planmeter.StatusFree, got.Status)
}

func TestSyncUser_NoCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.stripe.on(http.MethodGet, "/v1/customers/search", mustJSON(t, map[string]interface{}{
		"object": "search_result", "url": "/v1/customers/search", "has_more": false,
		"data": []map[string]interface{}{},
	}))

	plan, err := env.provider.SyncUser(context.Background(), testUserID)
	assert.ErrorIs(t, err, billing.ErrNoBillingAccount)
	assert.Equal(t, "free", plan)
	assert.Zero(t, env.storage.RecordCount())
}

func TestSyncUser_LifetimeShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.storage.UpsertRecord(context.Background(), &planmeter.SubscriptionRecord{
		UserID:              testUserID,
		Plan:                planmeter.PlanLifetime,
		Status:              planmeter.StatusCompleted,
		ProcessorCustomerID: testCustomerID,
	}))

	plan, err := env.provider.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "lifetime", plan)
	assert.Empty(t, env.stripe.Calls())
}

func TestSyncUser_EndedSubscriptionCancels(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	env.provider.now = func() time.Time { return now }

	require.NoError(t, env.storage.UpsertRecord(context.Background(), &planmeter.SubscriptionRecord{
		UserID:                  testUserID,
		Plan:                    planmeter.PlanPro,
		Status:                  planmeter.StatusActive,
		ProcessorCustomerID:     testCustomerID,
		ProcessorSubscriptionID: testSubscriptionID,
	}))
	ended := subscriptionObject(testSubscriptionID, "canceled", "pro_monthly", testPriceIDPro, now.AddDate(0, -1, 0), now.AddDate(0, 0, -1))
	env.stripe.on(http.MethodGet, "/v1/subscriptions", listJSON(t, "/v1/subscriptions", ended))

	plan, err := env.provider.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "free", plan)
	assert.Equal(t, planmeter.StatusCanceled, env.record(t, testUserID).Status)
}

func TestSyncUser_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.provider.SyncUser(context.Background(), "")
	assert.ErrorIs(t, err, planmeter.ErrInvalidUserID)
}

func TestSearchCustomerQueryEscapesQuotes(t *testing.T) {
	env := newTestEnv(t)
	env.stripe.on(http.MethodGet, "/v1/customers/search", mustJSON(t, map[string]interface{}{
		"object": "search_result", "url": "/v1/customers/search", "has_more": false,
		"data": []map[string]interface{}{},
	}))

	_, err := env.provider.searchCustomerByMetadata(context.Background(), "o'brien")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
	require.NotEmpty(t, env.stripe.Calls())
	assert.Equal(t, http.MethodGet, env.stripe.Calls()[0].Method)
	assert.Equal(t, "/v1/customers/search", env.stripe.Calls()[0].Path)
	assert.Equal(t, `metadata['user_id']:'o\'brien'`, env.stripe.Calls()[0].Form.Get("query"))
}

func TestNewProvider_TrustedProxies(t *testing.T) {
	storage := newTestEnv(t).storage
	base := Config{Config: billing.Config{
		Records:       storage,
		Accounts:      storage,
		Prices:        testPrices,
		APIKey:        testStripeAPIKey,
		WebhookSecret: testStripeWebhookSecret,
	}}

	invalid := base
	invalid.TrustedProxies = []string{"proxy.internal"}
	_, err := NewProvider(invalid)
	assert.Error(t, err)

	valid := base
	valid.TrustedProxies = []string{"10.0.0.0/8"}
	provider, err := NewProvider(valid)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	require.NoError(t, err)
	req.RemoteAddr = "10.2.3.4:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", provider.rateLimiter.ClientIP(req))
}
