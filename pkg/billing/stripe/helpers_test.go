package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
	"github.com/mihaimyh/planmeter/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testPriceIDPro          = "price_pro_monthly"
	testPriceIDPremium      = "price_premium_monthly"
	testPriceIDLifetime     = "price_lifetime"
)

var testPrices = billing.PriceTable{
	"pro_monthly":     {PriceID: testPriceIDPro, LookupKey: "pro_monthly", Plan: planmeter.PlanPro, Mode: billing.ModeSubscription},
	"premium_monthly": {PriceID: testPriceIDPremium, LookupKey: "premium_monthly", Plan: planmeter.PlanPremium, Mode: billing.ModeSubscription},
	"lifetime":        {PriceID: testPriceIDLifetime, Plan: planmeter.PlanLifetime, Mode: billing.ModePayment},
}

// fakeStripe is a minimal Stripe API. Responses are keyed by "METHOD path".
// Form holds both the query string and the form body of each call.
type fakeStripe struct {
	t         *testing.T
	mu        sync.Mutex
	responses map[string]string
	calls     []fakeCall
}

type fakeCall struct {
	Method string
	Path   string
	Form   url.Values
}

func newFakeStripe(t *testing.T) (*fakeStripe, *httptest.Server) {
	t.Helper()
	fake := &fakeStripe{t: t, responses: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakeStripe) on(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = body
}

func (f *fakeStripe) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	if form == nil {
		form = url.Values{}
	}
	for key, values := range r.URL.Query() {
		form[key] = append(form[key], values...)
	}

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: r.Method, Path: r.URL.Path, Form: form})
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprintf(w, `{"error":{"type":"invalid_request_error","message":"no fake for %s %s"}}`,
			r.Method, r.URL.Path)
		return
	}
	_, _ = io.WriteString(w, resp)
}

type testEnv struct {
	provider *Provider
	storage  *memory.Storage
	stripe   *fakeStripe
	changes  []billing.ChangeEvent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake, srv := newFakeStripe(t)
	storage := memory.New()
	storage.AddAccount(billing.Account{ID: testUserID, Email: "user@example.com"})

	env := &testEnv{storage: storage, stripe: fake}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Records:         storage,
			Accounts:        storage,
			DeadLetters:     storage,
			Prices:          testPrices,
			APIKey:          testStripeAPIKey,
			WebhookSecret:   testStripeWebhookSecret,
			SuccessURL:      "https://app.example.com/billing/success",
			CancelURL:       "https://app.example.com/billing/cancel",
			PortalReturnURL: "https://app.example.com/account",
			OnChange: func(_ context.Context, event billing.ChangeEvent) error {
				env.changes = append(env.changes, event)
				return nil
			},
		},
		APIBaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	env.provider = provider
	return env
}

// eventJSON builds a Stripe event envelope around a data object
func eventJSON(t *testing.T, id, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-09-30.clover",
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, signedRequest(t, payload))
	return rec
}

func (e *testEnv) record(t *testing.T, userID string) *planmeter.SubscriptionRecord {
	t.Helper()
	rec, err := e.storage.GetRecord(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetRecord(%s) failed: %v", userID, err)
	}
	return rec
}

func subscriptionObject(id, status, lookupKey, priceID string, periodStart, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"status":               status,
		"customer":             testCustomerID,
		"cancel_at_period_end": false,
		"metadata":             map[string]string{"user_id": testUserID},
		"items": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{
					"id":                   "si_1",
					"object":               "subscription_item",
					"current_period_start": periodStart.Unix(),
					"current_period_end":   periodEnd.Unix(),
					"price": map[string]interface{}{
						"id":         priceID,
						"object":     "price",
						"lookup_key": lookupKey,
					},
				},
			},
		},
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
