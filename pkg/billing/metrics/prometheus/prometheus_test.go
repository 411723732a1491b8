package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/planmeter/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "invoice.payment_failed", "applied")
	m.RecordWebhookEvent("stripe", "invoice.payment_failed", "applied")
	m.RecordWebhookProcessingDuration("stripe", "invoice.payment_failed", 10*time.Millisecond)
	m.RecordWebhookError("stripe", "verification_failed")
	m.RecordPlanChange("stripe", "free", "pro")
	m.RecordSession("stripe", "checkout", "denied")

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}

	assert.Equal(t, float64(2), counts["test_billing_webhook_events_total"])
	assert.Equal(t, float64(1), counts["test_billing_webhook_errors_total"])
	assert.Equal(t, float64(1), counts["test_billing_plan_changes_total"])
	assert.Equal(t, float64(1), counts["test_billing_sessions_total"])
}
