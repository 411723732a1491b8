package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements planmeter.Metrics using Prometheus.
type Metrics struct {
	limitChecksTotal   *prometheus.CounterVec
	limitCheckDuration *prometheus.HistogramVec
	usageRecordedTotal *prometheus.CounterVec
	resolveFallbacks   *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		limitChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_checks_total",
			Help:      "Total number of quota checks by outcome.",
		}, []string{"category", "plan", "allowed"}),

		limitCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "limit_check_duration_seconds",
			Help:      "Latency of quota checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),

		usageRecordedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_recorded_total",
			Help:      "Total number of usage ledger entries appended.",
		}, []string{"action", "reserved"}),

		resolveFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_resolve_fallbacks_total",
			Help:      "Total number of plan resolutions degraded to free.",
		}, []string{"reason"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordLimitCheck(category, plan string, allowed bool, duration time.Duration) {
	m.limitChecksTotal.WithLabelValues(category, plan, strconv.FormatBool(allowed)).Inc()
	m.limitCheckDuration.WithLabelValues(category).Observe(duration.Seconds())
}

func (m *Metrics) RecordUsage(action string, reserved bool) {
	m.usageRecordedTotal.WithLabelValues(action, strconv.FormatBool(reserved)).Inc()
}

func (m *Metrics) RecordResolveFallback(reason string) {
	m.resolveFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
