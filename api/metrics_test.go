package api

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, e)
}

func (r *alertRecorder) get() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(nil, rec.record)
	// Override threshold for fast testing.
	collector.loginThreshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, rec.get(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := rec.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
}

func TestTwoFactorLockoutAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(nil, rec.record)
	collector.lockoutThreshold = 3

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditTwoFactorLocked)
	}
	assert.Empty(t, rec.get())

	collector.recordEvent(AuditTwoFactorLocked)
	alerts := rec.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTwoFactorLockouts, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
}

func TestAuditEventsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := newMetricsCollector(reg, nil)

	collector.recordEvent(AuditLoginSuccess)
	collector.recordEvent(AuditLoginSuccess)
	collector.recordEvent(AuditLoginFailure)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.auditEvents.WithLabelValues(string(AuditLoginSuccess))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.auditEvents.WithLabelValues(string(AuditLoginFailure))))

	n, err := testutil.GatherAndCount(reg, "commander_audit_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetricsNilCollector(t *testing.T) {
	// A nil collector should not panic.
	var collector *metricsCollector
	collector.recordEvent(AuditLoginFailure)
	collector.observeLogin("success", time.Second)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(nil, rec.record)
	collector.loginThreshold = 5
	collector.loginWindow = 100 * time.Millisecond

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}

	// Wait for them to slide out of the window.
	time.Sleep(150 * time.Millisecond)

	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, rec.get(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(nil, rec.record)
	collector.loginThreshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, rec.get(), 1, "first alert triggered")

	// Counter was reset, 3 more are needed to trigger again.
	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, rec.get(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, rec.get(), 2, "second alert triggered")
}
