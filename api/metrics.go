package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertTwoFactorLockouts AlertType = "2fa_lockout_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector exports Prometheus counters for audit events and keeps
// sliding windows for anomaly alerts.
type metricsCollector struct {
	auditEvents    *prometheus.CounterVec
	loginDuration  *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	mu             sync.Mutex
	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	lockouts         []time.Time
	lockoutWindow    time.Duration
	lockoutThreshold int

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultLockoutWindow         = 5 * time.Minute
	defaultLockoutThreshold      = 10
)

func newMetricsCollector(reg prometheus.Registerer, alertFn AlertFunc) *metricsCollector {
	m := &metricsCollector{
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commander_audit_events_total",
				Help: "Total number of security audit events by type",
			},
			[]string{"event"},
		),
		loginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commander_login_duration_seconds",
				Help:    "Login request duration in seconds by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commander_login_requests_in_flight",
			Help: "Number of login requests currently being processed",
		}),
		loginWindow:      defaultLoginFailureWindow,
		loginThreshold:   defaultLoginFailureThreshold,
		lockoutWindow:    defaultLockoutWindow,
		lockoutThreshold: defaultLockoutThreshold,
		alertFn:          alertFn,
	}
	if reg != nil {
		reg.MustRegister(m.auditEvents, m.loginDuration, m.activeRequests)
	}
	return m
}

// recordEvent counts an audit event and updates the anomaly windows.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(string(event)).Inc()
	if m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.recordLoginFailure()
	case AuditTwoFactorLocked:
		m.recordLockout()
	}
}

func (m *metricsCollector) observeLogin(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.loginDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *metricsCollector) recordLoginFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.loginFailures = append(m.loginFailures, now)
	m.loginFailures = trimWindow(m.loginFailures, now, m.loginWindow)

	if len(m.loginFailures) >= m.loginThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertLoginFailureSpike,
			Message:   "login failure rate exceeds threshold",
			Count:     len(m.loginFailures),
			Threshold: m.loginThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.loginFailures = m.loginFailures[:0]
	}
}

func (m *metricsCollector) recordLockout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.lockouts = append(m.lockouts, now)
	m.lockouts = trimWindow(m.lockouts, now, m.lockoutWindow)

	if len(m.lockouts) >= m.lockoutThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertTwoFactorLockouts,
			Message:   "second factor lockout rate exceeds threshold",
			Count:     len(m.lockouts),
			Threshold: m.lockoutThreshold,
			Timestamp: now,
		})
		m.lockouts = m.lockouts[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
