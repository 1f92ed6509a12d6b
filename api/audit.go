package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLoginTimeout        AuditEvent = "login_timeout"
	AuditLoginRateLimited    AuditEvent = "login_rate_limited"
	AuditRegister            AuditEvent = "register"
	AuditRegisterRateLimited AuditEvent = "register_rate_limited"
	AuditLogout              AuditEvent = "logout"
	AuditTwoFactorSuccess    AuditEvent = "2fa_success"
	AuditTwoFactorFailure    AuditEvent = "2fa_failure"
	AuditTwoFactorLocked     AuditEvent = "2fa_locked"
	AuditAccessDenied        AuditEvent = "access_denied"
	AuditUserDeleted         AuditEvent = "user_deleted"
	AuditGroupChanged        AuditEvent = "group_changed"
	AuditPermissionAdded     AuditEvent = "permission_added"
	AuditPermissionRemoved   AuditEvent = "permission_removed"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// optionally forwards every event to a webhook.
type auditLogger struct {
	logger   *slog.Logger
	metrics  *metricsCollector
	webhook  *auditWebhook
	clientIP func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger:   logger.With("component", "audit"),
		clientIP: extractClientIP,
	}
}

// log writes a structured audit log entry. userID is omitted when zero.
func (al *auditLogger) log(event AuditEvent, r *http.Request, userID int64, attrs ...slog.Attr) {
	now := time.Now().UTC().Format(time.RFC3339)
	remote := al.clientIP(r)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", remote),
		slog.String("timestamp", now),
	}
	if userID != 0 {
		baseAttrs = append(baseAttrs, slog.Int64("user_id", userID))
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(webhookEvent{
			Event:      string(event),
			UserID:     userID,
			RemoteAddr: remote,
			Timestamp:  now,
			Attrs:      webhookAttrs(attrs),
		})
	}
}

// logEvent records an event about a known user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID int64, extra ...slog.Attr) {
	al.log(event, r, userID, extra...)
}

// logFailure logs a failed attempt. The reason is for operators only and is
// never sent to the client.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(event, r, 0, attrs...)
}
