package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/azisaba/commander/storage"
)

// Authorizer resolves session tokens to live sessions. It is the single
// session gate used by every protected route.
type Authorizer struct {
	sessions storage.SessionStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewAuthorizer returns an Authorizer reading the time from now
// (time.Now when nil).
func NewAuthorizer(sessions storage.SessionStore, now func() time.Time, logger *slog.Logger) *Authorizer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{sessions: sessions, now: now, logger: logger}
}

// Authenticate returns the live session for token in any status. Absent
// and expired sessions yield ErrUnauthorized; an expired record is deleted.
func (a *Authorizer) Authenticate(ctx context.Context, token string) (*storage.Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	session, err := a.sessions.GetSession(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if session.Expired(a.now()) {
		if err := a.sessions.DeleteSession(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			a.logger.WarnContext(ctx, "failed to delete expired session", "error", err)
		}
		return nil, ErrUnauthorized
	}
	return session, nil
}

// Authorize is Authenticate restricted to fully authorized sessions. A
// session still waiting for its second factor is rejected exactly like a
// missing one.
func (a *Authorizer) Authorize(ctx context.Context, token string) (*storage.Session, error) {
	session, err := a.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status != storage.StatusAuthorized {
		return nil, ErrUnauthorized
	}
	return session, nil
}
