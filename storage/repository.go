// Package storage provides the storage abstraction layer for users and login sessions.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (username, session token) is already taken.
	ErrConflict = errors.New("conflict")
	// ErrNotPending is returned by RecordTwoFactorFailure when the session is
	// no longer waiting for its second factor.
	ErrNotPending = errors.New("session not pending")
)

// UserStore holds user accounts, their second factor and permissions.
type UserStore interface {
	// CreateUser inserts a user and assigns user.ID. Returns ErrConflict if the
	// username is already taken.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	// ListUsers returns all users ordered by ID.
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserGroup(ctx context.Context, id int64, group string) error
	// SetTwoFactorSecret registers (or, with an empty secret, removes) the
	// user's TOTP secret.
	SetTwoFactorSecret(ctx context.Context, id int64, secret string) error
	AddPermission(ctx context.Context, id int64, permission string) error
	RemovePermission(ctx context.Context, id int64, permission string) error
	DeleteUser(ctx context.Context, id int64) error
}

// SessionStore holds login sessions keyed by token. Implementations must
// provide key-level atomicity for every method; no cross-session locking is
// required.
type SessionStore interface {
	// CreateSession persists a new session. Returns ErrConflict if the token
	// already exists.
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns the stored record regardless of expiry. Expiry is
	// enforced by the caller.
	GetSession(ctx context.Context, token string) (*Session, error)
	// MarkSessionAuthorized moves the session to StatusAuthorized.
	MarkSessionAuthorized(ctx context.Context, token string) error
	// RecordTwoFactorFailure increments the failure counter of a WAIT_2FA
	// session and returns the new count. When the count reaches limit the
	// session is deleted in the same atomic step. A session in any other
	// status is left untouched and ErrNotPending is returned.
	RecordTwoFactorFailure(ctx context.Context, token string, limit int) (int, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteUserSessions(ctx context.Context, userID int64) error
	// DeleteExpiredSessions removes every session with ExpiresAt <= now and
	// returns how many were removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Repository is a backend that stores both users and sessions.
type Repository interface {
	UserStore
	SessionStore
	Close() error
}

// SessionBackend is a SessionStore that owns a connection.
type SessionBackend interface {
	SessionStore
	Close() error
}

type splitRepository struct {
	UserStore
	SessionStore
	closers []func() error
}

// Split returns a Repository that keeps users in repo and sessions in
// sessions. Closing it closes sessions first, then repo.
func Split(repo Repository, sessions SessionBackend) Repository {
	return &splitRepository{
		UserStore:    repo,
		SessionStore: sessions,
		closers:      []func() error{sessions.Close, repo.Close},
	}
}

func (r *splitRepository) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
