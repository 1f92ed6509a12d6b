// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/azisaba/commander/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu        sync.RWMutex
	nextID    int64
	users     map[int64]*storage.User
	usernames map[string]int64
	sessions  map[string]*storage.Session
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users:     make(map[int64]*storage.User),
		usernames: make(map[string]int64),
		sessions:  make(map[string]*storage.Session),
	}
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }

func cloneSession(s *storage.Session) *storage.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func (r *Repository) CreateUser(_ context.Context, user *storage.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.usernames[user.Username]; ok {
		return fmt.Errorf("user %q: %w", user.Username, storage.ErrConflict)
	}
	r.nextID++
	user.ID = r.nextID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.users[user.ID] = user.Clone()
	r.usernames[user.Username] = user.ID
	return nil
}

func (r *Repository) GetUser(_ context.Context, id int64) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return u.Clone(), nil
}

func (r *Repository) FindUserByUsername(_ context.Context, username string) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.usernames[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	return r.users[id].Clone(), nil
}

func (r *Repository) ListUsers(_ context.Context) ([]storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]storage.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u.Clone())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// updateUser applies fn to the stored user under the write lock.
func (r *Repository) updateUser(id int64, fn func(u *storage.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	fn(u)
	return nil
}

func (r *Repository) UpdateUserGroup(_ context.Context, id int64, group string) error {
	return r.updateUser(id, func(u *storage.User) { u.Group = group })
}

func (r *Repository) SetTwoFactorSecret(_ context.Context, id int64, secret string) error {
	return r.updateUser(id, func(u *storage.User) { u.TwoFactorSecret = secret })
}

func (r *Repository) AddPermission(_ context.Context, id int64, permission string) error {
	return r.updateUser(id, func(u *storage.User) {
		u.Permissions = storage.AddPermission(u.Permissions, permission)
	})
}

func (r *Repository) RemovePermission(_ context.Context, id int64, permission string) error {
	return r.updateUser(id, func(u *storage.User) {
		u.Permissions = storage.RemovePermission(u.Permissions, permission)
	})
}

func (r *Repository) DeleteUser(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	delete(r.usernames, u.Username)
	delete(r.users, id)
	return nil
}

func (r *Repository) CreateSession(_ context.Context, session *storage.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.Token]; ok {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	r.sessions[session.Token] = cloneSession(session)
	return nil
}

func (r *Repository) GetSession(_ context.Context, token string) (*storage.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return cloneSession(s), nil
}

func (r *Repository) MarkSessionAuthorized(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	s.Status = storage.StatusAuthorized
	return nil
}

func (r *Repository) RecordTwoFactorFailure(_ context.Context, token string, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return 0, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	if s.Status != storage.StatusWaitTwoFactor {
		return 0, fmt.Errorf("session: %w", storage.ErrNotPending)
	}
	s.TwoFactorFailures++
	if s.TwoFactorFailures >= limit {
		delete(r.sessions, token)
	}
	return s.TwoFactorFailures, nil
}

func (r *Repository) DeleteSession(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[token]; !ok {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	delete(r.sessions, token)
	return nil
}

func (r *Repository) DeleteUserSessions(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, token)
		}
	}
	return nil
}

func (r *Repository) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, s := range r.sessions {
		if s.Expired(now) {
			delete(r.sessions, token)
			n++
		}
	}
	return n, nil
}
