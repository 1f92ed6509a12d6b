// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/azisaba/commander/storage"
)

var (
	usersBucket     = []byte("users")
	usernamesBucket = []byte("usernames")
	sessionsBucket  = []byte("sessions")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
// The required buckets are created if missing.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, usernamesBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func getUser(b *bbolt.Bucket, id int64) (*storage.User, error) {
	data := b.Get(idKey(id))
	if data == nil {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	var u storage.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func putUser(b *bbolt.Bucket, u *storage.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.Put(idKey(u.ID), data)
}

func (s *Store) CreateUser(_ context.Context, user *storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(usernamesBucket)
		if names.Get([]byte(user.Username)) != nil {
			return fmt.Errorf("user %q: %w", user.Username, storage.ErrConflict)
		}
		users := tx.Bucket(usersBucket)
		seq, err := users.NextSequence()
		if err != nil {
			return err
		}
		u := user.Clone()
		u.ID = int64(seq)
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		if err := putUser(users, u); err != nil {
			return err
		}
		if err := names.Put([]byte(u.Username), idKey(u.ID)); err != nil {
			return err
		}
		user.ID = u.ID
		user.CreatedAt = u.CreatedAt
		return nil
	})
}

func (s *Store) GetUser(_ context.Context, id int64) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUser(tx.Bucket(usersBucket), id)
		return err
	})
	return u, err
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(usernamesBucket).Get([]byte(username))
		if raw == nil {
			return fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
		}
		var err error
		u, err = getUser(tx.Bucket(usersBucket), int64(binary.BigEndian.Uint64(raw)))
		return err
	})
	return u, err
}

func (s *Store) ListUsers(_ context.Context) ([]storage.User, error) {
	var users []storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		// Big-endian keys iterate in ID order.
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u storage.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

func (s *Store) updateUser(id int64, fn func(u *storage.User)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		u, err := getUser(b, id)
		if err != nil {
			return err
		}
		fn(u)
		return putUser(b, u)
	})
}

func (s *Store) UpdateUserGroup(_ context.Context, id int64, group string) error {
	return s.updateUser(id, func(u *storage.User) { u.Group = group })
}

func (s *Store) SetTwoFactorSecret(_ context.Context, id int64, secret string) error {
	return s.updateUser(id, func(u *storage.User) { u.TwoFactorSecret = secret })
}

func (s *Store) AddPermission(_ context.Context, id int64, permission string) error {
	return s.updateUser(id, func(u *storage.User) {
		u.Permissions = storage.AddPermission(u.Permissions, permission)
	})
}

func (s *Store) RemovePermission(_ context.Context, id int64, permission string) error {
	return s.updateUser(id, func(u *storage.User) {
		u.Permissions = storage.RemovePermission(u.Permissions, permission)
	})
}

func (s *Store) DeleteUser(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		u, err := getUser(users, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(usernamesBucket).Delete([]byte(u.Username)); err != nil {
			return err
		}
		return users.Delete(idKey(id))
	})
}

func getSession(b *bbolt.Bucket, token string) (*storage.Session, error) {
	data := b.Get([]byte(token))
	if data == nil {
		return nil, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	var session storage.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func putSession(b *bbolt.Bucket, session *storage.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return b.Put([]byte(session.Token), data)
}

func (s *Store) CreateSession(_ context.Context, session *storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(session.Token)) != nil {
			return fmt.Errorf("session: %w", storage.ErrConflict)
		}
		return putSession(b, session)
	})
}

func (s *Store) GetSession(_ context.Context, token string) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		session, err = getSession(tx.Bucket(sessionsBucket), token)
		return err
	})
	return session, err
}

func (s *Store) MarkSessionAuthorized(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		session, err := getSession(b, token)
		if err != nil {
			return err
		}
		session.Status = storage.StatusAuthorized
		return putSession(b, session)
	})
}

func (s *Store) RecordTwoFactorFailure(_ context.Context, token string, limit int) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		session, err := getSession(b, token)
		if err != nil {
			return err
		}
		if session.Status != storage.StatusWaitTwoFactor {
			return fmt.Errorf("session: %w", storage.ErrNotPending)
		}
		session.TwoFactorFailures++
		n = session.TwoFactorFailures
		if n >= limit {
			return b.Delete([]byte(token))
		}
		return putSession(b, session)
	})
	return n, err
}

func (s *Store) DeleteSession(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(token)) == nil {
			return fmt.Errorf("session: %w", storage.ErrNotFound)
		}
		return b.Delete([]byte(token))
	})
}

// deleteSessionsWhere removes every session matching pred in one transaction.
func (s *Store) deleteSessionsWhere(pred func(*storage.Session) bool) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var doomed [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var session storage.Session
			if err := json.Unmarshal(v, &session); err != nil {
				// Corrupt entry, remove it.
				doomed = append(doomed, append([]byte(nil), k...))
				continue
			}
			if pred(&session) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

func (s *Store) DeleteUserSessions(_ context.Context, userID int64) error {
	_, err := s.deleteSessionsWhere(func(session *storage.Session) bool {
		return session.UserID == userID
	})
	return err
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	return s.deleteSessionsWhere(func(session *storage.Session) bool {
		return session.Expired(now)
	})
}
