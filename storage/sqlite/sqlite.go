// Package sqlite implements storage.Repository on a single SQLite file using
// the pure-Go modernc.org/sqlite driver.
//
// Timestamps are stored as Unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/azisaba/commander/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows one writer at a time; a single connection also keeps
	// an in-memory database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func constraintCode(err error) int {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()
	}
	return 0
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const selectUser = `SELECT id, username, password_hash, user_group, two_factor_secret, created_at FROM users`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var u storage.User
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Group, &u.TwoFactorSecret, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

func (s *Store) loadPermissions(ctx context.Context, u *storage.User) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM user_permissions WHERE user_id = ? ORDER BY permission`, u.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	u.Permissions = nil
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		u.Permissions = append(u.Permissions, p)
	}
	return rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, user_group, two_factor_secret, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.Group, user.TwoFactorSecret, millis(createdAt))
	if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("user %q: %w", user.Username, storage.ErrConflict)
	}
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, p := range user.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_permissions (user_id, permission) VALUES (?, ?)`, id, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	user.ID = id
	user.CreatedAt = createdAt
	return nil
}

func (s *Store) getUserWhere(ctx context.Context, notFound error, where string, arg any) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	return s.getUserWhere(ctx, fmt.Errorf("user %d: %w", id, storage.ErrNotFound), "id = ?", id)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.getUserWhere(ctx, fmt.Errorf("user %q: %w", username, storage.ErrNotFound), "username = ?", username)
}

func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	var users []storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The single pooled connection is held by rows until closed.
	rows.Close()

	for i := range users {
		if err := s.loadPermissions(ctx, &users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) execUser(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateUserGroup(ctx context.Context, id int64, group string) error {
	return s.execUser(ctx, id, `UPDATE users SET user_group = ? WHERE id = ?`, group, id)
}

func (s *Store) SetTwoFactorSecret(ctx context.Context, id int64, secret string) error {
	return s.execUser(ctx, id, `UPDATE users SET two_factor_secret = ? WHERE id = ?`, secret, id)
}

func (s *Store) AddPermission(ctx context.Context, id int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_permissions (user_id, permission) VALUES (?, ?)`, id, permission)
	if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return err
}

func (s *Store) RemovePermission(ctx context.Context, id int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_permissions WHERE user_id = ? AND permission = ?`, id, permission)
	return err
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.execUser(ctx, id, `DELETE FROM users WHERE id = ?`, id)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at, source_address, status, two_factor_failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.Token, session.UserID, millis(session.CreatedAt), millis(session.ExpiresAt),
		session.SourceAddress, string(session.Status), session.TwoFactorFailures)
	if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	var session storage.Session
	var created, expires int64
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, created_at, expires_at, source_address, status, two_factor_failures
		 FROM sessions WHERE token = ?`, token).Scan(
		&session.Token, &session.UserID, &created, &expires,
		&session.SourceAddress, &status, &session.TwoFactorFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	session.CreatedAt = fromMillis(created)
	session.ExpiresAt = fromMillis(expires)
	session.Status = storage.SessionStatus(status)
	return &session, nil
}

func (s *Store) MarkSessionAuthorized(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE token = ?`, string(storage.StatusAuthorized), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordTwoFactorFailure(ctx context.Context, token string, limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	err = tx.QueryRowContext(ctx,
		`UPDATE sessions SET two_factor_failures = two_factor_failures + 1
		 WHERE token = ? AND status = ? RETURNING two_factor_failures`,
		token, string(storage.StatusWaitTwoFactor)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE token = ?`, token).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("session: %w", storage.ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("session: %w", storage.ErrNotPending)
	}
	if err != nil {
		return 0, err
	}
	if n >= limit {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE token = ? AND status = ?`,
			token, string(storage.StatusWaitTwoFactor)); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
