// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Users, their permissions and sessions live in three tables (see
// schema.sql). Every query is parameterized; the session token is the
// primary key of the sessions table so create/update/delete are single-row
// atomic statements.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/azisaba/commander/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const selectUser = `
	SELECT u.id, u.username, u.password_hash, u.user_group, u.two_factor_secret, u.created_at,
	       COALESCE(array_agg(p.permission ORDER BY p.permission) FILTER (WHERE p.permission IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN user_permissions p ON p.user_id = u.id`

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Group, &u.TwoFactorSecret, &u.CreatedAt, &u.Permissions)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, user_group, two_factor_secret, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		user.Username, user.PasswordHash, user.Group, user.TwoFactorSecret, createdAt).Scan(&id)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", user.Username, storage.ErrConflict)
	}
	if err != nil {
		return err
	}
	for _, p := range user.Permissions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_permissions (user_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	user.ID = id
	user.CreatedAt = createdAt
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE u.id = $1 GROUP BY u.id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE u.username = $1 GROUP BY u.id LIMIT 1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.pool.Query(ctx, selectUser+` GROUP BY u.id ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// execUser runs a single-row user update and maps "no rows" to ErrNotFound.
func (s *Store) execUser(ctx context.Context, id int64, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateUserGroup(ctx context.Context, id int64, group string) error {
	return s.execUser(ctx, id, `UPDATE users SET user_group = $2 WHERE id = $1`, id, group)
}

func (s *Store) SetTwoFactorSecret(ctx context.Context, id int64, secret string) error {
	return s.execUser(ctx, id, `UPDATE users SET two_factor_secret = $2 WHERE id = $1`, id, secret)
}

func (s *Store) AddPermission(ctx context.Context, id int64, permission string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_permissions (user_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		id, permission)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return err
}

func (s *Store) RemovePermission(ctx context.Context, id int64, permission string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission = $2`, id, permission)
	return err
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.execUser(ctx, id, `DELETE FROM users WHERE id = $1`, id)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at, source_address, status, two_factor_failures)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.Token, session.UserID, session.CreatedAt, session.ExpiresAt,
		session.SourceAddress, string(session.Status), session.TwoFactorFailures)
	if isUniqueViolation(err) {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	var session storage.Session
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT token, user_id, created_at, expires_at, source_address, status, two_factor_failures
		 FROM sessions WHERE token = $1`, token).Scan(
		&session.Token, &session.UserID, &session.CreatedAt, &session.ExpiresAt,
		&session.SourceAddress, &status, &session.TwoFactorFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	session.Status = storage.SessionStatus(status)
	return &session, nil
}

func (s *Store) MarkSessionAuthorized(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2 WHERE token = $1`, token, string(storage.StatusAuthorized))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

// RecordTwoFactorFailure holds the row lock taken by the UPDATE until the
// lockout delete commits, so a concurrent MarkSessionAuthorized waits.
func (s *Store) RecordTwoFactorFailure(ctx context.Context, token string, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var n int
	err = tx.QueryRow(ctx,
		`UPDATE sessions SET two_factor_failures = two_factor_failures + 1
		 WHERE token = $1 AND status = $2 RETURNING two_factor_failures`,
		token, string(storage.StatusWaitTwoFactor)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE token = $1)`, token).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, fmt.Errorf("session: %w", storage.ErrNotFound)
		}
		return 0, fmt.Errorf("session: %w", storage.ErrNotPending)
	}
	if err != nil {
		return 0, err
	}
	if n >= limit {
		if _, err := tx.Exec(ctx,
			`DELETE FROM sessions WHERE token = $1 AND status = $2`,
			token, string(storage.StatusWaitTwoFactor)); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit(ctx)
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
