// Package redis implements storage.SessionStore on Redis so that several
// commander instances can share login sessions.
//
// Each session is a hash at <prefix>session:<token>. The tokens of a user are
// indexed in the sorted set <prefix>user_sessions:<id>, scored by expiry in
// Unix milliseconds. Multi-step updates run as Lua scripts that name every
// key they touch in KEYS. Session keys carry a PEXPIREAT at the session's
// expiry and an index expires with its longest-lived session, so Redis evicts
// both even if the sweeper never runs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/azisaba/commander/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "commander:"

// KEYS[1] session hash, KEYS[2] user index.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1], 'created_at', ARGV[2], 'expires_at', ARGV[3],
  'source_address', ARGV[4], 'status', ARGV[5], 'failures', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[7])
local last = redis.call('ZRANGE', KEYS[2], -1, -1, 'WITHSCORES')
redis.call('PEXPIREAT', KEYS[2], last[2])
return 1
`)

var markScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// KEYS[1] session hash, KEYS[2] user index. Returns -1 for a missing session
// and -2 for a session that is not waiting for its second factor.
var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= ARGV[1] then
  return -2
end
local n = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if n >= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[3])
end
return n
`)

// KEYS[1] session hash, KEYS[2] user index.
var deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// SessionStore implements storage.SessionStore on a Redis client.
type SessionStore struct {
	client *redis.Client
	prefix string
}

var _ storage.SessionBackend = (*SessionStore)(nil)

// NewSessionStore wraps an existing client. An empty prefix selects DefaultPrefix.
func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SessionStore{client: client, prefix: prefix}
}

// NewSessionStoreFromURL parses a redis:// URL, connects and pings the server.
func NewSessionStoreFromURL(ctx context.Context, url string) (*SessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewSessionStore(client, ""), nil
}

// Close closes the underlying client.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

func (s *SessionStore) sessionKey(token string) string {
	return s.prefix + "session:" + token
}

func (s *SessionStore) userSetPrefix() string {
	return s.prefix + "user_sessions:"
}

func (s *SessionStore) userSetKey(userID int64) string {
	return s.userSetPrefix() + strconv.FormatInt(userID, 10)
}

func (s *SessionStore) CreateSession(ctx context.Context, session *storage.Session) error {
	ok, err := createScript.Run(ctx, s.client,
		[]string{s.sessionKey(session.Token), s.userSetKey(session.UserID)},
		session.UserID,
		session.CreatedAt.UnixMilli(),
		session.ExpiresAt.UnixMilli(),
		session.SourceAddress,
		string(session.Status),
		session.TwoFactorFailures,
		session.Token,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("session: %w", storage.ErrConflict)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return decodeSession(token, fields)
}

func decodeSession(token string, fields map[string]string) (*storage.Session, error) {
	userID, err := strconv.ParseInt(fields["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: decoding user_id: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: decoding created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: decoding expires_at: %w", err)
	}
	failures, err := strconv.Atoi(fields["failures"])
	if err != nil {
		return nil, fmt.Errorf("session: decoding failures: %w", err)
	}
	return &storage.Session{
		Token:             token,
		UserID:            userID,
		CreatedAt:         time.UnixMilli(created).UTC(),
		ExpiresAt:         time.UnixMilli(expires).UTC(),
		SourceAddress:     fields["source_address"],
		Status:            storage.SessionStatus(fields["status"]),
		TwoFactorFailures: failures,
	}, nil
}

func (s *SessionStore) MarkSessionAuthorized(ctx context.Context, token string) error {
	ok, err := markScript.Run(ctx, s.client, []string{s.sessionKey(token)}, string(storage.StatusAuthorized)).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

// indexKeyOf returns the user index key of the session stored under token.
func (s *SessionStore) indexKeyOf(ctx context.Context, token string) (string, error) {
	raw, err := s.client.HGet(ctx, s.sessionKey(token), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("session: decoding user_id: %w", err)
	}
	return s.userSetKey(userID), nil
}

func (s *SessionStore) RecordTwoFactorFailure(ctx context.Context, token string, limit int) (int, error) {
	indexKey, err := s.indexKeyOf(ctx, token)
	if err != nil {
		return 0, err
	}
	n, err := failScript.Run(ctx, s.client,
		[]string{s.sessionKey(token), indexKey},
		string(storage.StatusWaitTwoFactor), limit, token,
	).Int()
	if err != nil {
		return 0, err
	}
	switch n {
	case -1:
		return 0, fmt.Errorf("session: %w", storage.ErrNotFound)
	case -2:
		return 0, fmt.Errorf("session: %w", storage.ErrNotPending)
	}
	return n, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, token string) error {
	indexKey, err := s.indexKeyOf(ctx, token)
	if err != nil {
		return err
	}
	ok, err := deleteScript.Run(ctx, s.client, []string{s.sessionKey(token), indexKey}, token).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

func (s *SessionStore) DeleteUserSessions(ctx context.Context, userID int64) error {
	indexKey := s.userSetKey(userID)
	tokens, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, token := range tokens {
			pipe.Del(ctx, s.sessionKey(token))
		}
		pipe.Del(ctx, indexKey)
		return nil
	})
	return err
}

// DeleteExpiredSessions deletes session hashes whose expires_at has passed
// and then trims every user index of entries scored at or before now. Redis
// evicts expired session keys by itself, so the trim is what removes the
// tokens of sessions that were never deleted explicitly.
func (s *SessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UnixMilli()
	deleted := 0
	err := s.scan(ctx, s.sessionKey("*"), func(key string) error {
		raw, err := s.client.HGet(ctx, key, "expires_at").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if expires, err := strconv.ParseInt(raw, 10, 64); err == nil && expires > cutoff {
			return nil
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		return nil
	})
	if err != nil {
		return deleted, err
	}

	upTo := strconv.FormatInt(cutoff, 10)
	err = s.scan(ctx, s.userSetPrefix()+"*", func(key string) error {
		return s.client.ZRemRangeByScore(ctx, key, "-inf", upTo).Err()
	})
	return deleted, err
}

// scan calls fn for every key matching pattern.
func (s *SessionStore) scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
