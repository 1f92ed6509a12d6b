// Package storagetest provides a conformance suite that every storage backend
// runs from its own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azisaba/commander/storage"
)

// RunUserStoreTests runs the common suite against any UserStore implementation.
// The store must be empty.
func RunUserStoreTests(t *testing.T, store storage.UserStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndFind", func(t *testing.T) {
		u := &storage.User{Username: "alice", PasswordHash: "$2a$hash", Group: "member"}
		require.NoError(t, store.CreateUser(ctx, u))
		require.NotZero(t, u.ID)

		got, err := store.FindUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "$2a$hash", got.PasswordHash)
		assert.Equal(t, "member", got.Group)
		assert.False(t, got.HasTwoFactor())

		byID, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", byID.Username)
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		err := store.CreateUser(ctx, &storage.User{Username: "dup", PasswordHash: "h"})
		require.NoError(t, err)
		err = store.CreateUser(ctx, &storage.User{Username: "dup", PasswordHash: "h"})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("FindMissing", func(t *testing.T) {
		_, err := store.FindUserByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetUser(ctx, 987654)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GroupAndTwoFactor", func(t *testing.T) {
		u := &storage.User{Username: "bob", PasswordHash: "h", Group: "under_review"}
		require.NoError(t, store.CreateUser(ctx, u))

		require.NoError(t, store.UpdateUserGroup(ctx, u.ID, "admin"))
		require.NoError(t, store.SetTwoFactorSecret(ctx, u.ID, "JBSWY3DPEHPK3PXP"))

		got, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "admin", got.Group)
		assert.True(t, got.HasTwoFactor())

		require.NoError(t, store.SetTwoFactorSecret(ctx, u.ID, ""))
		got, err = store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.False(t, got.HasTwoFactor())

		assert.ErrorIs(t, store.UpdateUserGroup(ctx, 987654, "admin"), storage.ErrNotFound)
	})

	t.Run("Permissions", func(t *testing.T) {
		u := &storage.User{Username: "carol", PasswordHash: "h"}
		require.NoError(t, store.CreateUser(ctx, u))

		require.NoError(t, store.AddPermission(ctx, u.ID, "server.restart"))
		require.NoError(t, store.AddPermission(ctx, u.ID, "container.view"))
		require.NoError(t, store.AddPermission(ctx, u.ID, "server.restart"))

		got, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"container.view", "server.restart"}, got.Permissions)

		require.NoError(t, store.RemovePermission(ctx, u.ID, "server.restart"))
		got, err = store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"container.view"}, got.Permissions)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		u := &storage.User{Username: "dave", PasswordHash: "h"}
		require.NoError(t, store.CreateUser(ctx, u))

		users, err := store.ListUsers(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, users)
		for i := 1; i < len(users); i++ {
			assert.Less(t, users[i-1].ID, users[i].ID)
		}

		require.NoError(t, store.DeleteUser(ctx, u.ID))
		_, err = store.GetUser(ctx, u.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.FindUserByUsername(ctx, "dave")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.DeleteUser(ctx, u.ID), storage.ErrNotFound)

		// The username is free again.
		require.NoError(t, store.CreateUser(ctx, &storage.User{Username: "dave", PasswordHash: "h"}))
	})
}

func newSession(token string, userID int64, status storage.SessionStatus, expiresAt time.Time) *storage.Session {
	return &storage.Session{
		Token:         token,
		UserID:        userID,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:     expiresAt.UTC().Truncate(time.Millisecond),
		SourceAddress: "192.0.2.10",
		Status:        status,
	}
}

// RunSessionStoreTests runs the common suite against any SessionStore implementation.
func RunSessionStoreTests(t *testing.T, store storage.SessionStore) {
	t.Helper()
	ctx := context.Background()
	later := time.Now().Add(time.Hour)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newSession("tok-1", 1, storage.StatusAuthorized, later)
		require.NoError(t, store.CreateSession(ctx, s))

		got, err := store.GetSession(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.UserID)
		assert.Equal(t, storage.StatusAuthorized, got.Status)
		assert.Equal(t, "192.0.2.10", got.SourceAddress)
		assert.True(t, s.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", got.ExpiresAt, s.ExpiresAt)
		assert.Zero(t, got.TwoFactorFailures)
	})

	t.Run("DuplicateToken", func(t *testing.T) {
		require.NoError(t, store.CreateSession(ctx, newSession("tok-dup", 1, storage.StatusAuthorized, later)))
		err := store.CreateSession(ctx, newSession("tok-dup", 2, storage.StatusAuthorized, later))
		assert.ErrorIs(t, err, storage.ErrConflict)

		got, err := store.GetSession(ctx, "tok-dup")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.UserID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetSession(ctx, "no-such-token")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TwoFactorTransition", func(t *testing.T) {
		require.NoError(t, store.CreateSession(ctx, newSession("tok-2fa", 3, storage.StatusWaitTwoFactor, later)))

		n, err := store.RecordTwoFactorFailure(ctx, "tok-2fa", 5)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = store.RecordTwoFactorFailure(ctx, "tok-2fa", 5)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := store.GetSession(ctx, "tok-2fa")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusWaitTwoFactor, got.Status)
		assert.Equal(t, 2, got.TwoFactorFailures)

		require.NoError(t, store.MarkSessionAuthorized(ctx, "tok-2fa"))
		got, err = store.GetSession(ctx, "tok-2fa")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusAuthorized, got.Status)

		assert.ErrorIs(t, store.MarkSessionAuthorized(ctx, "missing"), storage.ErrNotFound)
		_, err = store.RecordTwoFactorFailure(ctx, "missing", 5)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("FailureAfterAuthorizeIsRejected", func(t *testing.T) {
		s := newSession("tok-late", 6, storage.StatusWaitTwoFactor, later)
		s.TwoFactorFailures = 4
		require.NoError(t, store.CreateSession(ctx, s))
		require.NoError(t, store.MarkSessionAuthorized(ctx, "tok-late"))

		_, err := store.RecordTwoFactorFailure(ctx, "tok-late", 5)
		assert.ErrorIs(t, err, storage.ErrNotPending)

		got, err := store.GetSession(ctx, "tok-late")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusAuthorized, got.Status)
		assert.Equal(t, 4, got.TwoFactorFailures)
	})

	t.Run("FailureLimitDeletesSession", func(t *testing.T) {
		require.NoError(t, store.CreateSession(ctx, newSession("tok-lock", 7, storage.StatusWaitTwoFactor, later)))

		for want := 1; want < 3; want++ {
			n, err := store.RecordTwoFactorFailure(ctx, "tok-lock", 3)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		n, err := store.RecordTwoFactorFailure(ctx, "tok-lock", 3)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = store.GetSession(ctx, "tok-lock")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.RecordTwoFactorFailure(ctx, "tok-lock", 3)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentFailures", func(t *testing.T) {
		require.NoError(t, store.CreateSession(ctx, newSession("tok-race", 4, storage.StatusWaitTwoFactor, later)))
		const workers = 8
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.RecordTwoFactorFailure(ctx, "tok-race", workers+1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := store.GetSession(ctx, "tok-race")
		require.NoError(t, err)
		assert.Equal(t, workers, got.TwoFactorFailures)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.CreateSession(ctx, newSession("tok-del", 5, storage.StatusAuthorized, later)))
		require.NoError(t, store.DeleteSession(ctx, "tok-del"))
		_, err := store.GetSession(ctx, "tok-del")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.DeleteSession(ctx, "tok-del"), storage.ErrNotFound)
	})

	t.Run("DeleteUserSessions", func(t *testing.T) {
		for i := range 3 {
			require.NoError(t, store.CreateSession(ctx, newSession(fmt.Sprintf("tok-user-%d", i), 42, storage.StatusAuthorized, later)))
		}
		require.NoError(t, store.CreateSession(ctx, newSession("tok-other", 43, storage.StatusAuthorized, later)))

		require.NoError(t, store.DeleteUserSessions(ctx, 42))
		for i := range 3 {
			_, err := store.GetSession(ctx, fmt.Sprintf("tok-user-%d", i))
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
		_, err := store.GetSession(ctx, "tok-other")
		assert.NoError(t, err)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, store.CreateSession(ctx, newSession("tok-live", 6, storage.StatusAuthorized, now.Add(time.Hour))))
		require.NoError(t, store.CreateSession(ctx, newSession("tok-old", 6, storage.StatusAuthorized, now.Add(2*time.Second))))

		_, err := store.DeleteExpiredSessions(ctx, now.Add(time.Minute))
		require.NoError(t, err)

		_, err = store.GetSession(ctx, "tok-old")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetSession(ctx, "tok-live")
		assert.NoError(t, err)
	})
}

// RunRepositoryTests runs both suites against a Repository.
func RunRepositoryTests(t *testing.T, repo storage.Repository) {
	t.Helper()
	t.Run("Users", func(t *testing.T) { RunUserStoreTests(t, repo) })
	t.Run("Sessions", func(t *testing.T) { RunSessionStoreTests(t, repo) })
}
