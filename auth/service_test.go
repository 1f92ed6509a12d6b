package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	"github.com/azisaba/commander/storage"
	"github.com/azisaba/commander/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// countingUsers records how often the user store is queried by name.
type countingUsers struct {
	storage.UserStore
	finds atomic.Int32
}

func (c *countingUsers) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	c.finds.Add(1)
	return c.UserStore.FindUserByUsername(ctx, username)
}

type fixture struct {
	svc   *Service
	repo  *memory.Repository
	users *countingUsers
	clock *testClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.TokenTimeout = 500 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	users := &countingUsers{UserStore: repo}
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := New(testConfig(), users, repo, opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, repo: repo, users: users, clock: clock}
}

func (f *fixture) addUser(t *testing.T, username, password, group string) *storage.User {
	t.Helper()
	u, err := f.svc.CreateUser(context.Background(), CreateUserRequest{Username: username, Password: password, Group: group})
	require.NoError(t, err)
	return u
}

func (f *fixture) login(username, password string) (*LoginResult, error) {
	return f.svc.Login(context.Background(), LoginRequest{
		Username:      username,
		Password:      password,
		SourceAddress: "198.51.100.7",
		AttemptID:     "test-attempt",
	})
}

func TestLoginStatusBySecondFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")
	carol := f.addUser(t, "carol", "correct horse", "member")
	_, err := f.svc.EnrollTOTP(ctx, carol.ID, "commander")
	require.NoError(t, err)

	res, err := f.login("alice", "correct horse")
	require.NoError(t, err)
	assert.False(t, res.WaitTwoFactor)
	assert.Len(t, res.Token, 50)
	stored, err := f.repo.GetSession(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAuthorized, stored.Status)
	assert.Equal(t, "198.51.100.7", stored.SourceAddress)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), stored.ExpiresAt)

	res, err = f.login("carol", "correct horse")
	require.NoError(t, err)
	assert.True(t, res.WaitTwoFactor)
	stored, err = f.repo.GetSession(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaitTwoFactor, stored.Status)
}

func TestLoginInvalidCredentialsAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")

	cases := map[string][2]string{
		"UnknownUser":   {"mallory", "correct horse"},
		"WrongPassword": {"alice", "wrong password"},
		"ShortPassword": {"alice", "short1"},
		"EmptyUsername": {"", "correct horse"},
		"EmptyPassword": {"alice", ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := f.login(c[0], c[1])
			assert.Nil(t, res)
			assert.Same(t, ErrInvalidCredentials, err)
		})
	}
}

func TestLoginShortPasswordSkipsStore(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")

	_, err := f.login("alice", "short1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, f.users.finds.Load())

	// Seven characters is long enough to reach the store.
	_, err = f.login("alice", "7chars!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, int32(1), f.users.finds.Load())
}

func TestLoginUnderReview(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "bob", "correct horse", "")

	_, err := f.login("bob", "correct horse")
	assert.ErrorIs(t, err, ErrIncompleteAccount)

	// A wrong password never reveals the review state.
	_, err = f.login("bob", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, WithTracerProvider(tp))
	alice := f.addUser(t, "alice", "correct horse", "member")

	_, err := f.login("alice", "correct horse")
	require.NoError(t, err)
	_, err = f.login("alice", "wrong password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, "auth.Login", span.Name)
		assert.Contains(t, span.Attributes, attribute.String("login.attempt_id", "test-attempt"))
	}
	assert.Contains(t, spans[0].Attributes, attribute.Int64("user.id", alice.ID))
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestConcurrentLoginsGetDistinctTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")

	const n = 2
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.login("alice", "correct horse")
			if assert.NoError(t, err) {
				tokens[i] = res.Token
			}
		}()
	}
	wg.Wait()

	assert.NotEqual(t, tokens[0], tokens[1])
	for _, tok := range tokens {
		_, err := f.svc.Authorize(ctx, tok)
		assert.NoError(t, err)
	}
}

func TestSessionExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")
	t0 := f.clock.Now()

	res, err := f.login("alice", "correct horse")
	require.NoError(t, err)
	expiresAt := t0.Add(24 * time.Hour)

	f.clock.Set(expiresAt.Add(-time.Nanosecond))
	_, err = f.svc.Authorize(ctx, res.Token)
	assert.NoError(t, err)

	f.clock.Set(expiresAt)
	_, err = f.svc.Authorize(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// The expired record was reclaimed on read.
	_, err = f.repo.GetSession(ctx, res.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Even winding the clock back cannot revive it.
	f.clock.Set(t0)
	_, err = f.svc.Authorize(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWaitTwoFactorSessionIsNotAuthorized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	carol := f.addUser(t, "carol", "correct horse", "member")
	_, err := f.svc.EnrollTOTP(ctx, carol.ID, "commander")
	require.NoError(t, err)

	res, err := f.login("carol", "correct horse")
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	session, err := f.svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaitTwoFactor, session.Status)
}

func TestAuthorizeUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Authorize(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Authorize(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoginTimeoutCreatesNoSession(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	done := make(chan struct{})
	lateToken := strings.Repeat("L", 50)
	slow := TokenGeneratorFunc(func(context.Context, int) (string, error) {
		defer close(done)
		<-release
		return lateToken, nil
	})

	f := newFixture(t, WithTokenGenerator(slow))
	f.addUser(t, "alice", "correct horse", "member")

	res, err := f.login("alice", "correct horse")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrTimeout)

	// Let the generator finish after the deadline.
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("generator did not finish")
	}
	time.Sleep(10 * time.Millisecond)

	_, err = f.repo.GetSession(ctx, lateToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	n, err := f.repo.DeleteExpiredSessions(ctx, f.clock.Now().Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "no session may exist for a timed out attempt")
}

func wrongCode(code string) string {
	n, _ := strconv.Atoi(code)
	return fmt.Sprintf("%06d", (n+500000)%1000000)
}

func TestVerifySecondFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	carol := f.addUser(t, "carol", "correct horse", "member")
	key, err := f.svc.EnrollTOTP(ctx, carol.ID, "commander")
	require.NoError(t, err)

	res, err := f.login("carol", "correct horse")
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret, f.clock.Now())
	require.NoError(t, err)

	err = f.svc.VerifySecondFactor(ctx, res.Token, wrongCode(code))
	assert.ErrorIs(t, err, ErrInvalidSecondFactor)
	session, err := f.repo.GetSession(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaitTwoFactor, session.Status)
	assert.Equal(t, 1, session.TwoFactorFailures)

	assert.ErrorIs(t, f.svc.VerifySecondFactor(ctx, res.Token, "not-a-code"), ErrInvalidSecondFactor)

	require.NoError(t, f.svc.VerifySecondFactor(ctx, res.Token, code))
	_, err = f.svc.Authorize(ctx, res.Token)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.VerifySecondFactor(ctx, res.Token, code), ErrAlreadyAuthorized)
}

func TestVerifySecondFactorRequiresLiveSession(t *testing.T) {
	f := newFixture(t)
	err := f.svc.VerifySecondFactor(context.Background(), "missing", "123456")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSecondFactorLockout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	carol := f.addUser(t, "carol", "correct horse", "member")
	key, err := f.svc.EnrollTOTP(ctx, carol.ID, "commander")
	require.NoError(t, err)

	res, err := f.login("carol", "correct horse")
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret, f.clock.Now())
	require.NoError(t, err)
	bad := wrongCode(code)

	max := f.svc.Config().MaxTwoFactorAttempts
	for i := 1; i < max; i++ {
		assert.ErrorIs(t, f.svc.VerifySecondFactor(ctx, res.Token, bad), ErrInvalidSecondFactor)
	}
	assert.ErrorIs(t, f.svc.VerifySecondFactor(ctx, res.Token, bad), ErrTooManyAttempts)

	_, err = f.repo.GetSession(ctx, res.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, f.svc.VerifySecondFactor(ctx, res.Token, code), ErrUnauthorized)
}

func TestWrongProofRacingCorrectProofKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	carol := f.addUser(t, "carol", "correct horse", "member")
	key, err := f.svc.EnrollTOTP(ctx, carol.ID, "commander")
	require.NoError(t, err)

	res, err := f.login("carol", "correct horse")
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret, f.clock.Now())
	require.NoError(t, err)
	bad := wrongCode(code)

	max := f.svc.Config().MaxTwoFactorAttempts
	for i := 1; i < max; i++ {
		require.ErrorIs(t, f.svc.VerifySecondFactor(ctx, res.Token, bad), ErrInvalidSecondFactor)
	}

	// A second request read the session while it was still pending.
	stale, err := f.svc.authz.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	require.Equal(t, storage.StatusWaitTwoFactor, stale.Status)

	require.NoError(t, f.svc.VerifySecondFactor(ctx, res.Token, code))
	assert.ErrorIs(t, f.svc.gate.Verify(ctx, stale, bad), ErrAlreadyAuthorized)

	session, err := f.svc.Authorize(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, max-1, session.TwoFactorFailures)
}

func TestIsAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := f.addUser(t, "root", "correct horse", "admin")
	member := f.addUser(t, "alice", "correct horse", "member")

	ok, err := f.svc.IsAdmin(ctx, admin.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.IsAdmin(ctx, member.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.IsAdmin(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")
	res, err := f.login("alice", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, res.Token))
	_, err = f.svc.Authorize(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.NoError(t, f.svc.Logout(ctx, res.Token))
	assert.NoError(t, f.svc.Logout(ctx, ""))
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.Register(ctx, "café", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "under_review", u.Group)
	assert.Equal(t, "café", u.Username)

	_, err = f.svc.Register(ctx, "café", "another password")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = f.svc.Register(ctx, "dan", "short")
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = f.svc.Register(ctx, "has space", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = f.svc.Register(ctx, "dan", strings.Repeat("p", 73))
	assert.ErrorIs(t, err, ErrInvalidParams)

	// Registered accounts wait for review.
	_, err = f.login("café", "correct horse")
	assert.ErrorIs(t, err, ErrIncompleteAccount)

	require.NoError(t, f.svc.SetGroup(ctx, u.ID, "member"))
	_, err = f.login("café", "correct horse")
	assert.NoError(t, err)
}

func TestDeleteUserRemovesSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addUser(t, "alice", "correct horse", "member")
	res, err := f.login("alice", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteUser(ctx, alice.ID))
	_, err = f.svc.Authorize(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, f.svc.DeleteUser(ctx, alice.ID), ErrUserNotFound)
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addUser(t, "alice", "correct horse", "member")

	require.NoError(t, f.svc.AddPermission(ctx, alice.ID, "server.restart"))
	assert.ErrorIs(t, f.svc.AddPermission(ctx, alice.ID, "bad perm"), ErrInvalidParams)
	assert.ErrorIs(t, f.svc.AddPermission(ctx, 9999, "server.restart"), ErrUserNotFound)

	u, err := f.svc.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"server.restart"}, u.Permissions)

	require.NoError(t, f.svc.RemovePermission(ctx, alice.ID, "server.restart"))
	u, err = f.svc.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, u.Permissions)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "correct horse", "member")
	_, err := f.login("alice", "correct horse")
	require.NoError(t, err)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(f.clock.Now().Add(25 * time.Hour))
	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
