// Package auth implements session issuance and verification: the login flow
// with its token-generation timeout, the two-factor gate, the session
// authorizer and the admin predicate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/azisaba/commander/storage"
)

const tracerName = "github.com/azisaba/commander/auth"

// Service wires the authentication components together.
type Service struct {
	cfg      Config
	users    storage.UserStore
	sessions storage.SessionStore
	tokens   TokenGenerator
	creds    CredentialVerifier
	factor   SecondFactor
	gate     *Gate
	authz    *Authorizer
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for expiry and TOTP checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTokenGenerator(g TokenGenerator) Option {
	return func(s *Service) { s.tokens = g }
}

func WithCredentialVerifier(v CredentialVerifier) Option {
	return func(s *Service) { s.creds = v }
}

func WithSecondFactor(f SecondFactor) Option {
	return func(s *Service) { s.factor = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

// New validates cfg and returns a Service over the given stores.
func New(cfg Config, users storage.UserStore, sessions storage.SessionStore, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	s := &Service{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		tokens:   RandomTokenGenerator{},
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.creds == nil {
		v, err := NewBcryptVerifier(cfg.BcryptCost)
		if err != nil {
			return nil, err
		}
		s.creds = v
	}
	if s.factor == nil {
		s.factor = NewTOTPFactor(s.now)
	}
	s.gate = NewGate(s.factor, users, sessions, cfg.MaxTwoFactorAttempts)
	s.authz = NewAuthorizer(sessions, s.now, s.logger)
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// NormalizeUsername applies Unicode NFC so visually identical names map to
// the same account.
func NormalizeUsername(username string) string {
	return norm.NFC.String(username)
}

// LoginRequest is one login attempt.
type LoginRequest struct {
	Username      string
	Password      string
	SourceAddress string
	// AttemptID correlates logs and traces of this attempt.
	AttemptID string
}

// LoginResult describes the session created by a successful login.
type LoginResult struct {
	Token         string
	WaitTwoFactor bool
	Session       *storage.Session
	User          *storage.User
}

// Login verifies credentials and creates a session. Unknown users, wrong
// passwords and short or missing fields all return ErrInvalidCredentials.
// If token generation exceeds Config.TokenTimeout it returns ErrTimeout and
// no session is stored.
func (s *Service) Login(ctx context.Context, req LoginRequest) (res *LoginResult, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login", trace.WithAttributes(
		attribute.String("login.attempt_id", req.AttemptID),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	username := NormalizeUsername(req.Username)
	if username == "" || req.Password == "" || utf8.RuneCountInString(req.Password) < s.cfg.MinPasswordLength {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		if d, ok := s.creds.(interface{ DummyVerify(string) }); ok {
			d.DummyVerify(req.Password)
		}
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if !s.creds.Verify(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	// Review status is only revealed to callers holding the password.
	if user.Group == s.cfg.UnderReviewGroup {
		return nil, ErrIncompleteAccount
	}
	span.SetAttributes(attribute.Int64("user.id", user.ID))

	token, err := issueToken(ctx, s.tokens, s.cfg.TokenLength, s.cfg.TokenTimeout)
	if err != nil {
		return nil, err
	}

	status, err := s.gate.InitialStatus(ctx, user)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &storage.Session{
		Token:         token,
		UserID:        user.ID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.SessionLength),
		SourceAddress: req.SourceAddress,
		Status:        status,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	s.logger.DebugContext(ctx, "session created",
		"attempt_id", req.AttemptID, "user_id", user.ID, "status", string(status))
	return &LoginResult{
		Token:         token,
		WaitTwoFactor: status == storage.StatusWaitTwoFactor,
		Session:       session,
		User:          user,
	}, nil
}

// Logout deletes the session. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Authenticate returns the live session for token in any status. Only the
// second-factor endpoint should accept its result directly.
func (s *Service) Authenticate(ctx context.Context, token string) (*storage.Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Authenticate")
	defer span.End()
	return s.authz.Authenticate(ctx, token)
}

// Authorize returns the live, fully authorized session for token.
func (s *Service) Authorize(ctx context.Context, token string) (*storage.Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Authorize")
	defer span.End()
	return s.authz.Authorize(ctx, token)
}

// VerifySecondFactor submits a second-factor proof for the session
// identified by token.
func (s *Service) VerifySecondFactor(ctx context.Context, token, proof string) error {
	ctx, span := s.tracer.Start(ctx, "auth.VerifySecondFactor")
	defer span.End()

	session, err := s.authz.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	return s.gate.Verify(ctx, session, proof)
}

// IsAdmin reports whether userID belongs to the admin group. A missing user
// is not an admin.
func (s *Service) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading user: %w", err)
	}
	return user.Group == s.cfg.AdminGroup, nil
}
