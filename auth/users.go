package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/azisaba/commander/storage"
)

const (
	maxUsernameLength   = 32
	maxGroupLength      = 64
	maxPermissionLength = 128
)

// ValidateUsername checks a normalized username: 1-32 characters of
// letters, digits, '_', '-' or '.'.
func ValidateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n == 0 || n > maxUsernameLength {
		return fmt.Errorf("username must be 1-%d characters: %w", maxUsernameLength, ErrInvalidParams)
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' {
			return fmt.Errorf("username contains %q: %w", r, ErrInvalidParams)
		}
	}
	return nil
}

func validateTag(kind, value string, max int) error {
	if value == "" || len(value) > max || strings.TrimSpace(value) != value {
		return fmt.Errorf("invalid %s %q: %w", kind, value, ErrInvalidParams)
	}
	for _, r := range value {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("invalid %s %q: %w", kind, value, ErrInvalidParams)
		}
	}
	return nil
}

// CreateUserRequest describes a new account.
type CreateUserRequest struct {
	Username string
	Password string
	// Group defaults to Config.UnderReviewGroup.
	Group string
}

// CreateUser validates and stores a new account.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*storage.User, error) {
	username := NormalizeUsername(req.Username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(req.Password) < s.cfg.MinPasswordLength {
		return nil, fmt.Errorf("password shorter than %d characters: %w", s.cfg.MinPasswordLength, ErrInvalidParams)
	}
	group := req.Group
	if group == "" {
		group = s.cfg.UnderReviewGroup
	}
	if err := validateTag("group", group, maxGroupLength); err != nil {
		return nil, err
	}

	hash, err := s.creds.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	user := &storage.User{
		Username:     username,
		PasswordHash: hash,
		Group:        group,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// Register creates a self-service account. It starts in the under-review
// group and cannot log in until an admin moves it.
func (s *Service) Register(ctx context.Context, username, password string) (*storage.User, error) {
	return s.CreateUser(ctx, CreateUserRequest{Username: username, Password: password})
}

func mapUserErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

func (s *Service) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	u, err := s.users.GetUser(ctx, id)
	return u, mapUserErr(err)
}

func (s *Service) FindUser(ctx context.Context, username string) (*storage.User, error) {
	u, err := s.users.FindUserByUsername(ctx, NormalizeUsername(username))
	return u, mapUserErr(err)
}

func (s *Service) ListUsers(ctx context.Context) ([]storage.User, error) {
	return s.users.ListUsers(ctx)
}

// DeleteUser removes the user and every session it owns.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if _, err := s.users.GetUser(ctx, id); err != nil {
		return mapUserErr(err)
	}
	if err := s.sessions.DeleteUserSessions(ctx, id); err != nil {
		return fmt.Errorf("deleting sessions of user %d: %w", id, err)
	}
	return mapUserErr(s.users.DeleteUser(ctx, id))
}

func (s *Service) SetGroup(ctx context.Context, id int64, group string) error {
	if err := validateTag("group", group, maxGroupLength); err != nil {
		return err
	}
	return mapUserErr(s.users.UpdateUserGroup(ctx, id, group))
}

func (s *Service) AddPermission(ctx context.Context, id int64, permission string) error {
	if err := validateTag("permission", permission, maxPermissionLength); err != nil {
		return err
	}
	return mapUserErr(s.users.AddPermission(ctx, id, permission))
}

func (s *Service) RemovePermission(ctx context.Context, id int64, permission string) error {
	if _, err := s.users.GetUser(ctx, id); err != nil {
		return mapUserErr(err)
	}
	return mapUserErr(s.users.RemovePermission(ctx, id, permission))
}

// EnrollTOTP generates and stores a new TOTP secret for the user. Sessions
// created afterwards start in WAIT_2FA.
func (s *Service) EnrollTOTP(ctx context.Context, id int64, issuer string) (*TOTPKey, error) {
	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, mapUserErr(err)
	}
	key, err := GenerateTOTPKey(issuer, user.Username)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetTwoFactorSecret(ctx, id, key.Secret); err != nil {
		return nil, mapUserErr(err)
	}
	return key, nil
}

// DisableTOTP removes the user's second factor.
func (s *Service) DisableTOTP(ctx context.Context, id int64) error {
	return mapUserErr(s.users.SetTwoFactorSecret(ctx, id, ""))
}
