package auth

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config is the immutable protocol configuration shared by the login flow,
// the two-factor gate and the authorizer.
type Config struct {
	// SessionLength is how long a session stays valid after creation.
	SessionLength time.Duration
	// TokenLength is the number of characters in a session token.
	TokenLength int
	// TokenTimeout bounds token generation; a login that exceeds it fails
	// with ErrTimeout and creates no session.
	TokenTimeout time.Duration
	// MinPasswordLength is counted in runes.
	MinPasswordLength int
	// UnderReviewGroup bars members from logging in.
	UnderReviewGroup string
	// AdminGroup grants access to user management.
	AdminGroup string
	// MaxTwoFactorAttempts is the number of wrong second-factor proofs after
	// which a pending session is destroyed.
	MaxTwoFactorAttempts int
	BcryptCost           int
}

// DefaultConfig returns the reference protocol constants.
func DefaultConfig() Config {
	return Config{
		SessionLength:        24 * time.Hour,
		TokenLength:          50,
		TokenTimeout:         3 * time.Second,
		MinPasswordLength:    7,
		UnderReviewGroup:     "under_review",
		AdminGroup:           "admin",
		MaxTwoFactorAttempts: 5,
		BcryptCost:           bcrypt.DefaultCost,
	}
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	switch {
	case c.SessionLength <= 0:
		return fmt.Errorf("session length must be positive, got %s", c.SessionLength)
	case c.TokenLength < 16:
		return fmt.Errorf("token length must be at least 16, got %d", c.TokenLength)
	case c.TokenTimeout <= 0:
		return fmt.Errorf("token timeout must be positive, got %s", c.TokenTimeout)
	case c.MinPasswordLength < 1:
		return fmt.Errorf("minimum password length must be at least 1, got %d", c.MinPasswordLength)
	case c.UnderReviewGroup == "":
		return fmt.Errorf("under-review group must not be empty")
	case c.AdminGroup == "":
		return fmt.Errorf("admin group must not be empty")
	case c.AdminGroup == c.UnderReviewGroup:
		return fmt.Errorf("admin group and under-review group must differ")
	case c.MaxTwoFactorAttempts < 1:
		return fmt.Errorf("max two-factor attempts must be at least 1, got %d", c.MaxTwoFactorAttempts)
	case c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost:
		return fmt.Errorf("bcrypt cost must be in [%d, %d], got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost)
	}
	return nil
}
