package storage

import (
	"slices"
	"time"
)

// SessionStatus is the two-factor gating state of a session.
type SessionStatus string

const (
	// StatusAuthorized grants access to protected resources.
	StatusAuthorized SessionStatus = "AUTHORIZED"
	// StatusWaitTwoFactor is authenticated but waiting for the second factor.
	StatusWaitTwoFactor SessionStatus = "WAIT_2FA"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	return s == StatusAuthorized || s == StatusWaitTwoFactor
}

// Session is one authenticated login.
type Session struct {
	Token             string        `json:"token"`
	UserID            int64         `json:"user_id"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	SourceAddress     string        `json:"source_address,omitempty"`
	Status            SessionStatus `json:"status"`
	TwoFactorFailures int           `json:"two_factor_failures,omitempty"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// User is an account that can log in.
type User struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"password_hash"`
	Group           string    `json:"group"`
	TwoFactorSecret string    `json:"two_factor_secret,omitempty"`
	Permissions     []string  `json:"permissions,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasTwoFactor reports whether a second factor is registered.
func (u *User) HasTwoFactor() bool {
	return u.TwoFactorSecret != ""
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Permissions = slices.Clone(u.Permissions)
	return &c
}

// AddPermission returns perms with p appended unless already present.
func AddPermission(perms []string, p string) []string {
	if slices.Contains(perms, p) {
		return perms
	}
	perms = append(perms, p)
	slices.Sort(perms)
	return perms
}

// RemovePermission returns perms without p.
func RemovePermission(perms []string, p string) []string {
	return slices.DeleteFunc(perms, func(s string) bool { return s == p })
}
