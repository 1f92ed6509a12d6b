package auth

import "errors"

var (
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrInvalidCredentials covers unknown users, wrong passwords and
	// missing or short fields alike.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrIncompleteAccount is returned for accounts still under review.
	ErrIncompleteAccount = errors.New("account is under review")
	// ErrTimeout is returned when token generation loses the race against
	// Config.TokenTimeout. No session exists for the attempt.
	ErrTimeout = errors.New("session token generation timed out")
	// ErrUnauthorized means no live, sufficiently authorized session.
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	ErrInvalidSecondFactor = errors.New("invalid second factor")
	ErrAlreadyAuthorized   = errors.New("session already authorized")
	// ErrTooManyAttempts is returned when the session was destroyed after
	// too many wrong second-factor proofs.
	ErrTooManyAttempts = errors.New("too many second factor attempts")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrUserNotFound    = errors.New("user not found")
)
