package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/azisaba/commander/storage"
)

const (
	totpDigits = otp.DigitsSix
	totpPeriod = 30
	totpSkew   = 1
)

// SecondFactor checks whether a user has a second factor and verifies proofs.
type SecondFactor interface {
	IsRegistered(ctx context.Context, user *storage.User) (bool, error)
	Verify(ctx context.Context, user *storage.User, proof string) (bool, error)
}

// TOTPFactor verifies RFC 6238 codes against the user's stored secret.
type TOTPFactor struct {
	now func() time.Time
}

// NewTOTPFactor returns a TOTPFactor reading the time from now
// (time.Now when nil).
func NewTOTPFactor(now func() time.Time) *TOTPFactor {
	if now == nil {
		now = time.Now
	}
	return &TOTPFactor{now: now}
}

func (f *TOTPFactor) IsRegistered(_ context.Context, user *storage.User) (bool, error) {
	return user.HasTwoFactor(), nil
}

func (f *TOTPFactor) Verify(_ context.Context, user *storage.User, proof string) (bool, error) {
	if !user.HasTwoFactor() {
		return false, nil
	}
	code := strings.ReplaceAll(strings.TrimSpace(proof), " ", "")
	if len(code) != totpDigits.Length() {
		return false, nil
	}
	ok, err := totp.ValidateCustom(code, user.TwoFactorSecret, f.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed codes are reported as a wrong proof, not a server error.
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("validating totp code: %w", err)
	}
	return ok, nil
}

// TOTPKey is a freshly generated TOTP secret with its provisioning URL.
type TOTPKey struct {
	Secret string
	URL    string
}

// GenerateTOTPKey creates a new secret for accountName.
func GenerateTOTPKey(issuer, accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp key: %w", err)
	}
	return &TOTPKey{Secret: key.Secret(), URL: key.URL()}, nil
}

// Gate is the two-factor state machine. A session starts in WAIT_2FA iff
// its user has a second factor, and only ever moves to AUTHORIZED.
type Gate struct {
	factor      SecondFactor
	users       storage.UserStore
	sessions    storage.SessionStore
	maxAttempts int
}

// NewGate returns a Gate destroying a pending session after maxAttempts
// wrong proofs.
func NewGate(factor SecondFactor, users storage.UserStore, sessions storage.SessionStore, maxAttempts int) *Gate {
	return &Gate{factor: factor, users: users, sessions: sessions, maxAttempts: maxAttempts}
}

// InitialStatus decides the status of a new session for user.
func (g *Gate) InitialStatus(ctx context.Context, user *storage.User) (storage.SessionStatus, error) {
	registered, err := g.factor.IsRegistered(ctx, user)
	if err != nil {
		return "", fmt.Errorf("checking second factor: %w", err)
	}
	if registered {
		return storage.StatusWaitTwoFactor, nil
	}
	return storage.StatusAuthorized, nil
}

// Verify checks proof for a live session. A wrong proof leaves the status
// unchanged and counts towards the attempt cap.
func (g *Gate) Verify(ctx context.Context, session *storage.Session, proof string) error {
	if session.Status != storage.StatusWaitTwoFactor {
		return ErrAlreadyAuthorized
	}
	user, err := g.users.GetUser(ctx, session.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("loading session user: %w", err)
	}

	ok, err := g.factor.Verify(ctx, user, proof)
	if err != nil {
		return err
	}
	if ok {
		if err := g.sessions.MarkSessionAuthorized(ctx, session.Token); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUnauthorized
			}
			return fmt.Errorf("authorizing session: %w", err)
		}
		return nil
	}

	// Counting and the lockout delete only apply while the stored session is
	// still pending; session is a snapshot and may be stale.
	failures, err := g.sessions.RecordTwoFactorFailure(ctx, session.Token, g.maxAttempts)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrUnauthorized
	case errors.Is(err, storage.ErrNotPending):
		return ErrAlreadyAuthorized
	case err != nil:
		return fmt.Errorf("recording second factor failure: %w", err)
	}
	if failures >= g.maxAttempts {
		return ErrTooManyAttempts
	}
	return ErrInvalidSecondFactor
}
