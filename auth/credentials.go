package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/azisaba/commander/internal/util"
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// CredentialVerifier hashes and checks passwords.
type CredentialVerifier interface {
	Verify(password, hash string) bool
	Hash(password string) (string, error)
}

// BcryptVerifier implements CredentialVerifier with bcrypt.
type BcryptVerifier struct {
	cost      int
	dummyHash []byte
}

// NewBcryptVerifier returns a verifier hashing at cost. It precomputes a
// dummy hash at the same cost so DummyVerify takes as long as a real check.
func NewBcryptVerifier(cost int) (*BcryptVerifier, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("commander-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}
	return &BcryptVerifier{cost: cost, dummyHash: dummy}, nil
}

func (v *BcryptVerifier) Verify(password, hash string) bool {
	pw, wipe := util.WipeString(password)
	defer wipe()
	return bcrypt.CompareHashAndPassword([]byte(hash), pw) == nil
}

// DummyVerify spends a bcrypt comparison for a user that does not exist.
func (v *BcryptVerifier) DummyVerify(password string) {
	pw, wipe := util.WipeString(password)
	defer wipe()
	_ = bcrypt.CompareHashAndPassword(v.dummyHash, pw)
}

func (v *BcryptVerifier) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", fmt.Errorf("password longer than %d bytes: %w", maxPasswordBytes, ErrInvalidParams)
	}
	pw, wipe := util.WipeString(password)
	defer wipe()
	h, err := bcrypt.GenerateFromPassword(pw, v.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}
