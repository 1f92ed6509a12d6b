package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azisaba/commander/internal/util"
)

// TokenGenerator produces opaque session tokens.
type TokenGenerator interface {
	Generate(ctx context.Context, length int) (string, error)
}

// TokenGeneratorFunc adapts a function to TokenGenerator.
type TokenGeneratorFunc func(ctx context.Context, length int) (string, error)

func (f TokenGeneratorFunc) Generate(ctx context.Context, length int) (string, error) {
	return f(ctx, length)
}

// RandomTokenGenerator draws printable characters from crypto/rand.
type RandomTokenGenerator struct{}

func (RandomTokenGenerator) Generate(_ context.Context, length int) (string, error) {
	return util.RandomString(length, util.TokenAlphabet)
}

type tokenResult struct {
	token string
	err   error
}

// issueToken races gen against timeout. The generator runs in its own
// goroutine and reports into a buffered channel, so a result that arrives
// after the deadline is dropped without blocking the goroutine.
func issueToken(ctx context.Context, gen TokenGenerator, length int, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan tokenResult, 1)
	go func() {
		token, err := gen.Generate(ctx, length)
		ch <- tokenResult{token: token, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrTimeout
			}
			return "", fmt.Errorf("generating session token: %w", r.err)
		}
		if len(r.token) != length {
			return "", fmt.Errorf("generating session token: got %d characters, want %d", len(r.token), length)
		}
		return r.token, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}
