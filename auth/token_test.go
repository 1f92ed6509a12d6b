package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azisaba/commander/internal/util"
)

func TestRandomTokenGenerator(t *testing.T) {
	tok, err := RandomTokenGenerator{}.Generate(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, tok, 50)
	for _, r := range tok {
		assert.True(t, strings.ContainsRune(util.TokenAlphabet, r), "unexpected character %q", r)
	}

	other, err := RandomTokenGenerator{}.Generate(context.Background(), 50)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestIssueToken(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		tok, err := issueToken(ctx, RandomTokenGenerator{}, 50, time.Second)
		require.NoError(t, err)
		assert.Len(t, tok, 50)
	})

	t.Run("TimeoutWins", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		slow := TokenGeneratorFunc(func(context.Context, int) (string, error) {
			<-release
			return strings.Repeat("x", 50), nil
		})

		start := time.Now()
		_, err := issueToken(ctx, slow, 50, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("GeneratorError", func(t *testing.T) {
		boom := errors.New("entropy exhausted")
		failing := TokenGeneratorFunc(func(context.Context, int) (string, error) {
			return "", boom
		})
		_, err := issueToken(ctx, failing, 50, time.Second)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("WrongLength", func(t *testing.T) {
		short := TokenGeneratorFunc(func(context.Context, int) (string, error) {
			return "abc", nil
		})
		_, err := issueToken(ctx, short, 50, time.Second)
		assert.Error(t, err)
	})

	t.Run("ParentCanceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		blocked := TokenGeneratorFunc(func(ctx context.Context, _ int) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		_, err := issueToken(cctx, blocked, 50, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
