package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// TokenAlphabet is the printable character set session tokens are drawn
// from. Every character is valid in a cookie value and an HTTP header.
const TokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

// RandomString returns n characters drawn uniformly from alphabet using
// crypto/rand.
func RandomString(n int, alphabet string) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("random string: negative length %d", n)
	}
	if alphabet == "" {
		return "", fmt.Errorf("random string: empty alphabet")
	}
	chars := []rune(alphabet)
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(chars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(chars[idx])
	}
	return sb.String(), nil
}

// RandomIntn returns a uniform integer in [0, max).
func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}
