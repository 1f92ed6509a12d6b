package util

import (
	"strings"
	"testing"
)

func TestBytes(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03}
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped: %#x", i, v)
		}
	}

	t.Run("WipeString", func(t *testing.T) {
		s := "hunter2"
		cp, wipe := WipeString(s)
		if string(cp) != s {
			t.Fatalf("expected copy %q, got %q", s, cp)
		}
		wipe()
		for _, v := range cp {
			if v != 0 {
				t.Fatal("copy was not wiped")
			}
		}
		if s != "hunter2" {
			t.Error("original string must be untouched")
		}
	})
}

func TestRandom(t *testing.T) {
	t.Run("RandomString", func(t *testing.T) {
		s1, err := RandomString(32, TokenAlphabet)
		if err != nil {
			t.Fatalf("RandomString failed: %v", err)
		}
		s2, err := RandomString(32, TokenAlphabet)
		if err != nil {
			t.Fatalf("RandomString failed: %v", err)
		}
		if len(s1) != 32 {
			t.Errorf("expected length 32, got %d", len(s1))
		}
		if s1 == s2 {
			t.Error("RandomString should produce different outputs")
		}
		for _, r := range s1 {
			if !strings.ContainsRune(TokenAlphabet, r) {
				t.Errorf("unexpected character %q", r)
			}
		}
	})

	t.Run("RandomStringEmpty", func(t *testing.T) {
		s, err := RandomString(0, TokenAlphabet)
		if err != nil {
			t.Fatalf("RandomString failed: %v", err)
		}
		if s != "" {
			t.Errorf("expected empty string, got %q", s)
		}
	})

	t.Run("RandomStringRejectsBadInput", func(t *testing.T) {
		if _, err := RandomString(-1, TokenAlphabet); err == nil {
			t.Error("expected error for negative length")
		}
		if _, err := RandomString(4, ""); err == nil {
			t.Error("expected error for empty alphabet")
		}
	})

	t.Run("RandomIntn", func(t *testing.T) {
		max := 100
		for i := 0; i < 100; i++ {
			n, err := RandomIntn(max)
			if err != nil {
				t.Fatalf("RandomIntn failed: %v", err)
			}
			if n < 0 || n >= max {
				t.Errorf("RandomIntn(%d) returned %d out of range", max, n)
			}
		}
	})
}
