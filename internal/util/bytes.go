package util

import "github.com/awnumar/memguard"

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	memguard.WipeBytes(b)
}

// WipeString returns a mutable copy of s and a func that wipes the copy.
// Go strings are immutable, so only the copy can be cleared.
func WipeString(s string) ([]byte, func()) {
	b := []byte(s)
	return b, func() { WipeBytes(b) }
}
