package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBackoff(policy backoffPolicy) (*backoffLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newBackoffLimiter(policy)
	rl.now = clock.now
	return rl, clock
}

func TestBackoffLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestBackoff(accountLoginPolicy)

	for i := 0; i < accountLoginPolicy.maxFailures-1; i++ {
		rl.recordFailure("alice")
		blocked, _ := rl.check("alice")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestBackoffLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, _ := newTestBackoff(accountLoginPolicy)

	for i := 0; i < accountLoginPolicy.maxFailures; i++ {
		rl.recordFailure("alice")
	}

	blocked, retryAfter := rl.check("alice")
	require.True(t, blocked, "should block after maxFailures")
	assert.Equal(t, accountLoginPolicy.baseLockout, retryAfter)
}

func TestBackoffLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestBackoff(accountLoginPolicy)

	for i := 0; i < accountLoginPolicy.maxFailures; i++ {
		rl.recordFailure("alice")
	}
	_, first := rl.check("alice")

	rl.recordFailure("alice")
	_, second := rl.check("alice")
	assert.Equal(t, 2*first, second, "lockout should double with each failure")
}

func TestBackoffLimiter_LockoutEnds(t *testing.T) {
	rl, clock := newTestBackoff(accountLoginPolicy)
	for i := 0; i < accountLoginPolicy.maxFailures; i++ {
		rl.recordFailure("alice")
	}
	clock.advance(accountLoginPolicy.baseLockout)
	blocked, _ := rl.check("alice")
	assert.False(t, blocked)
}

func TestBackoffLimiter_SuccessResetsCounter(t *testing.T) {
	rl, _ := newTestBackoff(ipLoginPolicy)

	for i := 0; i < ipLoginPolicy.maxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	blocked, _ := rl.check("192.0.2.1")
	require.True(t, blocked)

	rl.recordSuccess("192.0.2.1")
	blocked, _ = rl.check("192.0.2.1")
	assert.False(t, blocked, "should not block after successful login")
}

func TestBackoffLimiter_IsolatesKeys(t *testing.T) {
	rl, _ := newTestBackoff(accountLoginPolicy)

	for i := 0; i < accountLoginPolicy.maxFailures; i++ {
		rl.recordFailure("alice")
	}
	blocked, _ := rl.check("alice")
	require.True(t, blocked)

	blocked, _ = rl.check("bob")
	assert.False(t, blocked, "rate limit for one key should not affect another")
}

func TestBackoffLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestBackoff(accountLoginPolicy)
	rl.recordFailure("old")
	clock.advance(2 * accountLoginPolicy.expiry)
	rl.recordFailure("fresh")

	rl.sweep()

	rl.mu.Lock()
	_, oldExists := rl.attempts["old"]
	_, freshExists := rl.attempts["fresh"]
	rl.mu.Unlock()
	assert.False(t, oldExists, "sweep should remove expired records")
	assert.True(t, freshExists)
}

func TestBackoffLimiter_MaxLockoutCap(t *testing.T) {
	rl, _ := newTestBackoff(ipLoginPolicy)

	for i := 0; i < ipLoginPolicy.maxFailures+20; i++ {
		rl.recordFailure("192.0.2.1")
	}

	_, retryAfter := rl.check("192.0.2.1")
	assert.Equal(t, ipLoginPolicy.maxLockout, retryAfter)
}

func TestWindowLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newWindowLimiter(time.Minute, 3, 5*time.Minute)
	rl.now = clock.now

	rl.record()
	rl.record()
	blocked, _ := rl.check()
	assert.False(t, blocked)

	// Events outside the window do not count.
	clock.advance(2 * time.Minute)
	rl.record()
	blocked, _ = rl.check()
	assert.False(t, blocked, "expired events outside window should not count")

	rl.record()
	rl.record()
	blocked, retryAfter := rl.check()
	require.True(t, blocked)
	assert.Equal(t, 5*time.Minute, retryAfter)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "xff ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(r))
		})
	}
}

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "xff first valid wins",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 198.51.100.25, 203.0.113.9"},
			want:       "198.51.100.25",
		},
		{
			name:       "forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for=198.51.100.1;proto=https;by=203.0.113.43`},
			want:       "198.51.100.1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer ignores headers",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25", "X-Real-IP": "198.51.100.26"},
			want:       "192.168.1.1",
		},
		{
			name:       "trusted proxy with no headers falls back to remote",
			remoteAddr: "10.0.0.1:80",
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, trusted))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.7 ", "::1", ""})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, 32, prefixes[1].Bits())
	assert.Equal(t, 128, prefixes[2].Bits())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
