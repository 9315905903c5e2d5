package retry

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayDoublesAndCaps(t *testing.T) {
	p := DefaultPolicy()

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute, time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, p.NextDelay(i), "retry %d", i)
	}
	assert.Equal(t, time.Minute, p.NextDelay(200))
	assert.Equal(t, time.Second, p.NextDelay(-1))
}

func TestNextDelayMonotonic(t *testing.T) {
	p := Policy{InitialDelay: 3 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxRetries: 10}
	prev := time.Duration(0)
	for i := 0; i < 64; i++ {
		d := p.NextDelay(i)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestIsRetryable(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: time.Minute, MaxRetries: 3}

	assert.True(t, p.IsRetryable(RateLimitedOutcome, 0))
	assert.True(t, p.IsRetryable(TransientOutcome, 2))
	assert.False(t, p.IsRetryable(TransientOutcome, 3))
	assert.False(t, p.IsRetryable(PermanentOutcome, 0))
	assert.False(t, p.IsRetryable(SuccessOutcome, 0))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, SuccessOutcome},
		{"rate limited", RateLimited(errors.New("429")), RateLimitedOutcome},
		{"wrapped rate limited", fmt.Errorf("fetch: %w", RateLimited(nil)), RateLimitedOutcome},
		{"transient", Transient(errors.New("503")), TransientOutcome},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), TransientOutcome},
		{"net error", timeoutErr{}, TransientOutcome},
		{"permanent override", Permanent(timeoutErr{}), PermanentOutcome},
		{"plain", errors.New("bad request"), PermanentOutcome},
		{"canceled", context.Canceled, PermanentOutcome},
		{"connection refused", &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}, TransientOutcome},
		{"client timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, TransientOutcome},
		{"unsupported scheme", &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}, PermanentOutcome},
		{"bad certificate", &url.Error{Op: "Get", URL: "https://x", Err: x509.UnknownAuthorityError{}}, PermanentOutcome},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestMarkedUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := Transient(inner)
	require.ErrorIs(t, err, inner)
	require.Equal(t, "boom", err.Error())
	require.Equal(t, "rate_limited", RateLimited(nil).Error())
}
