package retry

import "time"

type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		MaxRetries:   3,
	}
}

// NextDelay returns min(InitialDelay * 2^retryCount, MaxDelay).
func (p Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.InitialDelay
	for i := 0; i < retryCount; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// IsRetryable reports whether a failed attempt gets another try.
func (p Policy) IsRetryable(o Outcome, retryCount int) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	return o == RateLimitedOutcome || o == TransientOutcome
}
