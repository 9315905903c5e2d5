package retry

import (
	"context"
	"errors"
	"io"
	"net"
)

type Outcome int

const (
	SuccessOutcome Outcome = iota
	RateLimitedOutcome
	TransientOutcome
	PermanentOutcome
)

func (o Outcome) String() string {
	switch o {
	case SuccessOutcome:
		return "success"
	case RateLimitedOutcome:
		return "rate_limited"
	case TransientOutcome:
		return "transient"
	default:
		return "permanent"
	}
}

type marked struct {
	outcome Outcome
	err     error
}

func (m *marked) Error() string {
	if m.err == nil {
		return m.outcome.String()
	}
	return m.err.Error()
}

func (m *marked) Unwrap() error { return m.err }

// RateLimited marks err as a provider throttle signal.
func RateLimited(err error) error { return &marked{outcome: RateLimitedOutcome, err: err} }

// Transient marks err as a failure worth retrying.
func Transient(err error) error { return &marked{outcome: TransientOutcome, err: err} }

// Permanent marks err as never retryable, overriding any inner signal.
func Permanent(err error) error { return &marked{outcome: PermanentOutcome, err: err} }

// Classify maps the result of an attempt onto an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return SuccessOutcome
	}

	var m *marked
	if errors.As(err, &m) {
		return m.outcome
	}

	if errors.Is(err, context.Canceled) {
		return PermanentOutcome
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return TransientOutcome
	}

	// *url.Error is a net.Error too, so only timeouts and socket-level
	// failures count; bad schemes and certificate errors stay permanent.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return TransientOutcome
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return TransientOutcome
	}

	return PermanentOutcome
}
