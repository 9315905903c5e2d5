package broker

import (
	"errors"

	"github.com/AlexKimmel/QuotaGate/internal/retry"
)

// Kind says why a request settled with an error.
type Kind string

const (
	KindNone         Kind = ""
	KindDailyLimit   Kind = "daily_limit"
	KindRateLimited  Kind = "rate_limited"
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindQueueCleared Kind = "queue_cleared"
	KindClosed       Kind = "closed"
)

var (
	ErrDailyLimitExceeded = errors.New("daily call limit exceeded")
	ErrRateLimited        = errors.New("rate limited by provider")
	ErrQueueCleared       = errors.New("queue cleared")
	ErrClosed             = errors.New("broker closed")
)

// Error is the failure delivered to a ticket. Err is the sentinel for
// synthetic kinds, or the operation's own error otherwise.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel of the error's kind even when Err
// holds the operation's error.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindDailyLimit:
		return target == ErrDailyLimitExceeded
	case KindRateLimited:
		return target == ErrRateLimited
	case KindQueueCleared:
		return target == ErrQueueCleared
	case KindClosed:
		return target == ErrClosed
	}
	return false
}

// KindOf returns the kind of a broker error, KindNone for nil and
// KindPermanent for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindPermanent
}

func failure(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func kindFor(o retry.Outcome) Kind {
	switch o {
	case retry.RateLimitedOutcome:
		return KindRateLimited
	case retry.TransientOutcome:
		return KindTransient
	case retry.SuccessOutcome:
		return KindNone
	default:
		return KindPermanent
	}
}
