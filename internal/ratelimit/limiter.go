package ratelimit

import "time"

// Reason explains why a call is not currently permitted.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDailyLimit  Reason = "daily_limit"
	ReasonRateLimited Reason = "rate_limited" // provider signaled throttle
	ReasonMinuteLimit Reason = "minute_limit"
)

type Policy struct {
	PerMinute int           // calls allowed in the trailing window
	PerDay    int           // calls allowed per civil day
	Window    time.Duration // length of the trailing window, default 60s
	Cooldown  time.Duration // fixed pause after a provider throttle, default 60s
	Location  *time.Location
}

type Decision struct {
	Allowed bool
	Reason  Reason
	RetryAt time.Time // zero when no finite retry exists (daily limit)
}

// Usage is a point-in-time view of the budget.
type Usage struct {
	CallsThisWindow  int
	CallsToday       int
	RateLimitedUntil time.Time
	RateLimited      bool
}

// Tracker keeps the call budget for one shared quota. Implementations are
// not required to be safe for concurrent use; the broker owns its tracker.
type Tracker interface {
	CanProceed() Decision
	RecordSuccess()
	RecordExternalRateLimit()
	Usage() Usage
}

// WithDefaults fills zero fields with the quota defaults of the provider.
func (p Policy) WithDefaults() Policy {
	if p.PerMinute <= 0 {
		p.PerMinute = 5
	}
	if p.PerDay <= 0 {
		p.PerDay = 500
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.Cooldown <= 0 {
		p.Cooldown = time.Minute
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return p
}

// DayNumber returns the civil day of t in loc as days since the Unix epoch.
func DayNumber(t time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}
