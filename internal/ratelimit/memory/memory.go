package memory

import (
	"time"

	"github.com/AlexKimmel/QuotaGate/internal/ratelimit"
)

// Tracker is the in-process budget. Counters reset on restart.
type Tracker struct {
	now    func() time.Time
	policy ratelimit.Policy

	window       []time.Time // oldest first
	callsToday   int
	day          int64
	limitedUntil time.Time
}

func New(p ratelimit.Policy) *Tracker {
	return NewWithClock(p, time.Now)
}

func NewWithClock(p ratelimit.Policy, now func() time.Time) *Tracker {
	p = p.WithDefaults()
	return &Tracker{
		now:    now,
		policy: p,
		day:    ratelimit.DayNumber(now(), p.Location),
	}
}

func (t *Tracker) Policy() ratelimit.Policy { return t.policy }

func (t *Tracker) CanProceed() ratelimit.Decision {
	now := t.now()
	t.refresh(now)

	if t.callsToday >= t.policy.PerDay {
		return ratelimit.Decision{Reason: ratelimit.ReasonDailyLimit}
	}
	if now.Before(t.limitedUntil) {
		return ratelimit.Decision{Reason: ratelimit.ReasonRateLimited, RetryAt: t.limitedUntil}
	}
	if len(t.window) >= t.policy.PerMinute {
		return ratelimit.Decision{Reason: ratelimit.ReasonMinuteLimit, RetryAt: t.window[0].Add(t.policy.Window)}
	}
	return ratelimit.Decision{Allowed: true}
}

func (t *Tracker) RecordSuccess() {
	now := t.now()
	t.refresh(now)
	t.window = append(t.window, now)
	t.callsToday++
}

// RecordExternalRateLimit starts a fixed cooldown, independent of the window.
func (t *Tracker) RecordExternalRateLimit() {
	t.limitedUntil = t.now().Add(t.policy.Cooldown)
}

func (t *Tracker) Usage() ratelimit.Usage {
	now := t.now()
	t.refresh(now)
	u := ratelimit.Usage{
		CallsThisWindow: len(t.window),
		CallsToday:      t.callsToday,
		RateLimited:     now.Before(t.limitedUntil),
	}
	if u.RateLimited {
		u.RateLimitedUntil = t.limitedUntil
	}
	return u
}

// refresh prunes expired window entries and handles day rollover.
func (t *Tracker) refresh(now time.Time) {
	cutoff := now.Add(-t.policy.Window)
	i := 0
	for i < len(t.window) && !t.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.window = append(t.window[:0], t.window[i:]...)
	}

	if day := ratelimit.DayNumber(now, t.policy.Location); day > t.day {
		t.day = day
		t.callsToday = 0
	}
}
