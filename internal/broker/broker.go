// Package broker serializes outbound calls against one shared quota.
//
// A single worker goroutine owns the request queue and the budget tracker.
// Callers hand requests to it over a channel and wait on a Ticket. The
// operation runs on its own goroutine so the worker stays responsive, but
// the worker never starts a second operation before the first has returned,
// which keeps the check-then-act on the budget atomic without locks.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/QuotaGate/internal/queue"
	"github.com/AlexKimmel/QuotaGate/internal/ratelimit"
	"github.com/AlexKimmel/QuotaGate/internal/ratelimit/memory"
	"github.com/AlexKimmel/QuotaGate/internal/retry"
)

// Operation is an opaque outbound call. ctx is cancelled when the broker closes.
type Operation func(ctx context.Context) (any, error)

type Config struct {
	Budget ratelimit.Policy
	Retry  retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Budget: ratelimit.Policy{}.WithDefaults(),
		Retry:  retry.DefaultPolicy(),
	}
}

type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Status is a snapshot of the queue and the budget.
type Status struct {
	State            State      `json:"state"`
	QueueLength      int        `json:"queue_length"`
	InFlight         bool       `json:"in_flight"`
	Waiting          string     `json:"waiting,omitempty"`
	CallsThisWindow  int        `json:"calls_this_window"`
	CallsToday       int        `json:"calls_today"`
	RateLimited      bool       `json:"rate_limited"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
}

// Observer receives broker events, typically to feed metrics.
type Observer interface {
	Attempt(outcome retry.Outcome, took time.Duration)
	Retry(retryCount int, delay time.Duration)
	Settled(kind Kind, waited time.Duration)
	Budget(s Status)
}

type nopObserver struct{}

func (nopObserver) Attempt(retry.Outcome, time.Duration) {}
func (nopObserver) Retry(int, time.Duration)             {}
func (nopObserver) Settled(Kind, time.Duration)          {}
func (nopObserver) Budget(Status)                        {}

type Option func(*Broker)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) { b.log = l.With().Str("component", "broker").Logger() }
}

func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.obs = o
		}
	}
}

// WithTracker replaces the in-memory budget tracker built from Config.
func WithTracker(t ratelimit.Tracker) Option {
	return func(b *Broker) {
		if t != nil {
			b.tracker = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

type waitKind int

const (
	waitNone waitKind = iota
	waitBudget
	waitBackoff
)

type result struct {
	ticket *Ticket
	value  any
	err    error
	took   time.Duration
}

type Broker struct {
	log     zerolog.Logger
	obs     Observer
	policy  retry.Policy
	tracker ratelimit.Tracker
	now     func() time.Time

	cmds      chan func()
	results   chan result
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	opCtx    context.Context
	opCancel context.CancelFunc

	// owned by the worker goroutine
	queue    *queue.Queue[*Ticket]
	inflight *Ticket
	parked   *Ticket
	timer    *time.Timer
	waiting  waitKind
	reason   ratelimit.Reason
	state    State

	final Status // written by the worker before done is closed
}

// New starts a broker. Close must be called to release its goroutine.
func New(cfg Config, opts ...Option) *Broker {
	b := &Broker{
		log:     zerolog.Nop(),
		obs:     nopObserver{},
		policy:  cfg.Retry,
		now:     time.Now,
		cmds:    make(chan func()),
		results: make(chan result, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		queue:   queue.New[*Ticket](),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tracker == nil {
		b.tracker = memory.NewWithClock(cfg.Budget, b.now)
	}
	b.opCtx, b.opCancel = context.WithCancel(context.Background())

	go b.run()
	return b
}

// Enqueue accepts op and returns its completion handle. After Close the
// ticket is already settled with ErrClosed.
func (b *Broker) Enqueue(op Operation) *Ticket {
	t := newTicket(op, b.now())
	if !b.send(func() { b.accept(t) }) {
		t.settle(nil, failure(KindClosed, ErrClosed))
	}
	return t
}

// Do enqueues fn and waits for its typed result.
func Do[T any](ctx context.Context, b *Broker, fn func(context.Context) (T, error)) (T, error) {
	t := b.Enqueue(func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	})

	var zero T
	v, err := t.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("broker: result is %T", v)
	}
	return out, nil
}

// Status returns a snapshot. After Close it returns the final snapshot.
func (b *Broker) Status() Status {
	reply := make(chan Status, 1)
	if b.send(func() { reply <- b.snapshot() }) {
		return <-reply
	}
	<-b.done
	return b.final
}

// ClearQueue settles every pending request with ErrQueueCleared and
// returns how many were settled. A call already executing is not affected.
func (b *Broker) ClearQueue() int {
	reply := make(chan int, 1)
	if b.send(func() { reply <- b.clear() }) {
		return <-reply
	}
	return 0
}

// Close settles pending requests, cancels the running operation's context
// and waits for the worker to exit or ctx to end.
func (b *Broker) Close(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.quit) })
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) send(fn func()) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.cmds <- fn:
		return true
	case <-b.quit:
		return false
	}
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		b.advance()
		b.obs.Budget(b.snapshot())

		select {
		case fn := <-b.cmds:
			fn()
		case r := <-b.results:
			b.finish(r)
		case <-b.timerC():
			b.wake()
		case <-b.quit:
			b.shutdown()
			return
		}
	}
}

func (b *Broker) accept(t *Ticket) {
	b.queue.PushBack(t)
	b.log.Debug().Str("req_id", t.ID).Int("queue_len", b.queue.Len()).Msg("enqueued")
}

// advance moves the head of the queue forward until the worker has to wait
// on an operation, a timer, or new work.
func (b *Broker) advance() {
	for b.inflight == nil && b.parked == nil && b.waiting == waitNone {
		head, ok := b.queue.Front()
		if !ok {
			break
		}

		dec := b.tracker.CanProceed()
		if !dec.Allowed {
			if dec.Reason == ratelimit.ReasonDailyLimit {
				b.queue.PopFront()
				b.log.Warn().Str("req_id", head.ID).Msg("daily limit reached, rejecting request")
				b.settle(head, nil, failure(KindDailyLimit, ErrDailyLimitExceeded))
				continue
			}
			d := dec.RetryAt.Sub(b.now())
			b.log.Info().Str("reason", string(dec.Reason)).Dur("wait", d).Int("queue_len", b.queue.Len()).Msg("budget exhausted, waiting")
			b.arm(waitBudget, d)
			b.reason = dec.Reason
			break
		}

		b.queue.PopFront()
		b.start(head)
	}
	b.transition()
}

func (b *Broker) transition() {
	next := StateIdle
	if b.queue.Len() > 0 || b.inflight != nil || b.parked != nil {
		next = StateDraining
	}
	if next != b.state {
		b.log.Debug().Str("from", string(b.state)).Str("to", string(next)).Msg("state")
		b.state = next
	}
}

func (b *Broker) start(t *Ticket) {
	b.inflight = t
	b.log.Debug().Str("req_id", t.ID).Int("retry", t.RetryCount()).Msg("attempt")

	go func(ctx context.Context) {
		began := time.Now()
		v, err := call(ctx, t.op)
		b.results <- result{ticket: t, value: v, err: err, took: time.Since(began)}
	}(b.opCtx)
}

func call(ctx context.Context, op Operation) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = retry.Permanent(fmt.Errorf("operation panicked: %v", p))
		}
	}()
	return op(ctx)
}

func (b *Broker) finish(r result) {
	b.inflight = nil
	t := r.ticket
	outcome := retry.Classify(r.err)
	b.obs.Attempt(outcome, r.took)

	switch outcome {
	case retry.SuccessOutcome:
		b.tracker.RecordSuccess()
		b.settle(t, r.value, nil)
		return
	case retry.RateLimitedOutcome:
		b.tracker.RecordExternalRateLimit()
		b.log.Warn().Str("req_id", t.ID).Err(r.err).Msg("provider throttle")
	}

	if b.policy.IsRetryable(outcome, t.RetryCount()) {
		b.park(t)
		return
	}
	b.settle(t, nil, failure(kindFor(outcome), r.err))
}

// park holds t out of the queue for its backoff delay.
func (b *Broker) park(t *Ticket) {
	delay := b.policy.NextDelay(t.RetryCount())
	b.parked = t
	b.obs.Retry(t.RetryCount(), delay)
	b.log.Info().Str("req_id", t.ID).Int("retry", t.RetryCount()+1).Dur("delay", delay).Msg("retrying after backoff")
	b.arm(waitBackoff, delay)
}

func (b *Broker) wake() {
	kind := b.waiting
	b.waiting, b.timer, b.reason = waitNone, nil, ratelimit.ReasonNone

	if kind == waitBackoff && b.parked != nil {
		t := b.parked
		b.parked = nil
		t.retries.Add(1)
		b.queue.PushFront(t)
	}
}

func (b *Broker) arm(kind waitKind, d time.Duration) {
	b.disarm()
	if d <= 0 {
		d = time.Millisecond
	}
	b.waiting = kind
	b.timer = time.NewTimer(d)
}

func (b *Broker) disarm() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.waiting, b.timer, b.reason = waitNone, nil, ratelimit.ReasonNone
}

func (b *Broker) timerC() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

func (b *Broker) clear() int {
	pending := b.queue.Drain()
	if b.parked != nil {
		pending = append([]*Ticket{b.parked}, pending...)
		b.parked = nil
	}
	b.disarm()

	for _, t := range pending {
		b.settle(t, nil, failure(KindQueueCleared, ErrQueueCleared))
	}
	if len(pending) > 0 {
		b.log.Info().Int("cleared", len(pending)).Msg("queue cleared")
	}
	return len(pending)
}

func (b *Broker) shutdown() {
	b.clear()
	b.opCancel()

	// commands that raced with quit
	for drained := false; !drained; {
		select {
		case fn := <-b.cmds:
			fn()
		default:
			drained = true
		}
	}
	b.clear()

	if b.inflight != nil {
		r := <-b.results
		b.inflight = nil
		outcome := retry.Classify(r.err)
		b.obs.Attempt(outcome, r.took)
		if outcome == retry.SuccessOutcome {
			b.tracker.RecordSuccess()
			b.settle(r.ticket, r.value, nil)
		} else {
			b.settle(r.ticket, nil, failure(kindFor(outcome), r.err))
		}
	}

	b.transition()
	b.final = b.snapshot()
	b.obs.Budget(b.final)
	b.log.Debug().Msg("worker stopped")
}

// settle reports the outcome before releasing the waiter, so observers
// are current by the time Wait returns.
func (b *Broker) settle(t *Ticket, v any, err error) {
	waited := b.now().Sub(t.EnqueuedAt)
	kind := KindOf(err)
	b.obs.Settled(kind, waited)

	ev := b.log.Debug()
	if err != nil {
		ev = b.log.Info().Err(err)
	}
	ev.Str("req_id", t.ID).Str("kind", string(kind)).Int("retries", t.RetryCount()).Dur("waited", waited).Msg("settled")

	t.settle(v, err)
}

func (b *Broker) snapshot() Status {
	u := b.tracker.Usage()
	s := Status{
		State:           b.state,
		QueueLength:     b.queue.Len(),
		InFlight:        b.inflight != nil,
		CallsThisWindow: u.CallsThisWindow,
		CallsToday:      u.CallsToday,
		RateLimited:     u.RateLimited,
	}
	if b.parked != nil {
		s.QueueLength++
	}
	switch b.waiting {
	case waitBackoff:
		s.Waiting = "backoff"
	case waitBudget:
		s.Waiting = string(b.reason)
	}
	if u.RateLimited {
		until := u.RateLimitedUntil
		s.RateLimitedUntil = &until
	}
	return s
}
