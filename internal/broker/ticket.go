package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Ticket is the completion handle returned by Enqueue. It settles exactly once.
type Ticket struct {
	ID         string
	EnqueuedAt time.Time

	op      Operation
	retries atomic.Int32

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newTicket(op Operation, now time.Time) *Ticket {
	return &Ticket{
		ID:         uuid.NewString(),
		EnqueuedAt: now,
		op:         op,
		done:       make(chan struct{}),
	}
}

// Done is closed once the ticket has settled.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// RetryCount is the number of retries made so far.
func (t *Ticket) RetryCount() int { return int(t.retries.Load()) }

// Wait blocks until the ticket settles or ctx ends. Giving up on ctx does
// not remove the request from the queue.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) settle(v any, err error) bool {
	settled := false
	t.once.Do(func() {
		t.value, t.err = v, err
		close(t.done)
		settled = true
	})
	return settled
}
