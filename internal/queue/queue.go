package queue

// Queue is a FIFO with reinsertion at the front. Not safe for concurrent use.
type Queue[T any] struct {
	items []T
}

func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Len() int { return len(q.items) }

func (q *Queue[T]) PushBack(v T) {
	q.items = append(q.items, v)
}

// PushFront puts v ahead of everything already queued.
func (q *Queue[T]) PushFront(v T) {
	var zero T
	q.items = append(q.items, zero)
	copy(q.items[1:], q.items)
	q.items[0] = v
}

// Front returns the head without removing it.
func (q *Queue[T]) Front() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// Drain empties the queue and returns its items in order.
func (q *Queue[T]) Drain() []T {
	out := q.items
	q.items = nil
	return out
}
