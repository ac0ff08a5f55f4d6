// Package fixq provides a bounded FIFO queue with wait budgets.
package fixq

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/netcore/internal/core"
)

// Queue is a fixed-capacity FIFO safe for concurrent senders and receivers.
type Queue[T any] struct {
	name string
	ch   chan T
}

// New creates a queue holding at most capacity items.
func New[T any](name string, capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: queue %s capacity %d", core.ErrParam, name, capacity)
	}
	return &Queue[T]{name: name, ch: make(chan T, capacity)}, nil
}

// Send appends item. With core.NoWait a full queue returns core.ErrFull;
// otherwise Send waits up to timeout (forever when negative) and returns
// core.ErrTimeout when the deadline passes.
func (q *Queue[T]) Send(item T, timeout time.Duration) error {
	return q.SendContext(context.Background(), item, timeout)
}

// Recv removes the oldest item, waiting per timeout like Send.
func (q *Queue[T]) Recv(timeout time.Duration) (T, error) {
	return q.RecvContext(context.Background(), timeout)
}

// RecvContext is Recv that also gives up when ctx is done, returning ctx.Err().
func (q *Queue[T]) RecvContext(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	if timeout == core.NoWait {
		return zero, fmt.Errorf("%w: %s empty", core.ErrTimeout, q.name)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case item := <-q.ch:
		return item, nil
	case <-expired:
		return zero, fmt.Errorf("%w: recv on %s", core.ErrTimeout, q.name)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the fixed capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// SendContext is Send that also gives up when ctx is done, returning ctx.Err().
func (q *Queue[T]) SendContext(ctx context.Context, item T, timeout time.Duration) error {
	select {
	case q.ch <- item:
		return nil
	default:
	}
	if timeout == core.NoWait {
		return fmt.Errorf("%w: %s", core.ErrFull, q.name)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case q.ch <- item:
		return nil
	case <-expired:
		return fmt.Errorf("%w: send on %s", core.ErrTimeout, q.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}
