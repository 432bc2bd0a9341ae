package engine

import (
	"context"
	"sync"
)

// Future is the single-assignment result handle returned by Submit.
//
// The manager resolves it exactly once. Abandoning a Future does not cancel
// the task.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done. A ctx error only
// stops the wait; the task keeps running.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the result without blocking; ok is false while pending.
func (f *Future[T]) Peek() (v T, ok bool, err error) {
	select {
	case <-f.done:
		return f.val, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}
