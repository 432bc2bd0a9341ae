package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"audiotasks/internal/task"
)

// SubmitOption customizes a single submission.
type SubmitOption func(*item)

// Named sets the task name used in logs, events and history.
func Named(name string) SubmitOption {
	return func(it *item) {
		if name != "" {
			it.name = name
		}
	}
}

// Submit enqueues work at priority p and returns its Future without
// blocking. When the queue for p is full the Future is already resolved with
// *task.RejectedError.
//
// The context passed to work is cancelled when the manager stops (and, if
// configured, when the per-attempt timeout expires).
func Submit[T any](m *Manager, p task.Priority, work func(ctx context.Context) (T, error), opts ...SubmitOption) *Future[T] {
	f := newFuture[T]()
	if work == nil {
		var zero T
		f.resolve(zero, errors.New("engine: work is nil"))
		return f
	}
	it := &item{
		id:   uuid.NewString(),
		name: p.String(),
		prio: p,
		run: func(ctx context.Context) (any, error) {
			return work(ctx)
		},
		resolve: func(v any, err error) {
			tv, _ := v.(T)
			f.resolve(tv, err)
		},
	}
	for _, o := range opts {
		o(it)
	}
	m.submit(it)
	return f
}

// Go submits work that only reports success or failure.
func (m *Manager) Go(p task.Priority, work func(ctx context.Context) error, opts ...SubmitOption) *Future[struct{}] {
	if work == nil {
		return Submit[struct{}](m, p, nil, opts...)
	}
	return Submit(m, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, opts...)
}

// SubmitAll submits works in batches of maxConcurrent, waiting for each batch
// before submitting the next. The Future resolves to the results in input
// order, or to the first error of the first failing batch; later batches are
// then never submitted. maxConcurrent <= 0 uses the pool size.
//
// ctx only bounds the waiting; it does not cancel submitted work.
func SubmitAll[T any](ctx context.Context, m *Manager, p task.Priority, maxConcurrent int, works []func(ctx context.Context) (T, error), opts ...SubmitOption) *Future[[]T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = m.MaxConcurrent()
	}
	f := newFuture[[]T]()
	if len(works) == 0 {
		f.resolve([]T{}, nil)
		return f
	}

	go func() {
		results := make([]T, len(works))
		for start := 0; start < len(works); start += maxConcurrent {
			end := min(start+maxConcurrent, len(works))

			futures := make([]*Future[T], 0, end-start)
			for i := start; i < end; i++ {
				futures = append(futures, Submit(m, p, works[i], opts...))
			}

			g, gctx := errgroup.WithContext(ctx)
			for j, fut := range futures {
				idx := start + j
				fut := fut
				g.Go(func() error {
					v, err := fut.Wait(gctx)
					if err != nil {
						return err
					}
					results[idx] = v
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				f.resolve(nil, err)
				return
			}
		}
		f.resolve(results, nil)
	}()
	return f
}
