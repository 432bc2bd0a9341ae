package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"audiotasks/internal/task"
)

const testTimeout = 5 * time.Second

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	m := New(cfg, opts...)
	m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

// occupy submits a task at p that holds its worker until release is called.
// It returns once the task is running.
func occupy(t *testing.T, m *Manager, p task.Priority) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	Submit(m, p, func(ctx context.Context) (struct{}, error) {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return struct{}{}, nil
	}, Named("blocker"))
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("blocker did not start")
	}
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

// recorder collects labels in execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) work(label string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		r.mu.Lock()
		r.order = append(r.order, label)
		r.mu.Unlock()
		return label, nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func waitAll[T any](t *testing.T, futures ...*Future[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fixedThrottle float64

func (f fixedThrottle) SlowdownMultiplier() float64 { return float64(f) }
