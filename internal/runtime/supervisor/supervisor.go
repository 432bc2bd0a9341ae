package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "audiotasks/pkg/logx"
)

// Supervisor owns the app's background loops (battery polling, periodic
// reports, config watching, outcome persistence, the debug endpoint). Every
// loop shares one context; panics become errors; the first failure is kept.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	first atomic.Pointer[error]

	running sync.WaitGroup
	idle    chan struct{}
	idleOne sync.Once

	mu    sync.Mutex
	loops map[string]*LoopStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes a failing Go loop cancel all the others.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// LoopStats aggregates every loop started under one name.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Runs        uint64    `json:"runs"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{idle: make(chan struct{}), loops: make(map[string]*LoopStats)}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded loop failure.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) record(err error) {
	if err != nil {
		s.first.CompareAndSwap(nil, &err)
	}
}

// Snapshot lists loops, running ones first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.loops {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Loops, func(a, b LoopStats) int {
		if a.Active != b.Active {
			return b.Active - a.Active
		}
		return strings.Compare(a.Name, b.Name)
	})
	return snap
}

func (s *Supervisor) update(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.loops[name]
	if !ok {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	fn(st)
}

// attempt runs fn once and reports how it ended. A cancelled context is a
// clean exit.
func (s *Supervisor) attempt(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	panicked := false
	s.update(name, func(st *LoopStats) {
		st.Active++
		st.Runs++
		if restart {
			st.Restarts++
		}
		st.LastStartAt = time.Now()
	})
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.update(name, func(st *LoopStats) {
			st.Active = max(st.Active-1, 0)
			if panicked {
				st.Panics++
			}
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()

	err = fn(s.ctx)
	if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
	}
	return err
}

func (s *Supervisor) spawn(body func()) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		body()
	}()
}

// Go runs fn once. Its failure is recorded and, with WithCancelOnError,
// stops every other loop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		defer s.log.Debug("goroutine stopped", logx.String("name", name))
		if err := s.attempt(name, false, fn); err != nil {
			s.record(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoff, ceiling time.Duration
	limit            int
	record           bool
}

// WithRestartBackoff sets the first delay and the cap of the doubling delay
// between restarts.
func WithRestartBackoff(first, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if first > 0 {
			p.backoff = first
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts gives up after n restarts; n <= 0 never gives up.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError lets a restarting loop's failure show up in Err.
// It never cancels siblings.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.record = enabled }
}

// GoRestart keeps fn running: after an error or panic it is started again
// with doubling backoff. It ends when fn returns cleanly or the supervisor
// is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{backoff: 250 * time.Millisecond, ceiling: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.backoff)

	s.spawn(func() {
		delay := p.backoff
		for n := 0; s.ctx.Err() == nil; n++ {
			err := s.attempt(name, n > 0, fn)
			if err == nil {
				return
			}
			if p.record {
				s.record(err)
			}
			if p.limit > 0 && n >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				return
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", delay), logx.Err(err))
			if !sleepCtx(s.ctx, delay) {
				return
			}
			delay = min(delay*2, p.ceiling)
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels every loop and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all loops have returned, then reports Err. It gives up
// with ctx's error when ctx ends first.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleOne.Do(func() {
		go func() {
			s.running.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
