package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"audiotasks/internal/eventbus"
	"audiotasks/internal/task"
	"audiotasks/internal/task/monitor"
)

func TestHeavyIsFIFO(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})
	release := occupy(t, m, task.Heavy)

	var rec recorder
	var futs []*Future[string]
	for i := 1; i <= 5; i++ {
		futs = append(futs, Submit(m, task.Heavy, rec.work(fmt.Sprintf("T%d", i))))
	}
	release()
	waitAll(t, futs...)

	want := []string{"T1", "T2", "T3", "T4", "T5"}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Fatalf("start order = %v, want %v", got, want)
	}
}

func TestMediumAndLightAreLIFO(t *testing.T) {
	t.Parallel()
	for _, p := range []task.Priority{task.Medium, task.Light} {
		p := p
		t.Run(p.String(), func(t *testing.T) {
			t.Parallel()
			m := newTestManager(t, Config{Workers: 1})
			release := occupy(t, m, task.Heavy)

			var rec recorder
			var futs []*Future[string]
			for i := 1; i <= 5; i++ {
				futs = append(futs, Submit(m, p, rec.work(fmt.Sprintf("T%d", i))))
			}
			release()
			waitAll(t, futs...)

			want := []string{"T5", "T4", "T3", "T2", "T1"}
			if got := rec.snapshot(); !equalStrings(got, want) {
				t.Fatalf("start order = %v, want %v", got, want)
			}
		})
	}
}

func TestHeavyPreemptsOtherClasses(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})
	release := occupy(t, m, task.Heavy)

	var rec recorder
	futs := []*Future[string]{
		Submit(m, task.Light, rec.work("L1")),
		Submit(m, task.Medium, rec.work("M1")),
		Submit(m, task.Light, rec.work("L2")),
		Submit(m, task.Heavy, rec.work("H1")),
		Submit(m, task.Medium, rec.work("M2")),
		Submit(m, task.Heavy, rec.work("H2")),
	}
	release()
	waitAll(t, futs...)

	want := []string{"H1", "H2", "M2", "M1", "L2", "L1"}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Fatalf("start order = %v, want %v", got, want)
	}
}

func TestAdmissionRejectsAtCap(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1, LightCap: 2})
	occupy(t, m, task.Heavy)

	var rec recorder
	Submit(m, task.Light, rec.work("L1"))
	Submit(m, task.Light, rec.work("L2"))
	third := Submit(m, task.Light, rec.work("L3"))

	_, done, err := third.Peek()
	if !done {
		t.Fatal("rejected submit must resolve immediately")
	}
	var re *task.RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if re.Priority != task.Light || re.QueueLength != 2 {
		t.Fatalf("rejection = %+v, want {light 2}", re)
	}

	st := m.Statistics()
	if st.TotalRejected != 1 || st.RejectedByPriority[task.Light] != 1 {
		t.Fatalf("rejected=%d by=%v", st.TotalRejected, st.RejectedByPriority)
	}
	if st.QueuedLight != 2 {
		t.Fatalf("QueuedLight = %d, want 2", st.QueuedLight)
	}
}

func TestActiveNeverExceedsPool(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 2})

	var cur, peak atomic.Int32
	work := func(context.Context) (int, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if st := m.Statistics(); st.ActiveTasks > st.MaxConcurrent {
			t.Errorf("active %d > max %d", st.ActiveTasks, st.MaxConcurrent)
		}
		time.Sleep(2 * time.Millisecond)
		cur.Add(-1)
		return 0, nil
	}

	var futs []*Future[int]
	for i := 0; i < 20; i++ {
		p := task.Priorities[i%len(task.Priorities)]
		futs = append(futs, Submit(m, p, work))
	}
	waitAll(t, futs...)

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
	if m.MaxConcurrent() != 2 {
		t.Fatalf("MaxConcurrent = %d", m.MaxConcurrent())
	}
}

func TestAlwaysFailingTaskAttemptsFourTimes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})

	boom := errors.New("scan failed")
	var calls atomic.Int32
	f := Submit(m, task.Heavy, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := f.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if got := calls.Load(); got != 1+DefaultMaxRetries {
		t.Fatalf("attempts = %d, want %d", got, 1+DefaultMaxRetries)
	}

	st := m.Statistics()
	if st.TotalExecuted != 1 || st.TotalFailed != 1 {
		t.Fatalf("executed=%d failed=%d, want 1/1", st.TotalExecuted, st.TotalFailed)
	}
	if len(st.History) != 1 || st.History[0].Attempts != 4 || st.History[0].Error == "" {
		t.Fatalf("history = %+v", st.History)
	}
}

func TestRetryThenSuccessIsNotAFailure(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})

	var calls atomic.Int32
	f := Submit(m, task.Heavy, func(context.Context) (string, error) {
		if calls.Add(1) <= 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	v, err := f.Wait(ctx)
	if err != nil || v != "ok" {
		t.Fatalf("Wait = %q, %v", v, err)
	}
	st := m.Statistics()
	if st.TotalExecuted != 1 || st.TotalFailed != 0 {
		t.Fatalf("executed=%d failed=%d, want 1/0", st.TotalExecuted, st.TotalFailed)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryWaitsConfiguredDelay(t *testing.T) {
	t.Parallel()
	delay := 30 * time.Millisecond
	m := newTestManager(t, Config{Workers: 1, RetryDelay: delay, MaxRetries: 1})

	var mu sync.Mutex
	var starts []time.Time
	f := m.Go(task.Heavy, func(context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return errors.New("nope")
	})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatal("expected terminal failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < delay {
		t.Fatalf("retry gap = %v, want >= %v", gap, delay)
	}
}

func TestNoRetrySkipsRetries(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})

	bad := errors.New("corrupt archive")
	var calls atomic.Int32
	f := m.Go(task.Medium, func(context.Context) error {
		calls.Add(1)
		return task.NoRetry(bad)
	})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := f.Wait(ctx)
	if err != bad {
		t.Fatalf("err = %v, want the unwrapped original", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPanicBecomesTaskError(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1, MaxRetries: -1})

	f := m.Go(task.Light, func(context.Context) error { panic("kaboom") })
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := f.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v, want panic error", err)
	}

	// The worker survives the panic.
	ok := m.Go(task.Light, func(context.Context) error { return nil })
	if _, err := ok.Wait(ctx); err != nil {
		t.Fatalf("follow-up task failed: %v", err)
	}
}

func TestRetryRejectedWhenQueueFull(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1, HeavyCap: 1, RetryDelay: 100 * time.Millisecond})

	first := errors.New("flaky")
	attempted := make(chan struct{})
	var once sync.Once
	f := m.Go(task.Heavy, func(context.Context) error {
		once.Do(func() { close(attempted) })
		return first
	}, Named("flaky"))

	select {
	case <-attempted:
	case <-time.After(testTimeout):
		t.Fatal("flaky task never ran")
	}
	waitFor(t, "retry pending", func() bool { return m.Statistics().RetryPending == 1 })

	occupy(t, m, task.Heavy)
	Submit(m, task.Heavy, func(context.Context) (int, error) { return 0, nil })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := f.Wait(ctx)
	if !task.IsRejected(err) || !errors.Is(err, first) {
		t.Fatalf("err = %v, want rejection wrapping the last failure", err)
	}
	if st := m.Statistics(); st.TotalRejected != 1 {
		t.Fatalf("TotalRejected = %d, want 1", st.TotalRejected)
	}
}

func TestPauseHoldsDispatchUntilResume(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 2})

	m.PauseNonCritical()
	m.PauseNonCritical()
	if !m.Paused() {
		t.Fatal("manager should be paused")
	}

	var ran atomic.Bool
	f := m.Go(task.Light, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if got := m.Statistics().QueuedLight; got != 1 {
		t.Fatalf("QueuedLight = %d, want 1", got)
	}
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("task dispatched while paused")
	}

	m.Resume()
	m.Resume()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
	if !ran.Load() || m.Paused() {
		t.Fatal("task should have run after resume")
	}
}

func TestPauseLetsActiveWorkFinish(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})
	release := occupy(t, m, task.Medium)

	m.PauseNonCritical()
	if st := m.Statistics(); st.ActiveTasks != 1 || !st.Paused {
		t.Fatalf("stats = %+v", st)
	}
	release()
	waitFor(t, "active task to finish", func() bool { return m.Statistics().ActiveTasks == 0 })
	m.Resume()
}

func TestBatteryThrottleDelaysOnlyNonHeavy(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 2}, WithThrottle(fixedThrottle(0.25)))

	startDelay := func(p task.Priority) *Future[time.Duration] {
		submitted := time.Now()
		return Submit(m, p, func(context.Context) (time.Duration, error) {
			return time.Since(submitted), nil
		})
	}
	light := startDelay(task.Light)
	heavy := startDelay(task.Heavy)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ld, err := light.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	hd, err := heavy.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ld < 70*time.Millisecond {
		t.Fatalf("light start delay = %v, want ~75ms", ld)
	}
	if hd >= 50*time.Millisecond {
		t.Fatalf("heavy start delay = %v, want no throttling", hd)
	}
	if got := m.Statistics().SlowdownMultiplier; got != 0.25 {
		t.Fatalf("SlowdownMultiplier = %v", got)
	}
}

func TestStopResolvesQueuedWork(t *testing.T) {
	t.Parallel()
	m := New(Config{Workers: 1, RetryDelay: time.Hour})
	m.Start(context.Background())

	gate := make(chan struct{})
	active := m.Go(task.Heavy, func(ctx context.Context) error {
		<-gate
		return nil
	})
	waitFor(t, "blocker to start", func() bool { return m.Statistics().ActiveTasks == 1 })
	queued := m.Go(task.Light, func(context.Context) error { return nil })

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		stopped <- m.Stop(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := queued.Wait(ctx); !errors.Is(err, task.ErrStopped) {
		t.Fatalf("queued err = %v, want ErrStopped", err)
	}
	close(gate)
	if _, err := active.Wait(ctx); err != nil {
		t.Fatalf("active task should complete normally, got %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	late := m.Go(task.Heavy, func(context.Context) error { return nil })
	if _, done, err := late.Peek(); !done || !errors.Is(err, task.ErrStopped) {
		t.Fatalf("submit after stop = %v, %v", done, err)
	}
}

func TestStopResolvesPendingRetries(t *testing.T) {
	t.Parallel()
	m := New(Config{Workers: 1, RetryDelay: time.Hour})
	m.Start(context.Background())

	f := m.Go(task.Heavy, func(context.Context) error { return errors.New("later") })
	waitFor(t, "retry pending", func() bool { return m.Statistics().RetryPending == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Wait(ctx); !errors.Is(err, task.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	m := New(Config{Workers: 1})
	f := Submit(m, task.Medium, func(context.Context) (int, error) { return 7, nil })
	if _, done, _ := f.Peek(); done {
		t.Fatal("task must wait for Start")
	}
	m.Start(context.Background())
	defer m.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if v, err := f.Wait(ctx); err != nil || v != 7 {
		t.Fatalf("Wait = %d, %v", v, err)
	}
}

func TestSubmitInvalidInput(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})

	if _, done, err := Submit[int](m, task.Heavy, nil).Peek(); !done || err == nil {
		t.Fatalf("nil work: done=%v err=%v", done, err)
	}
	f := m.Go(task.Priority(9), func(context.Context) error { return nil })
	if _, done, err := f.Peek(); !done || err == nil {
		t.Fatalf("invalid priority: done=%v err=%v", done, err)
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1, TaskTimeout: 10 * time.Millisecond, MaxRetries: -1})

	f := m.Go(task.Heavy, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	mon := monitor.New(monitor.Config{})
	m := newTestManager(t, Config{Workers: 1}, WithBus(bus), WithRecorder(mon))

	f := Submit(m, task.Medium, func(context.Context) (int, error) { return 1, nil }, Named("metadata.touch"))
	waitAll(t, f)

	var types []string
	waitFor(t, "finished event", func() bool {
		for {
			select {
			case ev := <-events:
				types = append(types, ev.Type)
				if ev.Type == eventbus.TypeTaskFinished {
					te := ev.Data.(TaskEvent)
					if te.Name != "metadata.touch" || te.Priority != task.Medium {
						t.Errorf("unexpected event payload %+v", te)
					}
					return true
				}
			default:
				return false
			}
		}
	})
	want := []string{eventbus.TypeTaskSubmitted, eventbus.TypeTaskStarted, eventbus.TypeTaskFinished}
	if !equalStrings(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if mon.Counters().Executed != 1 {
		t.Fatal("injected recorder was not used")
	}
}

func TestStatisticsAverageDuration(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})
	f := m.Go(task.Heavy, func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	waitAll(t, f)
	st := m.Statistics()
	if st.AverageDurationMs < 10 {
		t.Fatalf("AverageDurationMs = %v, want >= 10", st.AverageDurationMs)
	}
	if st.SlowdownMultiplier != 1.0 {
		t.Fatalf("SlowdownMultiplier without throttle = %v", st.SlowdownMultiplier)
	}
}

func TestStatisticsCurrentWhenWaitReturns(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 2, HistorySize: 8})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var failed uint64
	for i := 1; i <= 500; i++ {
		fail := i%3 == 0
		name := fmt.Sprintf("t%d", i)
		f := m.Go(task.Heavy, func(context.Context) error {
			if fail {
				return task.NoRetry(errors.New("bad file"))
			}
			return nil
		}, Named(name))
		_, err := f.Wait(ctx)
		if fail {
			failed++
			if err == nil {
				t.Fatalf("%s: want error", name)
			}
		} else if err != nil {
			t.Fatalf("%s: %v", name, err)
		}

		st := m.Statistics()
		if st.TotalExecuted != uint64(i) || st.TotalFailed != failed {
			t.Fatalf("after %s: executed=%d failed=%d, want %d/%d", name, st.TotalExecuted, st.TotalFailed, i, failed)
		}
		if n := len(st.History); n == 0 || st.History[n-1].Name != name {
			t.Fatalf("after %s: history tail missing the task", name)
		}
	}
}

func TestRetryEventsCountAttempts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeTaskRetry)
	defer unsub()
	m := newTestManager(t, Config{Workers: 4, RetryDelay: time.Nanosecond}, WithBus(bus))

	f := m.Go(task.Medium, func(context.Context) error { return errors.New("decoder busy") })
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatal("want error")
	}

	// With several workers the retry events may arrive out of order.
	var got []int
	deadline := time.After(testTimeout)
	for len(got) < DefaultMaxRetries {
		select {
		case ev := <-events:
			got = append(got, ev.Data.(TaskEvent).Attempts)
		case <-deadline:
			t.Fatalf("retry events = %v, want %d", got, DefaultMaxRetries)
		}
	}
	slices.Sort(got)
	if !slices.Equal(got, []int{1, 2, 3}) {
		t.Fatalf("retry attempts = %v, want 1, 2, 3", got)
	}
}

func TestStatisticsNeverCountsAnItemTwice(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1, RetryDelay: time.Nanosecond, MaxRetries: 200})

	f := m.Go(task.Medium, func(context.Context) error { return errors.New("flaky") })
	for {
		st := m.Statistics()
		if n := st.QueuedMedium + st.RetryPending; n > 1 {
			t.Fatalf("one task counted %d times as waiting: %+v", n, st)
		}
		if _, done, _ := f.Peek(); done {
			return
		}
	}
}

func TestSubmitAllKeepsInputOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 4})

	var inFlight, peak atomic.Int32
	works := make([]func(context.Context) (int, error), 9)
	for i := range works {
		works[i] = func(context.Context) (int, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return i * i, nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	got, err := SubmitAll(ctx, m, task.Medium, 2, works).Wait(ctx)
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	for i, v := range got {
		if v != i*i {
			t.Fatalf("results = %v", got)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak in flight = %d, want <= 2", p)
	}
}

func TestSubmitAllStopsAtFirstFailingBatch(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 2})

	var ran atomic.Int32
	boom := errors.New("boom")
	works := []func(context.Context) (string, error){
		func(context.Context) (string, error) { ran.Add(1); return "a", nil },
		func(context.Context) (string, error) { ran.Add(1); return "", task.NoRetry(boom) },
		func(context.Context) (string, error) { ran.Add(1); return "c", nil },
		func(context.Context) (string, error) { ran.Add(1); return "d", nil },
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := SubmitAll(ctx, m, task.Heavy, 2, works).Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if n := ran.Load(); n != 2 {
		t.Fatalf("ran = %d, want 2 (second batch never submitted)", n)
	}
}

func TestSubmitAllEmpty(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Workers: 1})
	got, err := SubmitAll[int](context.Background(), m, task.Light, 0, nil).Wait(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}
