package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"audiotasks/internal/eventbus"
	rtsup "audiotasks/internal/runtime/supervisor"
	"audiotasks/internal/task"
	"audiotasks/internal/task/monitor"
	logx "audiotasks/pkg/logx"
)

// Rejection warnings are throttled so a burst of refused submissions cannot
// flood the log.
const (
	rejectWarnEvery = time.Second
	rejectWarnBurst = 5
)

// item is one submitted unit of work. Outside Manager.mu it is owned by
// exactly one of: a queue, a worker, or a pending retry timer.
type item struct {
	id       string
	name     string
	prio     task.Priority
	run      func(ctx context.Context) (any, error)
	resolve  func(v any, err error)
	retries  int
	attempts int

	submittedAt time.Time
	enqueuedAt  time.Time
}

// Manager owns the priority queues, the worker pool, pending retries and the
// pause flag. All of that state is guarded by mu; work bodies run outside it.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cfg     Config
	workers int

	queues  [3]*taskQueue // indexed by task.Priority
	active  int
	paused  bool
	started bool
	stopped bool
	retries map[*item]*time.Timer

	log      logx.Logger
	bus      eventbus.Bus
	rec      Recorder
	throttle Throttle
	cores    CoreDetector

	sup  *rtsup.Supervisor
	warn *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(m *Manager) { m.bus = bus } }

// WithRecorder attaches the statistics sink (usually *monitor.Monitor).
func WithRecorder(r Recorder) Option { return func(m *Manager) { m.rec = r } }

// WithThrottle attaches the battery slowdown source.
func WithThrottle(t Throttle) Option { return func(m *Manager) { m.throttle = t } }

// WithCoreDetector replaces runtime.NumCPU when sizing the pool.
func WithCoreDetector(d CoreDetector) Option { return func(m *Manager) { m.cores = d } }

func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		retries: make(map[*item]*time.Timer),
		warn:    rate.NewLimiter(rate.Every(rejectWarnEvery), rejectWarnBurst),
	}
	for _, o := range opts {
		o(m)
	}
	m.cond = sync.NewCond(&m.mu)
	if m.rec == nil {
		m.rec = monitor.New(monitor.Config{})
	}

	m.queues[task.Light] = newTaskQueue(lifo, m.cfg.LightCap)
	m.queues[task.Medium] = newTaskQueue(lifo, m.cfg.MediumCap)
	m.queues[task.Heavy] = newTaskQueue(fifo, m.cfg.HeavyCap)

	if m.cfg.Workers > 0 {
		m.workers = m.cfg.Workers
	} else {
		n, err := detectWorkers(m.cores)
		if err != nil {
			m.log.Warn("cpu detection failed; using fallback pool size", logx.Err(err), logx.Int("workers", n))
		}
		m.workers = n
	}
	return m
}

// MaxConcurrent is the fixed worker pool size.
func (m *Manager) MaxConcurrent() int { return m.workers }

func (m *Manager) Config() Config { return m.cfg }

// Start launches the worker pool. Work submitted before Start stays queued
// until then. Start is idempotent; a stopped manager cannot be restarted.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		// A failing worker must not take the process down; it is restarted.
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	workers := m.workers
	m.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			m.worker(c)
			if m.isStopped() || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	// Workers park on cond; wake them when the parent context goes away.
	sup.Go0("wake_on_cancel", func(c context.Context) {
		<-c.Done()
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})

	m.log.Info("task engine started",
		logx.Int("workers", workers),
		logx.Int("cap_heavy", m.cfg.HeavyCap),
		logx.Int("cap_medium", m.cfg.MediumCap),
		logx.Int("cap_light", m.cfg.LightCap),
		logx.Int("max_retries", m.cfg.MaxRetries),
		logx.String("retry_placement", m.cfg.RetryPlacement.String()),
	)
}

// Stop shuts the pool down. Queued tasks and tasks waiting for a retry are
// resolved with task.ErrStopped; active tasks see their context cancelled and
// resolve with whatever they return. Stop waits for workers until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	var dropped []*item
	for _, p := range task.Priorities {
		dropped = append(dropped, m.queues[p].drain()...)
	}
	for it, t := range m.retries {
		t.Stop()
		delete(m.retries, it)
		dropped = append(dropped, it)
	}
	sup := m.sup
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, it := range dropped {
		it.resolve(nil, task.ErrStopped)
	}
	if len(dropped) > 0 {
		m.log.Info("queued tasks dropped on shutdown", logx.Int("count", len(dropped)))
	}

	if sup == nil {
		return nil
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	if err := ctx.Err(); err != nil {
		m.log.Warn("task engine stop timed out", logx.Err(err))
		return err
	}
	m.log.Info("task engine stopped")
	return nil
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// submit runs admission control and enqueues it. It never blocks on capacity.
func (m *Manager) submit(it *item) {
	now := time.Now()
	it.submittedAt = now
	it.enqueuedAt = now

	if !it.prio.Valid() {
		it.resolve(nil, fmt.Errorf("engine: invalid priority %d", int(it.prio)))
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		it.resolve(nil, task.ErrStopped)
		return
	}
	q := m.queues[it.prio]
	if q.Full() {
		n := q.Len()
		m.mu.Unlock()
		m.reject(it, n, nil)
		return
	}
	q.pushBack(it)
	qlen := q.Len()
	m.cond.Signal()
	m.mu.Unlock()

	m.log.Debug("task.submitted", logx.String("task", it.name), logx.String("id", it.id), logx.Stringer("priority", it.prio), logx.Int("queue_len", qlen))
	m.publish(eventbus.TypeTaskSubmitted, TaskEvent{ID: it.id, Name: it.name, Priority: it.prio, QueueLen: qlen})
}

func (m *Manager) reject(it *item, qlen int, cause error) {
	m.rec.RecordTaskRejection(it.prio)

	var err error = &task.RejectedError{Priority: it.prio, QueueLength: qlen}
	if cause != nil {
		err = errors.Join(err, cause)
	}

	if m.warn.Allow() {
		m.log.Warn("task rejected: queue full",
			logx.String("task", it.name),
			logx.String("id", it.id),
			logx.Stringer("priority", it.prio),
			logx.Int("queue_len", qlen),
			logx.Int("attempts", it.attempts),
		)
	}
	m.publish(eventbus.TypeTaskRejected, TaskEvent{ID: it.id, Name: it.name, Priority: it.prio, QueueLen: qlen, Attempts: it.attempts, Error: err.Error()})
	it.resolve(nil, err)
}

// PauseNonCritical stops dispatching queued work. Active tasks finish and
// submissions are still admitted. Calling it while paused is a no-op.
func (m *Manager) PauseNonCritical() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	active := m.active
	m.mu.Unlock()

	m.log.Info("task engine paused", logx.Int("active", active))
	m.publish(eventbus.TypeTaskPaused, nil)
}

// Resume re-enables dispatch and wakes every idle worker. It is a no-op when
// not paused.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	queued := m.queuedLocked()
	m.cond.Broadcast()
	m.mu.Unlock()

	m.log.Info("task engine resumed", logx.Int("queued", queued))
	m.publish(eventbus.TypeTaskResumed, nil)
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) queuedLocked() int {
	n := 0
	for _, q := range m.queues {
		n += q.Len()
	}
	return n
}

// QueueState implements monitor.StateSource.
func (m *Manager) QueueState() monitor.QueueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueStateLocked()
}

func (m *Manager) queueStateLocked() monitor.QueueState {
	return monitor.QueueState{
		Active:        m.active,
		MaxConcurrent: m.workers,
		QueuedHeavy:   m.queues[task.Heavy].Len(),
		QueuedMedium:  m.queues[task.Medium].Len(),
		QueuedLight:   m.queues[task.Light].Len(),
		Paused:        m.paused,
	}
}

// Statistics merges queue state with the recorder's counters.
func (m *Manager) Statistics() Statistics {
	// One critical section: an item is either queued or retry-pending.
	m.mu.Lock()
	qs := m.queueStateLocked()
	retryPending := len(m.retries)
	m.mu.Unlock()

	c := m.rec.Counters()
	st := Statistics{
		ActiveTasks:        qs.Active,
		MaxConcurrent:      qs.MaxConcurrent,
		QueuedHeavy:        qs.QueuedHeavy,
		QueuedMedium:       qs.QueuedMedium,
		QueuedLight:        qs.QueuedLight,
		RetryPending:       retryPending,
		Paused:             qs.Paused,
		TotalExecuted:      c.Executed,
		TotalFailed:        c.Failed,
		TotalRejected:      c.Rejected,
		RejectedByPriority: c.RejectedByPriority,
		AverageDurationMs:  float64(c.AverageDuration()) / float64(time.Millisecond),
		SlowdownMultiplier: m.slowdown(),
	}

	m.hmu.Lock()
	st.History = make([]HistoryItem, len(m.history))
	copy(st.History, m.history)
	m.hmu.Unlock()
	return st
}

// Supervisor exposes the worker supervisor for diagnostics (nil before Start).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup
}

func (m *Manager) slowdown() float64 {
	if m.throttle == nil {
		return 1.0
	}
	v := m.throttle.SlowdownMultiplier()
	if v <= 0 || v > 1 {
		return 1.0
	}
	return v
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (m *Manager) appendHistory(h HistoryItem) {
	m.hmu.Lock()
	m.history = append(m.history, h)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.hmu.Unlock()
}
