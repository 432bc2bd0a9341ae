package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"audiotasks/internal/eventbus"
	"audiotasks/internal/task"
	logx "audiotasks/pkg/logx"
)

const slowTaskThreshold = 750 * time.Millisecond

func (m *Manager) worker(ctx context.Context) {
	for {
		it := m.next(ctx)
		if it == nil {
			return
		}
		m.runActive(ctx, it)
	}
}

// next blocks until a task may be dispatched and reserves a slot for it.
// It returns nil once the manager stops or ctx is done.
func (m *Manager) next(ctx context.Context) *item {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.stopped || ctx.Err() != nil {
			return nil
		}
		if !m.paused && m.active < m.workers {
			if it := m.popLocked(); it != nil {
				m.active++
				return it
			}
		}
		m.cond.Wait()
	}
}

// popLocked applies the cross-class rule (Heavy, then Medium, then Light);
// each queue applies its own FIFO/LIFO order.
func (m *Manager) popLocked() *item {
	for _, p := range task.Priorities {
		if it := m.queues[p].pop(); it != nil {
			return it
		}
	}
	return nil
}

func (m *Manager) runActive(ctx context.Context, it *item) {
	defer func() {
		m.mu.Lock()
		m.active--
		m.cond.Signal()
		m.mu.Unlock()
	}()
	m.execute(ctx, it)
}

func (m *Manager) execute(ctx context.Context, it *item) {
	start := time.Now()
	queueDelay := start.Sub(it.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	it.attempts++

	m.log.Debug("task.started", logx.String("task", it.name), logx.Stringer("priority", it.prio), logx.Int("attempt", it.attempts), logx.Duration("queue_delay", queueDelay))
	m.publish(eventbus.TypeTaskStarted, TaskEvent{ID: it.id, Name: it.name, Priority: it.prio, QueueDelay: queueDelay, Attempts: it.attempts})

	// Heavy work is user-visible and never throttled.
	if it.prio != task.Heavy {
		m.throttleDelay(ctx, it)
	}

	runStart := time.Now()
	val, err := m.runAttempt(ctx, it)
	dur := time.Since(runStart)

	switch {
	case err == nil:
	case task.IsNoRetry(err):
		err = task.Unwrapped(err)
	case it.retries < m.cfg.MaxRetries:
		if m.scheduleRetry(it, err) {
			return
		}
	}
	m.finish(it, runStart, queueDelay, dur, val, err)
}

func (m *Manager) throttleDelay(ctx context.Context, it *item) {
	mult := m.slowdown()
	if mult >= 1 {
		return
	}
	d := time.Duration((1 - mult) * float64(m.cfg.ThrottleBase))
	if d <= 0 {
		return
	}
	m.log.Debug("task throttled", logx.String("task", it.name), logx.Float64("multiplier", mult), logx.Duration("delay", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// runAttempt runs the work body once, converting panics into errors so one
// bad task cannot kill a worker.
func (m *Manager) runAttempt(ctx context.Context, it *item) (val any, err error) {
	runCtx := ctx
	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = fmt.Errorf("panic: %v", r)
			m.log.Error("task.panic", logx.String("task", it.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return it.run(runCtx)
}

// scheduleRetry parks it for RetryDelay and then re-enqueues it. It returns
// false when the manager is stopping; the caller then resolves the task.
func (m *Manager) scheduleRetry(it *item, cause error) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	it.retries++
	// Once the timer is armed another worker may own it; log copies.
	retry, attempts := it.retries, it.attempts
	delay := m.cfg.RetryDelay
	m.retries[it] = time.AfterFunc(delay, func() { m.requeue(it, cause) })
	m.mu.Unlock()

	m.log.Debug("task retry scheduled", logx.String("task", it.name), logx.Int("retry", retry), logx.Int("max_retries", m.cfg.MaxRetries), logx.Duration("delay", delay), logx.Err(cause))
	m.publish(eventbus.TypeTaskRetry, TaskEvent{ID: it.id, Name: it.name, Priority: it.prio, Attempts: attempts, Error: cause.Error()})
	return true
}

func (m *Manager) requeue(it *item, cause error) {
	m.mu.Lock()
	if _, ok := m.retries[it]; !ok {
		// Stop already resolved it.
		m.mu.Unlock()
		return
	}
	delete(m.retries, it)
	q := m.queues[it.prio]
	it.enqueuedAt = time.Now()
	if !q.pushRetry(it, m.cfg.RetryPlacement) {
		n := q.Len()
		m.mu.Unlock()
		m.reject(it, n, cause)
		return
	}
	m.cond.Signal()
	m.mu.Unlock()
}

// finish records the outcome and only then resolves the future, so a caller
// returning from Wait sees the task in Statistics and History.
func (m *Manager) finish(it *item, started time.Time, queueDelay, dur time.Duration, val any, err error) {
	m.rec.RecordTaskExecution(dur, err == nil)

	h := HistoryItem{
		ID:          it.id,
		Name:        it.name,
		Priority:    it.prio,
		SubmittedAt: it.submittedAt,
		Started:     started,
		QueueDelay:  queueDelay,
		Duration:    dur,
		Attempts:    it.attempts,
	}
	fields := []logx.Field{
		logx.String("task", it.name),
		logx.Stringer("priority", it.prio),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", dur),
		logx.Int("attempts", it.attempts),
	}
	if err != nil {
		h.Error = err.Error()
		m.log.Warn("task.failed", append(fields, logx.Err(err))...)
		m.publish(eventbus.TypeTaskFailed, TaskEvent{ID: it.id, Name: it.name, Priority: it.prio, QueueDelay: queueDelay, Duration: dur, Attempts: it.attempts, Error: h.Error})
	} else {
		if dur >= slowTaskThreshold {
			m.log.Info("task.completed", fields...)
		} else {
			m.log.Debug("task.completed", fields...)
		}
		m.publish(eventbus.TypeTaskFinished, TaskEvent{ID: it.id, Name: it.name, Priority: it.prio, QueueDelay: queueDelay, Duration: dur, Attempts: it.attempts})
	}
	m.appendHistory(h)
	it.resolve(val, err)
}
