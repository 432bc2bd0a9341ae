package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"audiotasks/internal/eventbus"
	"audiotasks/internal/task"
	logx "audiotasks/pkg/logx"
)

type Monitor struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	sink ReportSink

	mu         sync.Mutex
	executed   uint64
	failed     uint64
	rejected   uint64
	rejectedBy map[task.Priority]uint64
	totalDur   time.Duration
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option { return func(m *Monitor) { m.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(m *Monitor) { m.bus = bus } }
func WithSink(sink ReportSink) Option   { return func(m *Monitor) { m.sink = sink } }

func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        cfg.withDefaults(),
		rejectedBy: make(map[task.Priority]uint64, len(task.Priorities)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) Config() Config { return m.cfg }

// RecordTaskExecution records a terminal outcome.
func (m *Monitor) RecordTaskExecution(d time.Duration, success bool) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.executed++
	if !success {
		m.failed++
	}
	m.totalDur += d
	m.mu.Unlock()
}

// RecordTaskRejection records an admission rejection for p.
func (m *Monitor) RecordTaskRejection(p task.Priority) {
	m.mu.Lock()
	m.rejected++
	m.rejectedBy[p]++
	m.mu.Unlock()
}

func (m *Monitor) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	by := make(map[task.Priority]uint64, len(task.Priorities))
	for _, p := range task.Priorities {
		by[p] = m.rejectedBy[p]
	}
	return Counters{
		Executed:           m.executed,
		Failed:             m.failed,
		Rejected:           m.rejected,
		RejectedByPriority: by,
		TotalDuration:      m.totalDur,
	}
}

// SuccessRate is (executed-failed)/executed, or 1.0 before anything ran.
func (c Counters) SuccessRate() float64 {
	if c.Executed == 0 {
		return 1.0
	}
	return float64(c.Executed-c.Failed) / float64(c.Executed)
}

// RejectionRate is rejected/(executed+rejected), or 0 when both are zero.
func (c Counters) RejectionRate() float64 {
	total := c.Executed + c.Rejected
	if total == 0 {
		return 0
	}
	return float64(c.Rejected) / float64(total)
}

func (c Counters) AverageDuration() time.Duration {
	if c.Executed == 0 {
		return 0
	}
	return c.TotalDuration / time.Duration(c.Executed)
}

func (m *Monitor) SuccessRate() float64   { return m.Counters().SuccessRate() }
func (m *Monitor) RejectionRate() float64 { return m.Counters().RejectionRate() }

// CheckHealth evaluates the thresholds against the current counters and the
// given engine state.
func (m *Monitor) CheckHealth(state QueueState) Health {
	return m.checkHealth(m.Counters(), state)
}

func (m *Monitor) checkHealth(c Counters, state QueueState) Health {
	var issues []string
	if q := state.TotalQueued(); q >= m.cfg.QueueThreshold {
		issues = append(issues, fmt.Sprintf("queue backlog %d >= %d", q, m.cfg.QueueThreshold))
	}
	if sr := c.SuccessRate(); sr <= m.cfg.MinSuccessRate {
		issues = append(issues, fmt.Sprintf("success rate %.2f <= %.2f", sr, m.cfg.MinSuccessRate))
	}
	if rr := c.RejectionRate(); rr >= m.cfg.MaxRejectionRate {
		issues = append(issues, fmt.Sprintf("rejection rate %.2f >= %.2f", rr, m.cfg.MaxRejectionRate))
	}
	if state.Paused && state.Active == 0 {
		issues = append(issues, "paused with no active tasks")
	}
	return Health{Healthy: len(issues) == 0, Issues: issues}
}

// Snapshot builds a report from the current counters and state.
func (m *Monitor) Snapshot(state QueueState) Report {
	c := m.Counters()
	return Report{
		At:              time.Now(),
		Counters:        c,
		SuccessRate:     c.SuccessRate(),
		RejectionRate:   c.RejectionRate(),
		AverageDuration: c.AverageDuration(),
		State:           state,
		Health:          m.checkHealth(c, state),
	}
}

// Run emits a report every ReportInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context, src StateSource) error {
	if src == nil {
		return fmt.Errorf("monitor: state source is nil")
	}
	t := time.NewTicker(m.cfg.ReportInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Report(ctx, src.QueueState())
		}
	}
}

// Report logs, publishes and persists one snapshot. Sink failures are logged
// and otherwise ignored.
func (m *Monitor) Report(ctx context.Context, state QueueState) Report {
	r := m.Snapshot(state)

	fields := []logx.Field{
		logx.Uint64("executed", r.Counters.Executed),
		logx.Uint64("failed", r.Counters.Failed),
		logx.Uint64("rejected", r.Counters.Rejected),
		logx.Float64("success_rate", r.SuccessRate),
		logx.Float64("rejection_rate", r.RejectionRate),
		logx.Duration("avg_dur", r.AverageDuration),
		logx.Int("active", state.Active),
		logx.Int("queued", state.TotalQueued()),
		logx.Bool("paused", state.Paused),
	}
	if r.Health.Healthy {
		m.log.Info("task.report", fields...)
	} else {
		m.log.Warn("task.report", append(fields, logx.Any("issues", r.Health.Issues))...)
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskReport, Time: r.At, Data: r})
	}
	if m.sink != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := m.sink.AppendReport(sctx, r); err != nil {
			m.log.Warn("task report persist failed", logx.Err(err))
		}
		cancel()
	}
	return r
}
