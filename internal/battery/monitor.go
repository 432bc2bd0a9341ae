package battery

import (
	"context"
	"sync"
	"time"

	"audiotasks/internal/eventbus"
	logx "audiotasks/pkg/logx"
)

// Monitor keeps the last known battery level.
//
// With a nil Signal the monitor never polls and always reports a multiplier
// of 1.0.
type Monitor struct {
	cfg Config
	sig Signal
	log logx.Logger
	bus eventbus.Bus

	mu      sync.RWMutex
	level   int
	known   bool
	tier    Tier
	polled  time.Time
	lastErr error
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option { return func(m *Monitor) { m.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(m *Monitor) { m.bus = bus } }

func NewMonitor(sig Signal, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{cfg: cfg.withDefaults(), sig: sig}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Enabled reports whether a signal is attached.
func (m *Monitor) Enabled() bool { return m != nil && m.sig != nil }

// Run polls the signal immediately and then every PollInterval until ctx is
// done. It returns at once when no signal is attached.
func (m *Monitor) Run(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if !m.Enabled() {
		m.log.Debug("battery polling disabled")
		return nil
	}
	m.Poll(ctx)
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads the signal once and updates the cached level. A failed read
// keeps the previous level.
func (m *Monitor) Poll(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	lvl, ok, err := m.sig.Level(ctx)
	now := time.Now()
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.polled = now
		m.mu.Unlock()
		m.log.Debug("battery poll failed", logx.Err(err))
		return
	}
	if ok {
		lvl = clampLevel(lvl)
	}

	m.mu.Lock()
	prev := m.tier
	m.level = lvl
	m.known = ok
	m.lastErr = nil
	m.polled = now
	next := TierNormal
	if ok {
		next = m.tierFor(lvl)
	}
	m.tier = next
	m.mu.Unlock()

	if next != prev {
		m.log.Info("battery tier changed", logx.Stringer("from", prev), logx.Stringer("to", next), logx.Int("level", lvl))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeBatteryTier, Time: now, Data: TierEvent{From: prev.String(), To: next.String(), Level: lvl}})
		}
	}
}

func (m *Monitor) tierFor(level int) Tier {
	switch {
	case level <= m.cfg.CriticalThreshold:
		return TierCritical
	case level <= m.cfg.LowThreshold:
		return TierLow
	default:
		return TierNormal
	}
}

// Level returns the last known level; ok is false when unknown.
func (m *Monitor) Level() (int, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level, m.known
}

func (m *Monitor) Tier() Tier {
	if m == nil {
		return TierNormal
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}

func (m *Monitor) IsLow() bool      { t := m.Tier(); return t == TierLow || t == TierCritical }
func (m *Monitor) IsCritical() bool { return m.Tier() == TierCritical }

// SlowdownMultiplier maps the tier to 1.0 (normal), 0.5 (low) or 0.25
// (critical). Unknown levels count as normal.
func (m *Monitor) SlowdownMultiplier() float64 {
	switch m.Tier() {
	case TierCritical:
		return 0.25
	case TierLow:
		return 0.5
	default:
		return 1.0
	}
}

// LastPoll returns when the signal was last read and the error of that read.
func (m *Monitor) LastPoll() (time.Time, error) {
	if m == nil {
		return time.Time{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.polled, m.lastErr
}

func clampLevel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
