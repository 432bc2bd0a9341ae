package battery

import (
	"context"
	"time"
)

// Signal reports the current battery level in percent (0-100).
// ok is false when the level is unknown (no battery, unsupported host).
type Signal interface {
	Level(ctx context.Context) (level int, ok bool, err error)
}

// SignalFunc adapts a function to Signal.
type SignalFunc func(ctx context.Context) (int, bool, error)

func (f SignalFunc) Level(ctx context.Context) (int, bool, error) { return f(ctx) }

// Tier is the coarse battery state derived from thresholds.
type Tier int

const (
	TierNormal Tier = iota
	TierLow
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Config controls polling and thresholds. Zero values use the defaults.
type Config struct {
	PollInterval      time.Duration
	LowThreshold      int
	CriticalThreshold int
}

const (
	DefaultPollInterval      = 30 * time.Second
	DefaultLowThreshold      = 15
	DefaultCriticalThreshold = 5
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = DefaultLowThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.CriticalThreshold > c.LowThreshold {
		c.CriticalThreshold = c.LowThreshold
	}
	return c
}

// TierEvent is published on the event bus when the tier changes.
type TierEvent struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Level int    `json:"level"`
}
