package monitor

import (
	"context"
	"time"

	"audiotasks/internal/task"
)

// Config controls health thresholds and the reporting cadence.
//
// Zero values fall back to the defaults below.
type Config struct {
	ReportInterval time.Duration

	// QueueThreshold flags the engine unhealthy when the total number of
	// queued tasks reaches it.
	QueueThreshold int
	// MinSuccessRate flags the engine unhealthy when the success rate is at
	// or below it.
	MinSuccessRate float64
	// MaxRejectionRate flags the engine unhealthy when the rejection rate is
	// at or above it.
	MaxRejectionRate float64
}

const (
	DefaultReportInterval   = 60 * time.Second
	DefaultQueueThreshold   = 100
	DefaultMinSuccessRate   = 0.9
	DefaultMaxRejectionRate = 0.1
)

func (c Config) withDefaults() Config {
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.QueueThreshold <= 0 {
		c.QueueThreshold = DefaultQueueThreshold
	}
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = DefaultMinSuccessRate
	}
	if c.MaxRejectionRate <= 0 {
		c.MaxRejectionRate = DefaultMaxRejectionRate
	}
	return c
}

// Counters is a point-in-time copy of the monitor's counters.
//
// Executed counts terminal outcomes (successes and terminal failures);
// attempts that were retried are not counted.
type Counters struct {
	Executed           uint64                   `json:"executed"`
	Failed             uint64                   `json:"failed"`
	Rejected           uint64                   `json:"rejected"`
	RejectedByPriority map[task.Priority]uint64 `json:"rejected_by_priority"`
	TotalDuration      time.Duration            `json:"total_duration"`
}

// QueueState is the slice of engine state the health check needs.
type QueueState struct {
	Active        int  `json:"active"`
	MaxConcurrent int  `json:"max_concurrent"`
	QueuedHeavy   int  `json:"queued_heavy"`
	QueuedMedium  int  `json:"queued_medium"`
	QueuedLight   int  `json:"queued_light"`
	Paused        bool `json:"paused"`
}

func (s QueueState) TotalQueued() int { return s.QueuedHeavy + s.QueuedMedium + s.QueuedLight }

// StateSource is implemented by the engine.
type StateSource interface {
	QueueState() QueueState
}

// Health is the result of CheckHealth.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

// Report is the structured snapshot emitted by the periodic reporter.
type Report struct {
	At              time.Time     `json:"at"`
	Counters        Counters      `json:"counters"`
	SuccessRate     float64       `json:"success_rate"`
	RejectionRate   float64       `json:"rejection_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	State           QueueState    `json:"state"`
	Health          Health        `json:"health"`
}

// ReportSink persists reports (see internal/storage).
type ReportSink interface {
	AppendReport(ctx context.Context, r Report) error
}
