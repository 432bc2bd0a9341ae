package engine

import (
	"fmt"
	"strings"
	"time"

	"audiotasks/internal/task"
	"audiotasks/internal/task/monitor"
)

// Config controls the task manager.
//
// Zero values fall back to the defaults below. Workers and queue caps are
// fixed for the life of a Manager.
type Config struct {
	// Workers overrides the CPU-derived pool size when > 0.
	Workers int

	LightCap  int
	MediumCap int
	HeavyCap  int

	// MaxRetries is the number of re-attempts after the first failure.
	// 0 uses the default; a negative value disables retries.
	MaxRetries int
	RetryDelay time.Duration

	RetryPlacement RetryPlacement

	// ThrottleBase is the delay applied to non-Heavy work at a slowdown
	// multiplier of 0; the actual delay is (1-multiplier)*ThrottleBase.
	ThrottleBase time.Duration

	// TaskTimeout bounds each attempt when > 0. Disabled by default.
	TaskTimeout time.Duration

	HistorySize int
}

const (
	DefaultLightCap     = 50
	DefaultMediumCap    = 100
	DefaultHeavyCap     = 200
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 2 * time.Second
	DefaultThrottleBase = 100 * time.Millisecond
	DefaultHistorySize  = 200
)

func (c Config) withDefaults() Config {
	if c.LightCap <= 0 {
		c.LightCap = DefaultLightCap
	}
	if c.MediumCap <= 0 {
		c.MediumCap = DefaultMediumCap
	}
	if c.HeavyCap <= 0 {
		c.HeavyCap = DefaultHeavyCap
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ThrottleBase <= 0 {
		c.ThrottleBase = DefaultThrottleBase
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

func (c Config) capFor(p task.Priority) int {
	switch p {
	case task.Light:
		return c.LightCap
	case task.Medium:
		return c.MediumCap
	default:
		return c.HeavyCap
	}
}

// RetryPlacement decides where a retried task re-enters its queue.
type RetryPlacement int

const (
	// RetryNatural uses the queue's own insertion point: the back of the
	// Heavy FIFO line, the top of a Medium/Light LIFO stack. A LIFO retry can
	// therefore jump ahead of older never-attempted work.
	RetryNatural RetryPlacement = iota
	// RetryDeferred lets never-attempted work of the same class go first:
	// LIFO retries go to the bottom of the stack, FIFO retries to the back.
	RetryDeferred
	// RetryPrioritized runs retries before other pending work of the class:
	// FIFO retries go to the front, LIFO retries to the top.
	RetryPrioritized
)

func (p RetryPlacement) String() string {
	switch p {
	case RetryDeferred:
		return "deferred"
	case RetryPrioritized:
		return "prioritized"
	default:
		return "natural"
	}
}

func ParseRetryPlacement(s string) (RetryPlacement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "natural":
		return RetryNatural, nil
	case "deferred":
		return RetryDeferred, nil
	case "prioritized", "prioritised":
		return RetryPrioritized, nil
	default:
		return RetryNatural, fmt.Errorf("unknown retry placement %q", s)
	}
}

// Throttle supplies the battery-derived slowdown multiplier in (0,1].
// *battery.Monitor implements it.
type Throttle interface {
	SlowdownMultiplier() float64
}

// Recorder receives terminal outcomes and rejections.
// *monitor.Monitor implements it.
type Recorder interface {
	RecordTaskExecution(d time.Duration, success bool)
	RecordTaskRejection(p task.Priority)
	Counters() monitor.Counters
}

// HistoryItem is one terminal outcome kept for diagnostics.
type HistoryItem struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Priority    task.Priority `json:"priority"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Started     time.Time     `json:"started"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Duration    time.Duration `json:"duration"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   task.Priority `json:"priority"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts"`
	QueueLen   int           `json:"queue_len,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Statistics is a point-in-time view of the manager and its counters.
type Statistics struct {
	ActiveTasks   int  `json:"active_tasks"`
	MaxConcurrent int  `json:"max_concurrent"`
	QueuedHeavy   int  `json:"queued_heavy"`
	QueuedMedium  int  `json:"queued_medium"`
	QueuedLight   int  `json:"queued_light"`
	RetryPending  int  `json:"retry_pending"`
	Paused        bool `json:"paused"`

	TotalExecuted      uint64                   `json:"total_executed"`
	TotalFailed        uint64                   `json:"total_failed"`
	TotalRejected      uint64                   `json:"total_rejected"`
	RejectedByPriority map[task.Priority]uint64 `json:"rejected_by_priority"`
	AverageDurationMs  float64                  `json:"average_duration_ms"`

	SlowdownMultiplier float64       `json:"slowdown_multiplier"`
	History            []HistoryItem `json:"history,omitempty"`
}
