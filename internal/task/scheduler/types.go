package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"audiotasks/internal/eventbus"
	"audiotasks/internal/task"
	"audiotasks/internal/task/engine"
	logx "audiotasks/pkg/logx"
)

// Work is a schedulable job body. args come from the job's config entry.
type Work func(ctx context.Context, args map[string]string) error

// Registry maps job names to their work.
type Registry map[string]Work

// Spec is one configured job.
type Spec struct {
	Name     string
	Schedule string
	Priority task.Priority
	Args     map[string]string
}

// Submitter is the slice of the task engine the scheduler needs.
// *engine.Manager implements it.
type Submitter interface {
	Go(p task.Priority, work func(ctx context.Context) error, opts ...engine.SubmitOption) *engine.Future[struct{}]
}

type jobDef struct {
	spec    Spec
	parsed  ParsedSpec
	work    Work
	entryID cron.EntryID
	spread  time.Duration

	// Shared with the previous definition of the same name across Apply,
	// so a run still pending during a reload keeps blocking triggers.
	*jobState
}

type jobState struct {
	// pending is set from trigger until the submitted task resolves; a
	// trigger that finds it set is skipped.
	pending atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64

	warn *rate.Limiter

	mu      sync.Mutex
	lastErr string
	lastAt  time.Time
}

// Service owns the cron runner and the job definitions.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	sub Submitter
	reg Registry

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef
}

// JobInfo is the per-job view returned by Snapshot.
type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Priority task.Priority `json:"priority"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Spread   time.Duration `json:"spread,omitempty"`
	Pending  bool          `json:"pending"`
	Runs     uint64        `json:"runs"`
	Skips    uint64        `json:"skips"`
	LastAt   time.Time     `json:"last_at,omitempty"`
	LastErr  string        `json:"last_err,omitempty"`
}
