package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"audiotasks/internal/runtime/supervisor"
	"audiotasks/internal/task/engine"
	"audiotasks/internal/task/monitor"
	"audiotasks/internal/task/scheduler"
)

// Status is a point-in-time view of the running app.
type Status struct {
	StartedAt  time.Time           `json:"started_at"`
	Engine     engine.Statistics   `json:"engine"`
	Health     monitor.Health      `json:"health"`
	Battery    BatteryStatus       `json:"battery"`
	Jobs       []scheduler.JobInfo `json:"jobs,omitempty"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

type BatteryStatus struct {
	Enabled    bool      `json:"enabled"`
	Level      int       `json:"level"`
	Known      bool      `json:"known"`
	Tier       string    `json:"tier"`
	Multiplier float64   `json:"multiplier"`
	LastPoll   time.Time `json:"last_poll,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt: a.started,
		Engine:    a.engine.Statistics(),
		Health:    a.monitor.CheckHealth(a.engine.QueueState()),
		Jobs:      a.sched.Snapshot(),
	}
	st.Battery.Enabled = a.battery.Enabled()
	st.Battery.Level, st.Battery.Known = a.battery.Level()
	st.Battery.Tier = a.battery.Tier().String()
	st.Battery.Multiplier = a.battery.SlowdownMultiplier()
	st.Battery.LastPoll, _ = a.battery.LastPoll()
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// Line renders a one-line human summary, e.g. for a service manager status.
func (s Status) Line() string {
	e := s.Engine
	var b strings.Builder
	fmt.Fprintf(&b, "active %d/%d, queued %d/%d/%d, done %s, failed %s, rejected %s",
		e.ActiveTasks, e.MaxConcurrent,
		e.QueuedHeavy, e.QueuedMedium, e.QueuedLight,
		humanize.Comma(int64(e.TotalExecuted)),
		humanize.Comma(int64(e.TotalFailed)),
		humanize.Comma(int64(e.TotalRejected)),
	)
	if e.Paused {
		b.WriteString(", paused")
	}
	if s.Battery.Known {
		fmt.Fprintf(&b, ", battery %d%% (%s)", s.Battery.Level, s.Battery.Tier)
	}
	if !s.Health.Healthy {
		fmt.Fprintf(&b, ", unhealthy: %s", strings.Join(s.Health.Issues, "; "))
	}
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", up since %s", humanize.Time(s.StartedAt))
	}
	return b.String()
}

// backend exposes the app to the debug endpoint.
type backend struct{ a *App }

func (b backend) Status() any       { return b.a.Status() }
func (b backend) PauseNonCritical() { b.a.engine.PauseNonCritical() }
func (b backend) Resume()           { b.a.engine.Resume() }

func (b backend) RunJob(name string) error {
	_, err := b.a.sched.RunNow(name)
	return err
}
