package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"audiotasks/internal/eventbus"
	"audiotasks/internal/task"
	"audiotasks/internal/task/engine"
	logx "audiotasks/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type Option func(*Service)

func WithLogger(log logx.Logger) Option      { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option        { return func(s *Service) { s.bus = bus } }
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func New(sub Submitter, reg Registry, opts ...Option) *Service {
	s := &Service{
		sub: sub,
		reg: reg,
		loc: time.Local,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Validate checks specs without registering them: every name must be
// unique and registered, and every schedule must parse.
func (s *Service) Validate(specs []Spec) error {
	_, err := s.build(specs)
	return err
}

func (s *Service) build(specs []Spec) (map[string]*jobDef, error) {
	defs := make(map[string]*jobDef, len(specs))
	var errs []error
	for _, sp := range specs {
		name := strings.TrimSpace(sp.Name)
		if name == "" {
			errs = append(errs, errors.New("job name required"))
			continue
		}
		if _, dup := defs[name]; dup {
			errs = append(errs, fmt.Errorf("job %q: duplicate", name))
			continue
		}
		work := s.reg[name]
		if work == nil {
			errs = append(errs, fmt.Errorf("job %q: no such job", name))
			continue
		}
		if !sp.Priority.Valid() {
			errs = append(errs, fmt.Errorf("job %q: invalid priority", name))
			continue
		}
		ps, err := ParseSchedule(sp.Schedule)
		if err == nil && ps.Kind == SpecCron {
			_, err = s.parser.Parse(ps.Cron)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", name, err))
			continue
		}
		sp.Name = name
		defs[name] = &jobDef{
			spec:   sp,
			parsed: ps,
			work:   work,
			jobState: &jobState{
				warn: rate.NewLimiter(rate.Every(enqueueWarnThrottle), 1),
			},
		}
	}
	return defs, errors.Join(errs...)
}

// Apply replaces the job set. Invalid specs leave the current set untouched.
// When running, the cron runner is rebuilt with the new set.
func (s *Service) Apply(specs []Spec) error {
	defs, err := s.build(specs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range defs {
		if old := s.defs[name]; old != nil {
			d.jobState = old.jobState
		}
	}
	s.defs = defs
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Start begins triggering. It is a no-op when already running.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering. Tasks already submitted keep running in the engine.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) startLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	now := time.Now().In(s.loc)
	for _, d := range s.defs {
		s.registerLocked(d, now)
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler reloaded", logx.Int("jobs", len(s.defs)))
}

func (s *Service) registerLocked(d *jobDef, now time.Time) {
	job := cron.FuncJob(func() { s.trigger(d) })
	if d.parsed.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(d.parsed.Every, now, d.spec.Name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
	} else {
		id, err := s.c.AddJob(d.parsed.Cron, job)
		if err != nil {
			// build already validated the expression.
			s.log.Error("job register failed", logx.String("job", d.spec.Name), logx.Err(err))
			return
		}
		d.entryID = id
	}
	s.log.Debug("job registered",
		logx.String("job", d.spec.Name),
		logx.String("spec", d.parsed.CronSpec()),
		logx.String("priority", d.spec.Priority.String()),
		logx.Duration("spread", d.spread),
	)
}

// RunNow submits the named job immediately, outside its schedule.
func (s *Service) RunNow(name string) (*engine.Future[struct{}], error) {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return nil, fmt.Errorf("job %q not configured", name)
	}
	f, ok := s.submit(d)
	if !ok {
		return nil, fmt.Errorf("job %q already pending", name)
	}
	return f, nil
}

func (s *Service) trigger(d *jobDef) {
	if _, ok := s.submit(d); !ok {
		s.log.Debug("job trigger skipped; previous run pending", logx.String("job", d.spec.Name))
	}
}

// submit hands d to the engine unless a previous run is still pending.
func (s *Service) submit(d *jobDef) (*engine.Future[struct{}], bool) {
	if !d.pending.CompareAndSwap(false, true) {
		d.skips.Add(1)
		return nil, false
	}
	d.runs.Add(1)
	args := d.spec.Args
	f := s.sub.Go(d.spec.Priority, func(ctx context.Context) error {
		return d.work(ctx, args)
	}, engine.Named("job."+d.spec.Name))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobTriggered, Time: time.Now(), Data: d.spec.Name})
	}

	go func() {
		_, err := f.Wait(context.Background())
		d.mu.Lock()
		d.lastAt = time.Now()
		d.lastErr = ""
		if err != nil {
			d.lastErr = err.Error()
		}
		d.mu.Unlock()
		d.pending.Store(false)
		if err != nil {
			s.reportError(d, err)
		}
	}()
	return f, true
}

// reportError logs job failures, at most once per enqueueWarnThrottle per job.
func (s *Service) reportError(d *jobDef, err error) {
	if errors.Is(err, task.ErrStopped) || !d.warn.Allow() {
		return
	}
	name := d.spec.Name
	if task.IsRejected(err) {
		s.log.Warn("job rejected by task engine", logx.String("job", name), logx.Err(err))
		return
	}
	s.log.Warn("job failed", logx.String("job", name), logx.Err(err))
}

// Snapshot lists jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.defs))
	defs := make([]*jobDef, 0, len(s.defs))
	for _, d := range s.defs {
		it := JobInfo{
			Name:     d.spec.Name,
			Spec:     d.parsed.CronSpec(),
			Priority: d.spec.Priority,
			Spread:   d.spread,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
		defs = append(defs, d)
	}
	s.mu.Unlock()

	for i, d := range defs {
		it := &out[i]
		it.Pending = d.pending.Load()
		it.Runs = d.runs.Load()
		it.Skips = d.skips.Load()
		d.mu.Lock()
		it.LastAt, it.LastErr = d.lastAt, d.lastErr
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
