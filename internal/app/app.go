package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"audiotasks/internal/battery"
	"audiotasks/internal/config"
	"audiotasks/internal/eventbus"
	"audiotasks/internal/library"
	"audiotasks/internal/observability/debughttp"
	"audiotasks/internal/runtime/supervisor"
	"audiotasks/internal/storage"
	"audiotasks/internal/task/engine"
	"audiotasks/internal/task/monitor"
	"audiotasks/internal/task/scheduler"
	"audiotasks/internal/units"
	logx "audiotasks/pkg/logx"
)

// App wires the task engine with its monitor, the battery signal, report
// storage and the job scheduler.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	signal  battery.Signal
	battery *battery.Monitor
	monitor *monitor.Monitor
	engine  *engine.Manager
	sched   *scheduler.Service
	debug   *debughttp.Server

	stopOnce sync.Once
	started  time.Time
}

type Option func(*options)

type options struct {
	jobs scheduler.Registry
}

// WithJobs adds jobs to the registry on top of the built-in jobs. A job with
// the same name replaces the library one.
func WithJobs(reg scheduler.Registry) Option {
	return func(o *options) { o.jobs = reg }
}

// New loads cfgPath (or the defaults when cfgPath is empty) and builds every
// component without starting any of them.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	var cfg *config.Config
	if cfgPath == "" {
		cfg = config.Default()
		cfgm.Commit(cfg)
	} else {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(cfg.LogConfig())
	cfgm.SetLogger(log.Comp("config"))
	bus := eventbus.New()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.Comp("app"),
		logs:    logSvc,
		bus:     bus,
	}
	if err := a.build(cfg, log, o); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, o options) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	a.store = store

	sig, batt, err := newBattery(cfg, log, a.bus)
	if err != nil {
		return err
	}
	a.signal, a.battery = sig, batt

	mcfg, err := cfg.MonitorConfig()
	if err != nil {
		return err
	}
	mopts := []monitor.Option{monitor.WithLogger(log.Comp("task.monitor")), monitor.WithBus(a.bus)}
	if store != nil {
		mopts = append(mopts, monitor.WithSink(store))
	}
	a.monitor = monitor.New(mcfg, mopts...)

	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg,
		engine.WithLogger(log.Comp("task.engine")),
		engine.WithBus(a.bus),
		engine.WithRecorder(a.monitor),
		engine.WithThrottle(a.battery),
	)

	reg := library.Jobs(log.Comp("library"))
	for name, w := range units.Jobs(log.Comp("units"), nil) {
		reg[name] = w
	}
	for name, w := range o.jobs {
		reg[name] = w
	}
	a.sched = scheduler.New(a.engine, reg,
		scheduler.WithLogger(log.Comp("scheduler")),
		scheduler.WithBus(a.bus),
	)
	specs, err := cfg.JobSpecs()
	if err != nil {
		return err
	}
	if err := a.sched.Apply(specs); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}

	if cfg.Debug.Enabled {
		a.debug = debughttp.New(cfg.DebugHTTPConfig(), backend{a}, log.Comp("debug"))
	}

	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		specs, err := c.JobSpecs()
		if err != nil {
			return err
		}
		return a.sched.Validate(specs)
	})
	return nil
}

func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Engine() *engine.Manager            { return a.engine }
func (a *App) Monitor() *monitor.Monitor          { return a.monitor }
func (a *App) Battery() *battery.Monitor          { return a.battery }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *App) Debug() *debughttp.Server           { return a.debug }

// ReopenLogs reopens the log file so a rotated file is released.
func (a *App) ReopenLogs() {
	a.logs.Reopen()
	a.log.Info("log file reopened")
}

// Done is closed once the app's run context is cancelled, either by Stop or
// by a fatal loop error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.started = time.Now()
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.Comp("supervisor")),
		supervisor.WithCancelOnError(true),
	)

	// Subscribe before the engine starts so no outcome is missed.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, eventbus.TypeTaskFinished, eventbus.TypeTaskFailed)
		a.sup.Go0("outcomes.persist", func(c context.Context) {
			defer unsub()
			a.persistOutcomes(c, events)
		})
	}
	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.engine.Start(a.sup.Context())

	if a.battery.Enabled() {
		a.sup.GoRestart("battery.poll", a.battery.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	a.sup.GoRestart("task.report", func(c context.Context) error {
		return a.monitor.Run(c, a.engine)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sched.Start(a.sup.Context())

	if a.debug != nil {
		a.sup.GoRestart("debug.http", a.debug.Serve,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	if a.cfgPath != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}

	a.log.Info("app started",
		logx.Int("workers", a.engine.MaxConcurrent()),
		logx.Bool("battery", a.battery.Enabled()),
		logx.Bool("storage", a.store != nil),
		logx.Int("jobs", len(a.sched.Snapshot())),
	)
	return nil
}

// Stop halts triggering, drains the engine and waits for supervised loops.
// Each step is bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup == nil {
		a.closeResources()
		return nil
	}

	var firstErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				if firstErr == nil {
					firstErr = err
				}
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", name, stepCtx.Err())
			}
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("task.engine", 5*time.Second, a.engine.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		// Loop failures are reported through Err; only a timeout matters here.
		if err := a.sup.Stop(c); c.Err() != nil {
			return err
		}
		return nil
	})
	step("report", time.Second, func(c context.Context) error {
		a.monitor.Report(c, a.engine.QueueState())
		return nil
	})

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	a.closeResources()
	return firstErr
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if c, ok := a.signal.(io.Closer); ok {
		_ = c.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// boundedContext derives a context that ends after max, never extending the
// caller's deadline.
func boundedContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
