package config

import (
	"errors"
	"fmt"
	"strings"

	"audiotasks/internal/battery"
	"audiotasks/internal/observability/debughttp"
	"audiotasks/internal/storage"
	"audiotasks/internal/task"
	"audiotasks/internal/task/engine"
	"audiotasks/internal/task/monitor"
	"audiotasks/internal/task/scheduler"
	logx "audiotasks/pkg/logx"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Battery: BatteryConfig{Source: "auto"},
	}
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) EngineConfig() (engine.Config, error) {
	te := c.TaskEngine
	out := engine.Config{
		Workers:     te.Workers,
		LightCap:    te.LightCap,
		MediumCap:   te.MediumCap,
		HeavyCap:    te.HeavyCap,
		MaxRetries:  te.MaxRetries,
		HistorySize: te.HistorySize,
	}
	var err error
	if out.RetryDelay, err = ParseDurationField("task_engine.retry_delay", te.RetryDelay); err != nil {
		return out, err
	}
	if out.ThrottleBase, err = ParseDurationField("task_engine.throttle_base", te.ThrottleBase); err != nil {
		return out, err
	}
	if out.TaskTimeout, err = ParseDurationField("task_engine.task_timeout", te.TaskTimeout); err != nil {
		return out, err
	}
	if out.RetryPlacement, err = engine.ParseRetryPlacement(te.RetryPlacement); err != nil {
		return out, fmt.Errorf("task_engine.retry_placement: %w", err)
	}
	if te.Workers < 0 || te.LightCap < 0 || te.MediumCap < 0 || te.HeavyCap < 0 || te.HistorySize < 0 {
		return out, errors.New("task_engine: workers, caps and history_size must be >= 0")
	}
	return out, nil
}

func (c *Config) MonitorConfig() (monitor.Config, error) {
	mc := c.Monitor
	out := monitor.Config{
		QueueThreshold:   mc.QueueThreshold,
		MinSuccessRate:   mc.MinSuccessRate,
		MaxRejectionRate: mc.MaxRejectionRate,
	}
	var err error
	if out.ReportInterval, err = ParseDurationField("monitor.report_interval", mc.ReportInterval); err != nil {
		return out, err
	}
	if mc.MinSuccessRate < 0 || mc.MinSuccessRate > 1 || mc.MaxRejectionRate < 0 || mc.MaxRejectionRate > 1 {
		return out, errors.New("monitor: rates must be within [0,1]")
	}
	return out, nil
}

func (c *Config) BatteryConfig() (battery.Config, error) {
	bc := c.Battery
	out := battery.Config{LowThreshold: bc.LowThreshold, CriticalThreshold: bc.CriticalThreshold}
	var err error
	if out.PollInterval, err = ParseDurationField("battery.poll_interval", bc.PollInterval); err != nil {
		return out, err
	}
	if bc.LowThreshold < 0 || bc.LowThreshold > 100 || bc.CriticalThreshold < 0 || bc.CriticalThreshold > 100 {
		return out, errors.New("battery: thresholds must be within [0,100]")
	}
	if bc.LowThreshold > 0 && bc.CriticalThreshold > bc.LowThreshold {
		return out, errors.New("battery: critical_threshold must not exceed low_threshold")
	}
	switch strings.ToLower(strings.TrimSpace(bc.Source)) {
	case "", "auto", "sysfs", "upower", "static", "none", "off", "disabled":
	default:
		return out, fmt.Errorf("battery.source: unknown source %q", bc.Source)
	}
	return out, nil
}

func (c *Config) StorageConfig() (storage.Config, error) {
	sc := c.Storage
	out := storage.Config{Driver: sc.Driver, Path: sc.Path, Keep: sc.Keep}
	var err error
	if out.BusyTimeout, err = ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return out, err
	}
	if sc.Keep < 0 {
		return out, errors.New("storage.keep must be >= 0")
	}
	return out, nil
}

func (c *Config) DebugHTTPConfig() debughttp.Config {
	return debughttp.Config{
		Addr:          strings.TrimSpace(c.Debug.Addr),
		Token:         strings.TrimSpace(c.Debug.Token),
		AllowInsecure: c.Debug.AllowInsecure,
	}
}

// JobSpecs returns the enabled jobs. Priority defaults to medium.
func (c *Config) JobSpecs() ([]scheduler.Spec, error) {
	out := make([]scheduler.Spec, 0, len(c.Jobs))
	for i, j := range c.Jobs {
		if !j.IsEnabled() {
			continue
		}
		p := task.Medium
		if strings.TrimSpace(j.Priority) != "" {
			var err error
			if p, err = task.ParsePriority(j.Priority); err != nil {
				return nil, fmt.Errorf("jobs[%d].priority: %w", i, err)
			}
		}
		out = append(out, scheduler.Spec{Name: j.Name, Schedule: j.Schedule, Priority: p, Args: j.Args})
	}
	return out, nil
}

// Validate resolves every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := c.EngineConfig()
	collect(err)
	_, err = c.MonitorConfig()
	collect(err)
	_, err = c.BatteryConfig()
	collect(err)
	_, err = c.StorageConfig()
	collect(err)
	if c.Debug.Enabled {
		collect(c.DebugHTTPConfig().Validate())
	}
	specs, err := c.JobSpecs()
	collect(err)
	for i, sp := range specs {
		if _, err := scheduler.ParseSchedule(sp.Schedule); err != nil {
			collect(fmt.Errorf("jobs[%d] %q: %w", i, sp.Name, err))
		}
	}
	return errors.Join(errs...)
}
