package config

import (
	"reflect"

	logx "audiotasks/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"task_engine": true,
	"battery":     true,
	"storage":     true,
	"monitor":     true,
	"debug":       true,
}

// Change summarizes a reload.
type Change struct {
	Sections []string
	// RestartRequired lists changed sections that are read once at startup.
	RestartRequired []string
	Fields          []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, changed bool, fields ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, section)
		if restartSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	mark("task_engine", oldCfg.TaskEngine != newCfg.TaskEngine,
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		logx.Int("task_engine.max_retries", newCfg.TaskEngine.MaxRetries),
	)
	mark("monitor", oldCfg.Monitor != newCfg.Monitor,
		logx.String("monitor.report_interval", newCfg.Monitor.ReportInterval),
	)
	mark("battery", oldCfg.Battery != newCfg.Battery,
		logx.String("battery.source", newCfg.Battery.Source),
	)
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("debug", oldCfg.Debug != newCfg.Debug,
		logx.Bool("debug.enabled", newCfg.Debug.Enabled),
		logx.String("debug.addr", newCfg.Debug.Addr),
	)
	mark("jobs", !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs),
		logx.Int("jobs.count", len(newCfg.Jobs)),
	)
	return ch
}
