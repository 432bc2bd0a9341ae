package app

import (
	"context"
	"strings"

	"audiotasks/internal/config"
	logx "audiotasks/pkg/logx"
)

// reloadLoop applies committed config reloads. Logging and jobs change live;
// the remaining sections are read once and only produce a warning.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(ch.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, ch.Fields...)...)

	if ch.Has("logging") {
		a.logs.Apply(newCfg.LogConfig())
	}
	if ch.Has("jobs") {
		specs, err := newCfg.JobSpecs()
		if err == nil {
			err = a.sched.Apply(specs)
		}
		if err != nil {
			a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")),
		)
	}
	a.log.Info("config reloaded", changed)
}
