package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "audiotasks/pkg/logx"
)

// Editors often write a file in several steps; reload once they settle.
const reloadDebounce = 250 * time.Millisecond

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watch reloads the file whenever it changes until ctx ends. The parent
// directory is watched so a file replaced by rename keeps being followed.
// A broken watcher is returned as an error; callers run Watch under a
// restarting supervisor.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(reloadDebounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				settle.Reset(reloadDebounce)
			}
		case <-settle.C:
			m.reloadAndLog(ctx)
		}
	}
}

func (m *ConfigManager) reloadAndLog(ctx context.Context) {
	changed, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	case changed:
		m.log.Info("config reloaded", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged", logx.String("path", m.path))
	}
}
