package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"audiotasks/internal/app"
	"audiotasks/internal/config"
	"audiotasks/internal/task"
)

func main() {
	var (
		cfgPath     string
		check       bool
		runJob      string
		statusEvery time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to config (json or yaml); empty uses defaults")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.StringVar(&runJob, "run", "", "run one configured job now, wait for it and exit")
	flag.DurationVar(&statusEvery, "status-every", 30*time.Second, "interval of the status line sent to the service manager")
	flag.Parse()

	if check {
		if err := checkConfig(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "config invalid:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	if runJob != "" {
		err := runOnce(ctx, a, runJob)
		stop(a, app.StopAppStop)
		if err != nil {
			fmt.Fprintln(os.Stderr, "job failed:", err)
			os.Exit(1)
		}
		return
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go notifyLoop(ctx, a, statusEvery)
	go handleSignals(ctx, a)

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func checkConfig(path string) error {
	if path == "" {
		return config.Default().Validate()
	}
	_, err := config.NewConfigManager(path).Load()
	return err
}

func runOnce(ctx context.Context, a *app.App, name string) error {
	f, err := a.Scheduler().RunNow(name)
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	if errors.Is(err, task.ErrStopped) {
		return fmt.Errorf("interrupted: %w", err)
	}
	return err
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
}

// notifyLoop sends the status line and, when the unit has WatchdogSec set,
// keep-alive pings to systemd. Both are no-ops outside systemd.
func notifyLoop(ctx context.Context, a *app.App, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	wd, _ := daemon.SdWatchdogEnabled(false)
	tick := every
	if wd > 0 && wd/2 < tick {
		tick = wd / 2
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	lastStatus := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Done():
			return
		case now := <-t.C:
			if wd > 0 {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
			if now.Sub(lastStatus) >= every {
				_, _ = daemon.SdNotify(false, "STATUS="+a.Status().Line())
				lastStatus = now
			}
		}
	}
}

// handleSignals dumps the status as JSON to stdout on SIGUSR1 and reopens
// the log file on SIGHUP (after logrotate moved it).
func handleSignals(ctx context.Context, a *app.App) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(ch)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if sig == syscall.SIGHUP {
				a.ReopenLogs()
				continue
			}
			_ = enc.Encode(a.Status())
		}
	}
}
