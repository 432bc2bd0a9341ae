package storage

import (
	"context"
	"errors"
	"strings"

	"audiotasks/internal/task/monitor"
	logx "audiotasks/pkg/logx"
)

// Store is the persistence API used by the monitor and the app.
// It satisfies monitor.ReportSink.
type Store interface {
	AppendReport(ctx context.Context, r monitor.Report) error
	// RecentReports returns up to n reports, newest first.
	RecentReports(ctx context.Context, n int) ([]monitor.Report, error)
	AppendOutcome(ctx context.Context, o Outcome) error
	// RecentOutcomes returns up to n outcomes, newest first.
	RecentOutcomes(ctx context.Context, n int) ([]Outcome, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Comp("storage")

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
