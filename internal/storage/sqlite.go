//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"audiotasks/internal/task/monitor"
	logx "audiotasks/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: cfg.Keep, pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendReport(ctx context.Context, r monitor.Report) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports(at, healthy, executed, failed, rejected, body) VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), boolInt(r.Health.Healthy),
		r.Counters.Executed, r.Counters.Failed, r.Counters.Rejected, string(body),
	)
	s.maybePrune(err)
	return err
}

func (s *sqliteStore) RecentReports(ctx context.Context, n int) ([]monitor.Report, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM reports ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.Report
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r monitor.Report
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			s.log.Warn("skipping corrupt report row", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, task_id, name, priority, attempts, queue_delay_ms, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.At.UTC().Format(time.RFC3339Nano), o.TaskID, o.Name, o.Priority, o.Attempts,
		o.QueueDelay, o.Took, nullStr(o.Error),
	)
	s.maybePrune(err)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, n int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, name, priority, attempts, queue_delay_ms, took_ms, err
		 FROM outcomes ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o      Outcome
			at     string
			errStr sql.NullString
		)
		if err := rows.Scan(&at, &o.TaskID, &o.Name, &o.Priority, &o.Attempts, &o.QueueDelay, &o.Took, &errStr); err != nil {
			return nil, err
		}
		o.At, _ = time.Parse(time.RFC3339Nano, at)
		o.Error = errStr.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) maybePrune(err error) {
	if err != nil || s.keep <= 0 || s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	for _, table := range []string{"reports", "outcomes"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE id <= (SELECT MAX(id) FROM %s) - ?`, table, table)
		if _, err := s.db.ExecContext(ctx, q, s.keep); err != nil {
			s.log.Warn("prune failed", logx.String("table", table), logx.Err(err))
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
