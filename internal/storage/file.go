package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"audiotasks/internal/task/monitor"
	logx "audiotasks/pkg/logx"
)

// fileStore keeps two append-only JSON Lines files:
//   - <prefix>.reports.jsonl
//   - <prefix>.outcomes.jsonl
//
// With Keep > 0 a file is rewritten to its newest Keep lines once it holds
// twice that many.
type fileStore struct {
	log  logx.Logger
	keep int

	mu       sync.Mutex
	reports  *jsonlFile
	outcomes *jsonlFile
}

type jsonlFile struct {
	path  string
	f     *os.File
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	reports, err := openJSONL(prefix + ".reports.jsonl")
	if err != nil {
		return nil, err
	}
	outcomes, err := openJSONL(prefix + ".outcomes.jsonl")
	if err != nil {
		_ = reports.close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("reports", reports.lines), logx.Int("outcomes", outcomes.lines))
	return &fileStore{log: log, keep: cfg.Keep, reports: reports, outcomes: outcomes}, nil
}

func openJSONL(path string) (*jsonlFile, error) {
	lines, err := readLines(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &jsonlFile{path: path, f: f, lines: len(lines)}, nil
}

func (j *jsonlFile) close() error {
	if j == nil || j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *jsonlFile) append(v any, keep int) error {
	if j.f == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		return err
	}
	j.lines++
	if keep > 0 && j.lines >= 2*keep {
		return j.compact(keep)
	}
	return nil
}

// compact rewrites the file with its newest keep lines via a temp file and
// rename, then reopens it for appending.
func (j *jsonlFile) compact(keep int) error {
	lines, err := readLines(j.path)
	if err != nil {
		return err
	}
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	tmp := j.path + ".tmp"
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	_ = j.f.Close()
	j.f = nil
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	j.f = f
	j.lines = len(lines)
	return nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out, sc.Err()
}

// readRecent decodes up to n records, newest first. Lines that fail to
// decode (e.g. a torn write) are skipped.
func readRecent[T any](path string, n int, log logx.Logger) ([]T, error) {
	lines, err := readLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, min(n, len(lines)))
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		var v T
		if err := json.Unmarshal(lines[i], &v); err != nil {
			log.Warn("skipping corrupt record", logx.String("path", path), logx.Err(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.reports.close(), s.outcomes.close())
}

func (s *fileStore) AppendReport(ctx context.Context, r monitor.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports.append(r, s.keep)
}

func (s *fileStore) RecentReports(ctx context.Context, n int) ([]monitor.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRecent[monitor.Report](s.reports.path, n, s.log)
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes.append(o, s.keep)
}

func (s *fileStore) RecentOutcomes(ctx context.Context, n int) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRecent[Outcome](s.outcomes.path, n, s.log)
}
