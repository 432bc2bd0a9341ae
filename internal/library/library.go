// Package library holds the background work the daemon schedules against a
// local audio library: scanning it, pruning its cache and refreshing the
// metadata index.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"audiotasks/internal/task"
	"audiotasks/internal/task/scheduler"
	logx "audiotasks/pkg/logx"
)

// IndexFile is written into the library root by Index.
const IndexFile = ".audiotasks-index.json"

var defaultExts = []string{".flac", ".mp3", ".ogg", ".opus", ".m4a", ".wav"}

// ScanResult summarizes one library walk.
type ScanResult struct {
	Root    string         `json:"root"`
	Files   int            `json:"files"`
	Bytes   int64          `json:"bytes"`
	ByExt   map[string]int `json:"by_ext"`
	Newest  time.Time      `json:"newest"`
	Scanned time.Time      `json:"scanned"`
}

// Scan walks root and counts audio files by extension. exts defaults to
// common audio formats. A missing root is a permanent failure.
func Scan(ctx context.Context, root string, exts []string) (ScanResult, error) {
	if len(exts) == 0 {
		exts = defaultExts
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		want[e] = true
	}

	res := ScanResult{Root: root, ByExt: map[string]int{}}
	if err := checkDir(root); err != nil {
		return res, err
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !want[ext] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		res.Files++
		res.Bytes += info.Size()
		res.ByExt[ext]++
		if info.ModTime().After(res.Newest) {
			res.Newest = info.ModTime()
		}
		return nil
	})
	res.Scanned = time.Now()
	return res, err
}

// Prune removes regular files under dir older than maxAge and returns how
// many files and bytes were freed.
func Prune(ctx context.Context, dir string, maxAge time.Duration) (files int, freed int64, err error) {
	if maxAge <= 0 {
		return 0, 0, task.NoRetry(fmt.Errorf("prune %s: max age must be > 0", dir))
	}
	if err := checkDir(dir); err != nil {
		return 0, 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		files++
		freed += info.Size()
		return nil
	})
	return files, freed, err
}

// Index scans root and writes the result to root/IndexFile atomically.
func Index(ctx context.Context, root string, exts []string) (ScanResult, error) {
	res, err := Scan(ctx, root, exts)
	if err != nil {
		return res, err
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return res, err
	}
	dst := filepath.Join(root, IndexFile)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return res, err
	}
	return res, os.Rename(tmp, dst)
}

func checkDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return task.NoRetry(errors.New("directory not configured"))
	}
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return task.NoRetry(err)
	}
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return task.NoRetry(fmt.Errorf("%s is not a directory", dir))
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Jobs returns the schedulable job bodies keyed by name. Arguments:
//
//	library.scan    dir, exts (comma separated)
//	library.index   dir, exts
//	cache.prune     dir, max_age (Go duration, default 168h)
func Jobs(log logx.Logger) scheduler.Registry {
	return scheduler.Registry{
		"library.scan": func(ctx context.Context, args map[string]string) error {
			res, err := Scan(ctx, args["dir"], splitList(args["exts"]))
			if err != nil {
				return err
			}
			log.Info("library scanned",
				logx.String("dir", res.Root),
				logx.Int("files", res.Files),
				logx.String("size", humanize.IBytes(uint64(res.Bytes))),
				logx.String("formats", formatCounts(res.ByExt)),
			)
			return nil
		},
		"library.index": func(ctx context.Context, args map[string]string) error {
			res, err := Index(ctx, args["dir"], splitList(args["exts"]))
			if err != nil {
				return err
			}
			log.Info("library index written", logx.String("dir", res.Root), logx.Int("files", res.Files))
			return nil
		},
		"cache.prune": func(ctx context.Context, args map[string]string) error {
			maxAge := 7 * 24 * time.Hour
			if v := args["max_age"]; v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return task.NoRetry(fmt.Errorf("cache.prune: max_age: %w", err))
				}
				maxAge = d
			}
			n, freed, err := Prune(ctx, args["dir"], maxAge)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("cache pruned", logx.String("dir", args["dir"]), logx.Int("files", n), logx.String("freed", humanize.IBytes(uint64(freed))))
			}
			return nil
		},
	}
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", strings.TrimPrefix(k, "."), m[k]))
	}
	return strings.Join(parts, " ")
}
