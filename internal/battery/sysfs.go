package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where Linux exposes power supplies.
const DefaultSysfsRoot = "/sys/class/power_supply"

// SysfsSignal reads the capacity of the first battery under Root.
type SysfsSignal struct {
	Root string
}

func NewSysfsSignal(root string) *SysfsSignal {
	if strings.TrimSpace(root) == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsSignal{Root: root}
}

func (s *SysfsSignal) Level(ctx context.Context) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	dirs, err := s.batteries()
	if err != nil {
		return 0, false, err
	}
	if len(dirs) == 0 {
		return 0, false, nil
	}
	b, err := os.ReadFile(filepath.Join(dirs[0], "capacity"))
	if err != nil {
		return 0, false, fmt.Errorf("read capacity: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false, fmt.Errorf("parse capacity %q: %w", strings.TrimSpace(string(b)), err)
	}
	return v, true, nil
}

// HasBattery reports whether any battery supply exists under Root.
func (s *SysfsSignal) HasBattery() bool {
	dirs, err := s.batteries()
	return err == nil && len(dirs) > 0
}

func (s *SysfsSignal) batteries() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		dir := filepath.Join(s.Root, e.Name())
		b, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(string(b)), "battery") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "capacity")); err != nil {
			continue
		}
		out = append(out, dir)
	}
	sort.Strings(out)
	return out, nil
}
