package task

import (
	"fmt"
	"strings"
)

// Priority is a closed set of task classes. Each class owns its own queue and
// dequeue discipline; values are not comparable as a numeric scale.
type Priority int

const (
	Light Priority = iota
	Medium
	Heavy
)

// Priorities lists every class in dispatch order (most urgent first).
var Priorities = [...]Priority{Heavy, Medium, Light}

func (p Priority) String() string {
	switch p {
	case Light:
		return "light"
	case Medium:
		return "medium"
	case Heavy:
		return "heavy"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known classes.
func (p Priority) Valid() bool { return p >= Light && p <= Heavy }

// ParsePriority accepts the lowercase names used in config files.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "light", "low":
		return Light, nil
	case "medium", "normal":
		return Medium, nil
	case "heavy", "high":
		return Heavy, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
