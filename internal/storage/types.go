package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds the number of reports and outcomes retained. 0 keeps all.
	Keep int
}

// Outcome is one terminal task result.
type Outcome struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	Priority   string    `json:"priority"`
	Attempts   int       `json:"attempts"`
	QueueDelay int64     `json:"queue_delay_ms"`
	Took       int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
}
