// Package units restarts and inspects systemd units over D-Bus. Library jobs
// use it to restart a media server once the library on disk has changed.
package units

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Status is the core state of one unit.
type Status struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`    // active, inactive, failed, ...
	SubState    string    `json:"sub_state"` // running, dead, ...
	LoadState   string    `json:"load_state"`
	ActiveSince time.Time `json:"active_since,omitempty"`
}

// Controller is the unit API used by jobs. *Manager implements it.
type Controller interface {
	Restart(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (Status, error)
	Close() error
}

// Connector opens a Controller on the system bus, or the user bus when user
// is set.
type Connector func(ctx context.Context, user bool) (Controller, error)

var ErrClosed = errors.New("systemd connection is closed")

// Manager talks to systemd over one D-Bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens the system (or user) manager connection.
func Connect(ctx context.Context, user bool) (Controller, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Restart restarts unit and waits for the job to complete.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ErrClosed
	}
	name := UnitName(unit)
	done := make(chan string, 1)
	if _, err := m.conn.RestartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", name, res)
		}
		return nil
	}
}

// Status reads the unit's state properties. A unit systemd does not know
// reports LoadState "not-found" rather than an error.
func (m *Manager) Status(ctx context.Context, unit string) (Status, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return Status{}, ErrClosed
	}
	name := UnitName(unit)
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnit(err) {
			return notFound(name), nil
		}
		return Status{}, fmt.Errorf("status %s: %w", name, err)
	}
	st := Status{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		ActiveSince: timeProp(props, "ActiveEnterTimestamp"),
	}
	if st.LoadState == "not-found" {
		return notFound(name), nil
	}
	return st, nil
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func notFound(name string) Status {
	return Status{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func isNoSuchUnit(err error) bool {
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not-found")
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// timeProp decodes a systemd timestamp (microseconds since the epoch).
func timeProp(props map[string]any, key string) time.Time {
	if us, ok := props[key].(uint64); ok && us > 0 {
		return time.UnixMicro(int64(us))
	}
	return time.Time{}
}
