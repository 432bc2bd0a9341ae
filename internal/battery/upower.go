package battery

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	upowerDest    = "org.freedesktop.UPower"
	upowerDisplay = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	upowerDevice  = "org.freedesktop.UPower.Device"
)

// UPowerSignal reads the aggregated display device from UPower over the
// system bus. The connection is opened lazily and reused.
type UPowerSignal struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewUPowerSignal() *UPowerSignal { return &UPowerSignal{} }

func (s *UPowerSignal) Level(ctx context.Context) (int, bool, error) {
	conn, err := s.connect()
	if err != nil {
		return 0, false, err
	}
	obj := conn.Object(upowerDest, upowerDisplay)

	present, err := getProperty(ctx, obj, "IsPresent")
	if err != nil {
		s.reset()
		return 0, false, err
	}
	if ok, _ := present.Value().(bool); !ok {
		return 0, false, nil
	}

	pct, err := getProperty(ctx, obj, "Percentage")
	if err != nil {
		s.reset()
		return 0, false, err
	}
	f, ok := pct.Value().(float64)
	if !ok {
		return 0, false, fmt.Errorf("upower: unexpected percentage type %T", pct.Value())
	}
	return int(math.Round(f)), true, nil
}

func (s *UPowerSignal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *UPowerSignal) connect() (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("upower: connect system bus: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *UPowerSignal) reset() {
	_ = s.Close()
}

func getProperty(ctx context.Context, obj dbus.BusObject, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, upowerDevice, name)
	if call.Err != nil {
		return v, fmt.Errorf("upower: get %s: %w", name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return v, fmt.Errorf("upower: decode %s: %w", name, err)
	}
	return v, nil
}
