package battery

import (
	"context"
	"fmt"
	"strings"
)

// StaticSignal always reports the same level. Useful for pinning the tier in
// config (e.g. to test throttling on a desktop).
type StaticSignal int

func (s StaticSignal) Level(context.Context) (int, bool, error) { return clampLevel(int(s)), true, nil }

// Detect builds the signal named by source:
//   - "none": no signal (multiplier stays 1.0)
//   - "sysfs": /sys/class/power_supply (sysfsRoot overrides the path)
//   - "upower": UPower display device over D-Bus
//   - "static": StaticSignal(staticLevel)
//   - "auto" or "": sysfs when a battery is present, otherwise none
//
// A nil Signal with a nil error means the host has no battery to watch.
func Detect(source, sysfsRoot string, staticLevel int) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "none", "off", "disabled":
		return nil, nil
	case "sysfs":
		return NewSysfsSignal(sysfsRoot), nil
	case "upower":
		return NewUPowerSignal(), nil
	case "static":
		return StaticSignal(staticLevel), nil
	case "", "auto":
		s := NewSysfsSignal(sysfsRoot)
		if s.HasBattery() {
			return s, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown battery source %q", source)
	}
}
