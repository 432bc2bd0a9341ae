package engine

import (
	"errors"
	"runtime"
)

// CoreDetector reports the number of usable CPU cores.
type CoreDetector func() (int, error)

// NumCPU is the default CoreDetector.
func NumCPU() (int, error) {
	n := runtime.NumCPU()
	if n <= 0 {
		return 0, errors.New("cpu count unavailable")
	}
	return n, nil
}

const (
	minWorkers      = 2
	maxWorkers      = 4
	fallbackWorkers = 2
)

// WorkersForCores maps a core count to the pool size: up to 2 cores get 2
// workers, 3-4 cores get 3, anything larger gets 4.
func WorkersForCores(cores int) int {
	switch {
	case cores <= 2:
		return minWorkers
	case cores <= 4:
		return 3
	default:
		return maxWorkers
	}
}

func detectWorkers(d CoreDetector) (int, error) {
	if d == nil {
		d = NumCPU
	}
	n, err := d()
	if err != nil {
		return fallbackWorkers, err
	}
	if n <= 0 {
		return fallbackWorkers, errors.New("cpu detector returned no cores")
	}
	return WorkersForCores(n), nil
}
