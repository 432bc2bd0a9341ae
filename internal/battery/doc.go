// Package battery polls the host battery level and turns it into a coarse
// slowdown multiplier used to throttle background work.
//
// The package is a signal source only; it knows nothing about tasks.
package battery
