// Package monitor aggregates task execution statistics for the engine.
//
// The monitor is observational: the engine records outcomes into it, and the
// periodic reporter reads engine state through StateSource. Nothing here
// mutates scheduler state.
package monitor
