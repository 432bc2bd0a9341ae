// Package storage persists monitor reports and terminal task outcomes so
// health history survives restarts.
//
// Backends:
//   - file: JSON Lines files, compacted to the configured retention
//   - sqlite: modernc.org/sqlite (build with -tags sqlite)
package storage
