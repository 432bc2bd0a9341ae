// Package logx is the structured logger used across audiotasks: a value-type
// Logger over zerolog, human-readable on the console and JSON in the log
// file, with sinks and level swappable at runtime through Service.Apply.
package logx
