// Package task holds the vocabulary shared by the background task engine and
// its monitor: priority classes and the errors surfaced to submitters.
package task
