// Package engine is the background task manager.
//
// Work is submitted with a priority class (task.Light, task.Medium,
// task.Heavy). Each class has a bounded queue: Heavy is served FIFO, Medium
// and Light are served LIFO, and a pending Heavy task always runs before any
// Medium or Light one. A fixed pool of workers (sized from the CPU count)
// executes tasks; failures are retried after a fixed delay, and non-Heavy
// work is delayed when the battery is low.
//
// Callers get a Future that resolves exactly once, with the work's value or
// its terminal error (task.RejectedError on admission overflow).
package engine
