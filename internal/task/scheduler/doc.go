// Package scheduler triggers named library jobs on cron or interval
// schedules and submits them to the task engine at their configured
// priority. It never executes work itself.
package scheduler
