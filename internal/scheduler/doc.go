// Package scheduler triggers named jobs on cron or fixed-interval
// schedules. Jobs run on the cron goroutine with a per-run timeout; a
// trigger that fires while the previous run is still in flight is skipped.
package scheduler
