// Package scheduler runs named periodic maintenance jobs on robfig/cron.
//
// # Schedule formats
//
// Specs are standard 5-field cron expressions, an optional leading seconds
// field, or descriptors such as "@hourly" and "@every 1m".
//
// # Concurrency and overlap
//
// A run is skipped while the previous run of the same job is still
// executing. Each run gets its own timeout and panics are recovered.
//
// # Lifecycle
//
// Jobs may be registered while stopped; definitions are applied on the next
// Start. A timezone change on Apply restarts cron with the new location.
package scheduler
