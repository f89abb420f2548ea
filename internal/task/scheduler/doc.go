// Package scheduler drives the job engine with a cooperative tick loop.
//
// Execution and job state live in internal/task/engine. The scheduler only:
//   - wakes every tick interval and calls Engine.Tick with the wall clock
//   - restarts the loop if it fails
//   - renders next-run previews for diagnostics
package scheduler
