// Package schedule describes when a job fires and computes its next fire time.
//
// A Schedule is a closed set of variants discriminated by Kind:
//   - every: fixed interval from an anchor instant
//   - cron:  standard 5-field cron expression in a timezone (robfig/cron)
//   - at:    a single fixed instant
//
// Schedules with an unrecognized kind are kept verbatim so that newer store
// files survive a load/save cycle; they never fire.
//
// NextFireAfter is pure: it never mutates the schedule and always returns an
// instant strictly after the reference, or the zero time when there is none.
package schedule
